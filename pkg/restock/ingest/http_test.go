package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// MockHTTPClient is a mock implementation of HTTPClient for testing
type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

// Do implements the HTTPClient interface
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return nil, errors.New("mock http client not implemented")
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	var gotURL string
	client := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			gotURL = req.URL.String()
			return jsonResponse(http.StatusOK, `{"records":[
				{"date":"2024-01-01","zoneId":"Z1","itemId":"milk","quantity":4},
				{"date":"2024-01-02","zoneId":"Z1","itemId":"eggs","quantity":2}
			]}`), nil
		},
	}
	s := NewHTTPSource("http://sales.local/api/", time.Second, WithHTTPClient(client))

	records, err := s.Fetch(context.Background(), d1, types.AddDays(d1, 1))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "http://sales.local/api/sales?end=2024-01-02&start=2024-01-01", gotURL)
	assert.Equal(t, d1, records[0].Date)
	assert.Equal(t, 4, records[0].Quantity)
	assert.Equal(t, eggs, records[1].Key())
}

func TestHTTPSourceFetchKeyAndListKeys(t *testing.T) {
	client := &MockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			switch req.URL.Path {
			case "/sales":
				assert.Equal(t, "Z1", req.URL.Query().Get("zone"))
				assert.Equal(t, "milk", req.URL.Query().Get("item"))
				return jsonResponse(http.StatusOK, `{"records":[{"date":"2024-01-01","zoneId":"Z1","itemId":"milk","quantity":1}]}`), nil
			case "/keys":
				return jsonResponse(http.StatusOK, `{"keys":[{"zoneId":"Z1","itemId":"milk"},{"zoneId":"Z1","itemId":"eggs"}]}`), nil
			}
			return jsonResponse(http.StatusNotFound, ``), nil
		},
	}
	s := NewHTTPSource("http://sales.local", 0, WithHTTPClient(client))

	records, err := s.FetchKey(context.Background(), milk, d1, d1)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	keys, err := s.ListKeys(context.Background(), d1, d1)
	require.NoError(t, err)
	assert.Equal(t, []types.Key{milk, eggs}, keys)
}

func TestHTTPSourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		resp    *http.Response
		err     error
		wantErr error
	}{
		{name: "transport failure", err: errors.New("dial tcp: refused"), wantErr: types.ErrSourceUnavailable},
		{name: "rate limited", resp: jsonResponse(http.StatusTooManyRequests, ``), wantErr: types.ErrSourceUnavailable},
		{name: "server error", resp: jsonResponse(http.StatusBadGateway, ``), wantErr: types.ErrSourceUnavailable},
		{name: "bad request", resp: jsonResponse(http.StatusBadRequest, ``), wantErr: types.ErrInvalidRange},
		{name: "malformed body", resp: jsonResponse(http.StatusOK, `{"records":`), wantErr: types.ErrSourceUnavailable},
		{name: "malformed date", resp: jsonResponse(http.StatusOK, `{"records":[{"date":"01/02/2024","zoneId":"Z1","itemId":"milk","quantity":1}]}`), wantErr: types.ErrSourceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockHTTPClient{
				DoFunc: func(*http.Request) (*http.Response, error) { return tt.resp, tt.err },
			}
			s := NewHTTPSource("http://sales.local", time.Second, WithHTTPClient(client))
			_, err := s.Fetch(context.Background(), d1, d1)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHTTPSourceRetriedByAdapter(t *testing.T) {
	calls := 0
	client := &MockHTTPClient{
		DoFunc: func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return jsonResponse(http.StatusServiceUnavailable, ``), nil
			}
			return jsonResponse(http.StatusOK, `{"records":[{"date":"2024-01-01","zoneId":"Z1","itemId":"milk","quantity":3}]}`), nil
		},
	}
	s := NewHTTPSource("http://sales.local", time.Second, WithHTTPClient(client))
	a := NewAdapter(s, testSourceConfig())

	got, err := a.Ingest(context.Background(), d1, d1)
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, got[milk].Quantities())
	assert.Equal(t, 2, calls)
}
