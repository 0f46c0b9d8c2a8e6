package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// HTTPClient interface allows mocking http.Client in tests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource reads sales from a JSON HTTP endpoint:
//
//	GET {base}/sales?start=YYYY-MM-DD&end=YYYY-MM-DD[&zone=..&item=..]
//	GET {base}/keys?start=YYYY-MM-DD&end=YYYY-MM-DD
//
// Each call is a single attempt; retries belong to the Adapter.
type HTTPSource struct {
	baseURL    string
	httpClient HTTPClient
}

var _ KeyedSource = &HTTPSource{}

// HTTPOption allows customizing the source
type HTTPOption func(*HTTPSource)

// WithHTTPClient allows injecting a custom HTTP client
func WithHTTPClient(client HTTPClient) HTTPOption {
	return func(s *HTTPSource) {
		s.httpClient = client
	}
}

// NewHTTPSource creates a source for baseURL
func NewHTTPSource(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type salesResponse struct {
	Records []salesRecord `json:"records"`
}

type salesRecord struct {
	Date     string `json:"date"`
	ZoneID   string `json:"zoneId"`
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type keysResponse struct {
	Keys []struct {
		ZoneID string `json:"zoneId"`
		ItemID string `json:"itemId"`
	} `json:"keys"`
}

// Name implements Source
func (s *HTTPSource) Name() string {
	return "http"
}

// Fetch implements Source
func (s *HTTPSource) Fetch(ctx context.Context, start, end time.Time) ([]types.SalesRecord, error) {
	return s.fetchSales(ctx, rangeQuery(start, end))
}

// FetchKey implements KeyedSource
func (s *HTTPSource) FetchKey(ctx context.Context, key types.Key, start, end time.Time) ([]types.SalesRecord, error) {
	q := rangeQuery(start, end)
	q.Set("zone", key.ZoneID)
	q.Set("item", key.ItemID)
	return s.fetchSales(ctx, q)
}

// ListKeys implements KeyedSource
func (s *HTTPSource) ListKeys(ctx context.Context, start, end time.Time) ([]types.Key, error) {
	var resp keysResponse
	if err := s.doRequest(ctx, "/keys", rangeQuery(start, end), &resp); err != nil {
		return nil, err
	}
	keys := make([]types.Key, 0, len(resp.Keys))
	for _, k := range resp.Keys {
		keys = append(keys, types.Key{ZoneID: k.ZoneID, ItemID: k.ItemID})
	}
	return keys, nil
}

func (s *HTTPSource) fetchSales(ctx context.Context, q url.Values) ([]types.SalesRecord, error) {
	var resp salesResponse
	if err := s.doRequest(ctx, "/sales", q, &resp); err != nil {
		return nil, err
	}

	out := make([]types.SalesRecord, 0, len(resp.Records))
	for i, r := range resp.Records {
		d, err := types.ParseDay(r.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d has malformed date %q", types.ErrSourceUnavailable, i, r.Date)
		}
		out = append(out, types.SalesRecord{
			Date:     d,
			ZoneID:   r.ZoneID,
			ItemID:   r.ItemID,
			Quantity: r.Quantity,
		})
	}
	return out, nil
}

func (s *HTTPSource) doRequest(ctx context.Context, path string, q url.Values, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	klog.V(4).InfoS("Making sales API request", "url", req.URL.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", types.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Continue processing
	case http.StatusBadRequest:
		return fmt.Errorf("%w: sales API rejected range %s..%s",
			types.ErrInvalidRange, q.Get("start"), q.Get("end"))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limit exceeded", types.ErrSourceUnavailable)
	default:
		return fmt.Errorf("%w: unexpected status code: %d", types.ErrSourceUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", types.ErrSourceUnavailable, err)
	}
	return nil
}

func rangeQuery(start, end time.Time) url.Values {
	q := url.Values{}
	q.Set("start", types.FormatDay(start))
	q.Set("end", types.FormatDay(end))
	return q
}
