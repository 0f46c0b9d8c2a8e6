package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/restock-gardener/pkg/restock/metrics"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// DecisionSink hands a decision to a downstream system. The pipeline
// never places orders itself.
type DecisionSink interface {
	Name() string
	Deliver(ctx context.Context, d types.RestockDecision) error
}

// Publisher is the subset of *nats.Conn used by NATSSink
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes decisions as JSON on <prefix>.<zone>.<item>
type NATSSink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

var _ DecisionSink = &NATSSink{}

// NewNATSSink connects to the NATS server at url
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("restockd"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				klog.ErrorS(err, "Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			klog.InfoS("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	s := NewNATSSinkWithPublisher(nc, prefix)
	s.conn = nc
	return s, nil
}

// NewNATSSinkWithPublisher wraps an existing publisher
func NewNATSSinkWithPublisher(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Name implements DecisionSink
func (s *NATSSink) Name() string {
	return "nats"
}

// Subject returns the subject a decision for key is published on
func (s *NATSSink) Subject(key types.Key) string {
	return s.prefix + "." + subjectToken(key.ZoneID) + "." + subjectToken(key.ItemID)
}

// Deliver implements DecisionSink
func (s *NATSSink) Deliver(ctx context.Context, d types.RestockDecision) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if err := s.pub.Publish(s.Subject(d.Key), data); err != nil {
		return fmt.Errorf("publish decision for %s: %w", d.Key, err)
	}
	return nil
}

// Close drains the connection when this sink owns it
func (s *NATSSink) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			klog.ErrorS(err, "Failed to drain NATS connection")
			s.conn.Close()
		}
	}
}

// subjectToken replaces characters that are reserved in NATS subjects
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Fanout delivers each decision to every sink. A failing sink does not
// stop delivery to the others.
type Fanout struct {
	sinks         []DecisionSink
	triggeredOnly bool
}

var _ DecisionSink = &Fanout{}

// NewFanout creates a fanout over sinks. With triggeredOnly set, decisions
// that did not trigger a restock are not delivered.
func NewFanout(triggeredOnly bool, sinks ...DecisionSink) *Fanout {
	return &Fanout{sinks: sinks, triggeredOnly: triggeredOnly}
}

// Name implements DecisionSink
func (f *Fanout) Name() string {
	return "fanout"
}

// Len returns the number of sinks
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Deliver implements DecisionSink
func (f *Fanout) Deliver(ctx context.Context, d types.RestockDecision) error {
	if f.triggeredOnly && !d.Triggered {
		return nil
	}

	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Deliver(ctx, d); err != nil {
			metrics.Deliveries.WithLabelValues(sink.Name(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		metrics.Deliveries.WithLabelValues(sink.Name(), "success").Inc()
		klog.V(3).InfoS("Delivered restock decision",
			"sink", sink.Name(),
			"key", d.Key.String(),
			"triggered", d.Triggered,
			"recommendedQuantity", d.RecommendedQuantity)
	}
	return utilerrors.NewAggregate(errs)
}
