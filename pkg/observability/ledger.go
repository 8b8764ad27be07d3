package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Ledger semantic attributes.
var (
	AttrEventType    = attribute.Key("ledger.event_type")
	AttrEventID      = attribute.Key("ledger.event_id")
	AttrAttempts     = attribute.Key("ledger.attempts")
	AttrIntegrity    = attribute.Key("ledger.integrity_kind")
	AttrAnchorStatus = attribute.Key("anchoring.status")
	AttrKeyID        = attribute.Key("signing.key_id")
	AttrOperation    = attribute.Key("keylifecycle.operation")
)

// Instruments are the counters the ledger core reports.
type Instruments struct {
	Appends           metric.Int64Counter
	AppendAttempts    metric.Int64Histogram
	DeadLetters       metric.Int64Counter
	IntegrityFailures metric.Int64Counter
	Anchors           metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	instruments     *Instruments
)

// Metrics returns the process-wide instruments, created lazily from the
// global meter provider.
func Metrics() *Instruments {
	instrumentsOnce.Do(func() {
		m := otel.Meter(InstrumentationName)
		in := &Instruments{}
		// Errors only occur for invalid names; the no-op fallbacks keep callers simple.
		in.Appends, _ = m.Int64Counter("ledger.appends",
			metric.WithDescription("Committed ledger events"), metric.WithUnit("{event}"))
		in.AppendAttempts, _ = m.Int64Histogram("ledger.append.attempts",
			metric.WithDescription("Write attempts per append"), metric.WithUnit("{attempt}"))
		in.DeadLetters, _ = m.Int64Counter("ledger.dead_letters",
			metric.WithDescription("Appends diverted to the dead-letter sink"), metric.WithUnit("{event}"))
		in.IntegrityFailures, _ = m.Int64Counter("ledger.integrity_failures",
			metric.WithDescription("Chain verifications that found tamper evidence"), metric.WithUnit("{failure}"))
		in.Anchors, _ = m.Int64Counter("anchoring.anchors",
			metric.WithDescription("Anchor records by resulting status"), metric.WithUnit("{anchor}"))
		instruments = in
	})
	return instruments
}

// Add increments c when it is set.
func Add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
