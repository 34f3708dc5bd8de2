package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/settle/internal/domain/capacity"
)

// Metrics counts checkout outcomes.
type Metrics struct {
	checkouts metric.Int64Counter
}

// NewMetrics registers the checkout instruments on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	checkouts, err := meter.Int64Counter("checkout.attempts",
		metric.WithDescription("Checkout attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create counter")
	}
	return &Metrics{checkouts: checkouts}, nil
}

func (m *Metrics) record(ctx context.Context, err error) {
	m.checkouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome(err)),
	))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, capacity.ErrCapacityExceeded):
		return "capacity_rejected"
	case errors.Is(err, ErrChangedPrice):
		return "price_rejected"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "rejected"
	}
}
