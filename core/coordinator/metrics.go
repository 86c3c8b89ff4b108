package coordinator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics bundles the coordinator's OpenTelemetry instruments.
type metrics struct {
	begun         metric.Int64Counter
	committed     metric.Int64Counter
	rolledBack    metric.Int64Counter
	inDoubt       metric.Int64Counter
	votes         metric.Int64Counter
	phase2Retries metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.begun, err = meter.Int64Counter("txweave.transactions.begun",
		metric.WithDescription("Global transactions started")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.committed, err = meter.Int64Counter("txweave.transactions.committed",
		metric.WithDescription("Global transactions committed")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.rolledBack, err = meter.Int64Counter("txweave.transactions.rolled_back",
		metric.WithDescription("Global transactions rolled back")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.inDoubt, err = meter.Int64Counter("txweave.transactions.in_doubt",
		metric.WithDescription("Transactions left in doubt for operator attention")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.votes, err = meter.Int64Counter("txweave.prepare.votes",
		metric.WithDescription("Prepare votes collected, labeled by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.phase2Retries, err = meter.Int64Counter("txweave.phase2.retries",
		metric.WithDescription("Completion deliveries that had to be retried")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	return m, nil
}

func (m *metrics) recordVote(ctx context.Context, vote string) {
	m.votes.Add(ctx, 1, metric.WithAttributes(attribute.String("vote", vote)))
}
