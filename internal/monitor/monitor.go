// Package monitor delivers operational alerts, exposes Prometheus metrics
// and watches the market data feed for staleness.
package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Monitor watches the bus and forwards alerts and order rejections to the sinks.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
	Log   *zap.Logger
}

// Start subscribes and returns immediately; delivery stops when ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	if m.Bus == nil || len(m.Sinks) == 0 {
		m.Log.Info("monitor not fully configured; skipping")
		return
	}
	alerts, unsubAlerts := m.Bus.Subscribe(events.EventRiskAlert, 64)
	rejects, unsubRejects := m.Bus.Subscribe(events.EventOrderRejected, 64)
	go func() {
		defer unsubAlerts()
		defer unsubRejects()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-alerts:
				if !ok {
					return
				}
				if a, ok := msg.(events.RiskAlert); ok {
					m.deliver(a)
				}
			case msg, ok := <-rejects:
				if !ok {
					return
				}
				if o, ok := msg.(events.OrderEvent); ok {
					m.deliver(events.RiskAlert{
						Level:   events.AlertWarning,
						Source:  "orders",
						Message: fmt.Sprintf("%s order %s %d rejected: %s", o.Intent, o.Side, o.Qty, o.Reason),
						Time:    o.Time,
					})
				}
			}
		}
	}()
}

func (m *Monitor) deliver(a events.RiskAlert) {
	for _, s := range m.Sinks {
		if err := s.Send(a); err != nil {
			m.Log.Warn("alert delivery failed", zap.Error(err))
		}
	}
}
