// Package reconciliation compares the locally tracked position with the
// broker during the session.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/trade"
)

// Tracker is the local position cache that can refresh itself from the broker.
type Tracker interface {
	Position() trade.PositionInfo
	SyncPosition(ctx context.Context) (trade.PositionInfo, error)
}

// Report is the result of one drift check.
type Report struct {
	Timestamp time.Time `json:"timestamp"`
	LocalQty  int       `json:"local_qty"`
	BrokerQty int       `json:"broker_qty"`
	Drift     bool      `json:"drift"`
	Synced    bool      `json:"synced"`
}

// Service performs drift checks. Adopting the broker's value happens as part
// of the refresh, so a detected drift is always reported as synced.
type Service struct {
	tracker Tracker
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	last   Report
	drifts int
}

func NewService(tracker Tracker, bus *events.Bus, metrics *monitor.Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		tracker: tracker,
		bus:     bus,
		metrics: metrics,
		log:     log.With(zap.String("component", "reconciliation")),
		now:     time.Now,
	}
}

// Check queries the broker and compares with the cached position.
func (s *Service) Check(ctx context.Context) (Report, error) {
	local := s.tracker.Position()
	broker, err := s.tracker.SyncPosition(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("drift check: %w", err)
	}

	r := Report{Timestamp: s.now(), LocalQty: local.Quantity, BrokerQty: broker.Quantity}
	if local.Quantity != broker.Quantity {
		r.Drift, r.Synced = true, true
		s.log.Warn("position drift detected; adopting broker position",
			zap.Int("local", local.Quantity), zap.Int("broker", broker.Quantity))
		if s.metrics != nil {
			s.metrics.DriftMismatch.Inc()
		}
		s.bus.Publish(events.EventReconciliation, r)
		s.bus.Publish(events.EventRiskAlert, events.RiskAlert{
			Level:   events.AlertWarning,
			Source:  "reconciliation",
			Message: fmt.Sprintf("position drift: local %d, broker %d", local.Quantity, broker.Quantity),
			Time:    r.Timestamp,
		})
	} else {
		s.log.Debug("reconciliation ok", zap.Int("position", broker.Quantity))
	}

	s.mu.Lock()
	s.last = r
	if r.Drift {
		s.drifts++
	}
	s.mu.Unlock()
	return r, nil
}

// Last returns the most recent report.
func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Drifts returns how many checks found a mismatch.
func (s *Service) Drifts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drifts
}
