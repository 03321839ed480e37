package reconciliation

import (
	"context"
	"errors"
	"testing"

	"execution-core/internal/events"
	"execution-core/internal/trade"
)

type fakeTracker struct {
	cached trade.PositionInfo
	broker trade.PositionInfo
	err    error
}

func (f *fakeTracker) Position() trade.PositionInfo { return f.cached }

func (f *fakeTracker) SyncPosition(context.Context) (trade.PositionInfo, error) {
	if f.err != nil {
		return trade.PositionInfo{}, f.err
	}
	f.cached = f.broker
	return f.broker, nil
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		local     int
		broker    int
		wantDrift bool
	}{
		{name: "match", local: 2, broker: 2},
		{name: "broker flat", local: 2, broker: 0, wantDrift: true},
		{name: "unexpected position", local: 0, broker: -1, wantDrift: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.NewBus()
			alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
			defer unsub()

			tr := &fakeTracker{cached: trade.PositionInfo{Quantity: tt.local}, broker: trade.PositionInfo{Quantity: tt.broker}}
			s := NewService(tr, bus, nil, nil)
			r, err := s.Check(context.Background())
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if r.Drift != tt.wantDrift {
				t.Fatalf("drift %v, want %v", r.Drift, tt.wantDrift)
			}
			if tr.cached.Quantity != tt.broker {
				t.Fatalf("cache not refreshed: %d", tr.cached.Quantity)
			}
			if wantAlerts := map[bool]int{true: 1, false: 0}[tt.wantDrift]; len(alerts) != wantAlerts {
				t.Fatalf("alerts %d, want %d", len(alerts), wantAlerts)
			}
			if s.Last() != r {
				t.Fatalf("last report not stored")
			}
		})
	}
}

func TestCheckQueryFailure(t *testing.T) {
	s := NewService(&fakeTracker{err: errors.New("timeout")}, nil, nil, nil)
	if _, err := s.Check(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.Drifts() != 0 {
		t.Fatal("failed query counted as drift")
	}
}
