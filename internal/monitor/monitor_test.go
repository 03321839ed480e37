package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"execution-core/internal/events"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []events.RiskAlert
	got    chan struct{}
}

func (s *recordingSink) Send(a events.RiskAlert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func TestMonitorForwardsAlertsAndRejections(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{got: make(chan struct{}, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Monitor{Bus: bus, Sinks: []AlertSink{sink}}).Start(ctx)

	bus.Publish(events.EventRiskAlert, events.RiskAlert{Level: events.AlertCritical, Source: "risk", Message: "halt"})
	bus.Publish(events.EventOrderRejected, events.OrderEvent{Intent: "entry", Side: "BUY", Qty: 1, Reason: "margin"})

	for i := 0; i < 2; i++ {
		select {
		case <-sink.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("alert %d not delivered", i+1)
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	var sawReject bool
	for _, a := range sink.alerts {
		if a.Source == "orders" && a.Level == events.AlertWarning {
			sawReject = true
		}
	}
	if !sawReject {
		t.Fatalf("rejection not converted to alert: %+v", sink.alerts)
	}
}

func TestWatchdogWarnsOnceWhileStale(t *testing.T) {
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 8)
	defer unsub()

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	w := &Watchdog{
		MaxAge:  30 * time.Second,
		Session: Session{Start: 9*60 + 30, End: 16 * 60, Location: time.UTC},
		Bus:     bus,
		Metrics: NewMetrics(nil, nil),
		Now:     func() time.Time { return now },
	}
	w.Touch(now.Add(-10 * time.Second))
	if w.Poll() {
		t.Fatal("fresh feed reported stale")
	}

	now = now.Add(time.Minute)
	if !w.Poll() || !w.Poll() {
		t.Fatal("stale feed not reported")
	}
	if got := len(alerts); got != 1 {
		t.Fatalf("alerts published %d, want 1", got)
	}
	if age := testutil.ToFloat64(w.Metrics.TickAge); age != 70 {
		t.Fatalf("tick age gauge %v, want 70", age)
	}

	w.Touch(now)
	now = time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	if w.Poll() {
		t.Fatal("watchdog fired outside the session")
	}
}

func TestSessionContainsOvernight(t *testing.T) {
	s := Session{Start: 18 * 60, End: 17 * 60, Location: time.UTC}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }
	if !s.Contains(at(20, 0)) || !s.Contains(at(3, 0)) {
		t.Fatal("overnight session should contain evening and early morning")
	}
	if s.Contains(at(17, 30)) {
		t.Fatal("maintenance break should be outside the session")
	}
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, func() float64 { return 3 })
	m.Orders.WithLabelValues("entry", "ok").Inc()
	m.SetHalted(true)

	if got := testutil.ToFloat64(m.Halted); got != 1 {
		t.Fatalf("halted gauge %v", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 3 {
		t.Fatalf("dropped gauge %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "exec_orders_total"); err != nil || n != 1 {
		t.Fatalf("orders series %d, %v", n, err)
	}
}

func TestMetricsWatchCountsOrders(t *testing.T) {
	bus := events.NewBus()
	m := NewMetrics(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Watch(ctx, bus)

	bus.Publish(events.EventOrderSubmitted, events.OrderEvent{Intent: "entry"})
	bus.Publish(events.EventOrderSubmitted, events.OrderEvent{Intent: "entry"})
	bus.Publish(events.EventOrderRejected, events.OrderEvent{Intent: "protective_stop"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		submitted := testutil.ToFloat64(m.Orders.WithLabelValues("entry", "submitted"))
		rejected := testutil.ToFloat64(m.Orders.WithLabelValues("protective_stop", "rejected"))
		if submitted == 2 && rejected == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("submitted %v rejected %v, want 2 and 1", submitted, rejected)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
