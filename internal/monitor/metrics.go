package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"execution-core/internal/events"
)

// Metrics are the Prometheus series the engine updates while running.
//
//   - exec_ticks_total                  trade prints processed
//   - exec_late_ticks_total             prints older than the open bar, dropped
//   - exec_bars_total                   bars completed
//   - exec_signals_total{action}        engine signals by action
//   - exec_orders_total{intent,result}  order submissions by intent and outcome
//   - exec_fills_total{intent}          executions by intent
//   - exec_position_contracts           broker position
//   - exec_daily_pnl                    realized plus unrealized for the day
//   - exec_halted                       1 while the daily loss halt is active
//   - exec_connected                    1 while the broker link is up
//   - exec_reconnects_total             reconnect attempts
//   - exec_tick_age_seconds             age of the last print at the watchdog poll
//   - exec_bar_latency_seconds          time spent evaluating one bar
//   - exec_drift_mismatches_total       in-session position drift detections
type Metrics struct {
	Ticks         prometheus.Counter
	LateTicks     prometheus.Counter
	Bars          prometheus.Counter
	Signals       *prometheus.CounterVec
	Orders        *prometheus.CounterVec
	Fills         *prometheus.CounterVec
	Position      prometheus.Gauge
	DailyPnL      prometheus.Gauge
	Halted        prometheus.Gauge
	Connected     prometheus.Gauge
	Reconnects    prometheus.Counter
	TickAge       prometheus.Gauge
	BarLatency    prometheus.Histogram
	DriftMismatch prometheus.Counter
	EventsDropped prometheus.GaugeFunc
}

// NewMetrics creates the series and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer, droppedEvents func() float64) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_ticks_total", Help: "Trade prints processed",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_late_ticks_total", Help: "Trade prints older than the open bar",
		}),
		Bars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_bars_total", Help: "Bars completed",
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_signals_total", Help: "Engine signals by action",
		}, []string{"action"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_orders_total", Help: "Order submissions by intent and result",
		}, []string{"intent", "result"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_fills_total", Help: "Executions by intent",
		}, []string{"intent"}),
		Position: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_position_contracts", Help: "Broker position in contracts",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_daily_pnl", Help: "Realized plus unrealized PnL for the trading day",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_halted", Help: "1 while trading is halted for the day",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_connected", Help: "1 while the broker connection is up",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_reconnects_total", Help: "Broker reconnect attempts",
		}),
		TickAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exec_tick_age_seconds", Help: "Age of the last trade print at the last watchdog poll",
		}),
		BarLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exec_bar_latency_seconds",
			Help:    "Time from bar close to orders submitted",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		DriftMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exec_drift_mismatches_total", Help: "Position drift detections",
		}),
	}
	if droppedEvents == nil {
		droppedEvents = func() float64 { return 0 }
	}
	m.EventsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "exec_bus_dropped_events", Help: "Event deliveries skipped because a subscriber was full",
	}, droppedEvents)

	if reg != nil {
		reg.MustRegister(m.Ticks, m.LateTicks, m.Bars, m.Signals, m.Orders, m.Fills,
			m.Position, m.DailyPnL, m.Halted, m.Connected, m.Reconnects, m.TickAge,
			m.BarLatency, m.DriftMismatch, m.EventsDropped)
	}
	return m
}

// SetHalted flips the halt gauge.
func (m *Metrics) SetHalted(h bool) { m.Halted.Set(boolGauge(h)) }

// SetConnected flips the connection gauge.
func (m *Metrics) SetConnected(c bool) { m.Connected.Set(boolGauge(c)) }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Watch counts order lifecycle events from bus until ctx ends.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	topics := map[events.Event]string{
		events.EventOrderSubmitted: "submitted",
		events.EventOrderRejected:  "rejected",
		events.EventOrderCancelled: "cancelled",
		events.EventOrderFilled:    "filled",
	}
	for topic, result := range topics {
		ch, unsub := bus.Subscribe(topic, 256)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if o, ok := msg.(events.OrderEvent); ok {
						m.Orders.WithLabelValues(o.Intent, result).Inc()
					}
				}
			}
		}()
	}
}
