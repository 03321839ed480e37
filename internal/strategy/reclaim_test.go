package strategy

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"execution-core/internal/trade"
)

var sessionStart = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

// oscillating builds n five-minute bars swinging 3 points around 5900.
func oscillating(n int) []trade.Bar {
	bars := make([]trade.Bar, n)
	for i := range bars {
		open, close := 5899.0, 5901.0
		if i%2 == 1 {
			open, close = 5901.0, 5899.0
		}
		bars[i] = trade.Bar{
			OpenTime:  sessionStart.Add(time.Duration(i) * 5 * time.Minute),
			Open:      open,
			High:      5903,
			Low:       5897,
			Close:     close,
			Volume:    100,
			TickCount: 40,
		}
	}
	return bars
}

// reclaimSeries has a pivot low at bar 15 swept and reclaimed at bar 30.
func reclaimSeries() []trade.Bar {
	bars := oscillating(60)
	bars[15].Low = 5896
	bars[30].Low = 5895.5
	bars[30].Open = 5899
	bars[30].Close = 5900
	bars[30].High = 5901
	return bars
}

func newTestReclaim(t *testing.T, overrides map[string]any) *Reclaim {
	t.Helper()
	eng, err := NewRegistry().Create(ReclaimName, overrides, Env{TickSize: 0.25, PointValue: 50})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return eng.(*Reclaim)
}

// feed runs bars through eng while tracking the position its signals imply.
func feed(eng Engine, bars []trade.Bar, pos *int, onSignal func(i int, s trade.Signal)) {
	for i, b := range bars {
		for _, s := range eng.OnBar(b, *pos) {
			if onSignal != nil {
				onSignal(i, s)
			}
			switch s.Action {
			case trade.ActionBuy:
				*pos += s.Quantity
			case trade.ActionSell:
				*pos -= s.Quantity
			case trade.ActionFlatten:
				*pos = 0
			}
		}
	}
}

func TestReclaimSweepAndReclaimProducesOneEntry(t *testing.T) {
	eng := newTestReclaim(t, map[string]any{"strength": 10})

	var entries []trade.Signal
	var entryBar int
	pos := 0
	feed(eng, reclaimSeries(), &pos, func(i int, s trade.Signal) {
		if s.Action == trade.ActionBuy || s.Action == trade.ActionSell {
			entries = append(entries, s)
			entryBar = i
		}
	})

	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].Action != trade.ActionBuy || entryBar != 30 {
		t.Fatalf("expected BUY on bar 30, got %s on bar %d", entries[0].Action, entryBar)
	}

	st := eng.TradeState()
	if !st.IsActive() || st.Direction != 1 {
		t.Fatalf("expected active long trade, got %+v", st)
	}
	if st.StopPrice >= st.EntryPrice {
		t.Fatalf("long stop %.2f must be below entry %.2f", st.StopPrice, st.EntryPrice)
	}
	if st.EntryPrice != 5900 || st.StopPrice != 5895.25 || st.TP1Price != 5904 {
		t.Fatalf("unexpected levels %+v", st)
	}

	traded := 0
	for _, l := range eng.Levels() {
		if l.Status == LevelTraded {
			traded++
		}
	}
	// Traded levels are pruned; the snapshot keeps only live ones.
	if traded != 0 {
		t.Fatalf("traded levels should be pruned, found %d", traded)
	}
}

func TestReclaimLevelLifecycle(t *testing.T) {
	eng := newTestReclaim(t, nil)
	bars := reclaimSeries()
	// Bar 30 breaks the level and closes below it; bar 31 reclaims.
	bars[30].Low, bars[30].High, bars[30].Close = 5895.5, 5899.5, 5895.75

	status := func() (LevelStatus, bool) {
		for _, l := range eng.Levels() {
			if l.Price == 5896 && !l.High {
				return l.Status, true
			}
		}
		return "", false
	}

	pos := 0
	entryBar := -1
	for i, b := range bars[:32] {
		for _, s := range eng.OnBar(b, pos) {
			if s.Action == trade.ActionBuy {
				entryBar = i
				pos += s.Quantity
			}
		}
		st, ok := status()
		switch {
		case i < 25 && ok:
			t.Fatalf("bar %d: level confirmed too early", i)
		case i >= 25 && i < 30 && (!ok || st != LevelActive):
			t.Fatalf("bar %d: want ACTIVE, got %q", i, st)
		case i == 30 && (!ok || st != LevelBroken):
			t.Fatalf("bar 30: want BROKEN, got %q", st)
		case i == 31 && ok:
			t.Fatalf("bar 31: traded level should be pruned, got %q", st)
		}
	}
	if entryBar != 31 {
		t.Fatalf("expected entry on reclaim bar 31, got %d", entryBar)
	}
	if st := eng.TradeState(); st.StopPrice != 5895.25 || st.EntryPrice != 5899 {
		t.Fatalf("stop should sit one tick under the sweep low: %+v", st)
	}
}

func TestReclaimStopBreachFlattensOnce(t *testing.T) {
	eng := newTestReclaim(t, nil)
	bars := reclaimSeries()[:31]
	pos := 0
	feed(eng, bars, &pos, nil)
	if pos != 1 {
		t.Fatalf("expected long 1 after entry, got %d", pos)
	}

	breach := trade.Bar{
		OpenTime: bars[30].OpenTime.Add(5 * time.Minute),
		Open:     5899, High: 5899.5, Low: 5895, Close: 5895.5,
	}
	sigs := eng.OnBar(breach, pos)
	if len(sigs) != 1 || sigs[0].Action != trade.ActionFlatten || sigs[0].Quantity != pos {
		t.Fatalf("expected one FLATTEN for %d, got %+v", pos, sigs)
	}
	if eng.Snapshot().Trade.IsActive() {
		t.Fatal("trade must be inactive after stop")
	}

	next := breach
	next.OpenTime = breach.OpenTime.Add(5 * time.Minute)
	next.Low = 5890
	if sigs := eng.OnBar(next, 0); len(sigs) != 0 {
		t.Fatalf("no signal expected after flatten, got %+v", sigs)
	}
}

func TestReclaimPartialBreakevenAndTrail(t *testing.T) {
	eng := newTestReclaim(t, map[string]any{"quantity": 3, "partial_pct": 50})
	bars := reclaimSeries()[:31]
	pos := 0
	feed(eng, bars, &pos, nil)
	if pos != 3 {
		t.Fatalf("expected long 3, got %d", pos)
	}

	t1 := trade.Bar{OpenTime: bars[30].OpenTime.Add(5 * time.Minute), Open: 5900, High: 5904.5, Low: 5899.5, Close: 5904}
	sigs := eng.OnBar(t1, pos)
	if len(sigs) != 1 || sigs[0].Action != trade.ActionSell || sigs[0].Quantity != 2 {
		t.Fatalf("expected SELL 2 partial, got %+v", sigs)
	}
	pos -= 2
	st := eng.TradeState()
	if !st.PartialTaken || !st.BEActivated || !st.TrailActive || st.StopPrice != st.EntryPrice {
		t.Fatalf("partial should arm breakeven and trail: %+v", st)
	}

	t2 := trade.Bar{OpenTime: t1.OpenTime.Add(5 * time.Minute), Open: 5904, High: 5910, Low: 5903.5, Close: 5909}
	if sigs := eng.OnBar(t2, pos); len(sigs) != 0 {
		t.Fatalf("trail bar should not signal, got %+v", sigs)
	}
	if got := eng.TradeState().StopPrice; got != 5907 {
		t.Fatalf("trail should lift stop to 5907, got %v", got)
	}

	t3 := trade.Bar{OpenTime: t2.OpenTime.Add(5 * time.Minute), Open: 5909, High: 5909.5, Low: 5908, Close: 5908.5}
	eng.OnBar(t3, pos)
	if got := eng.TradeState().StopPrice; got != 5907 {
		t.Fatalf("stop must never loosen, got %v", got)
	}
}

func TestReclaimNeverExitsTwice(t *testing.T) {
	eng := newTestReclaim(t, map[string]any{
		"strength": 3, "quantity": 2, "reclaim_window": 3, "tp1_points": 2, "trail_points": 1.5,
		"max_trades_per_day": 100, "eod_flatten_time": "",
	})
	rng := rand.New(rand.NewSource(7))
	price := 5900.0
	bars := make([]trade.Bar, 2000)
	for i := range bars {
		open := price
		price += math.Round((rng.Float64()*2-1)*8) / 4
		hi := math.Max(open, price) + float64(rng.Intn(6))*0.25
		lo := math.Min(open, price) - float64(rng.Intn(6))*0.25
		bars[i] = trade.Bar{OpenTime: sessionStart.Add(time.Duration(i) * time.Minute), Open: open, High: hi, Low: lo, Close: price}
	}

	pos := 0
	flat := true
	partials := 0
	entries := 0
	feed(eng, bars, &pos, func(i int, s trade.Signal) {
		switch {
		case s.Action == trade.ActionFlatten:
			if flat {
				t.Fatalf("bar %d: FLATTEN while already flat", i)
			}
			flat = true
		case flat:
			entries++
			flat = false
			partials = 0
		default:
			partials++
			if partials > 1 {
				t.Fatalf("bar %d: second partial in one trade", i)
			}
		}
	})
	if entries == 0 {
		t.Fatal("random walk produced no trades; test data too quiet")
	}
}

func TestReclaimEODFlattenFiresOnce(t *testing.T) {
	eng := newTestReclaim(t, map[string]any{"eod_flatten_time": "13:00"})
	bars := reclaimSeries()[:31]
	pos := 0
	feed(eng, bars, &pos, nil)

	late := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	if !eng.CheckEODFlatten(late) {
		t.Fatal("CheckEODFlatten should be true at flatten time")
	}
	sigs := eng.OnBar(trade.Bar{OpenTime: late, Open: 5900, High: 5901, Low: 5899, Close: 5900}, pos)
	if len(sigs) != 1 || sigs[0].Action != trade.ActionFlatten || sigs[0].Quantity != 1 {
		t.Fatalf("expected EOD flatten, got %+v", sigs)
	}
	if eng.CheckEODFlatten(late.Add(5 * time.Minute)) {
		t.Fatal("EOD flatten must fire once per day")
	}
	if sigs := eng.OnBar(trade.Bar{OpenTime: late.Add(5 * time.Minute), Open: 5900, High: 5901, Low: 5899, Close: 5900}, 0); len(sigs) != 0 {
		t.Fatalf("no signals expected after EOD, got %+v", sigs)
	}
	if !eng.CheckEODFlatten(late.Add(24 * time.Hour)) {
		t.Fatal("guard should reset on the next day")
	}
}

func TestReclaimSelfHealsWhenBrokerFlat(t *testing.T) {
	eng := newTestReclaim(t, nil)
	bars := reclaimSeries()[:31]
	pos := 0
	feed(eng, bars, &pos, nil)

	quiet := trade.Bar{OpenTime: bars[30].OpenTime.Add(5 * time.Minute), Open: 5900, High: 5901, Low: 5899, Close: 5900}
	if sigs := eng.OnBar(quiet, 0); len(sigs) != 0 {
		t.Fatalf("self-heal should not signal, got %+v", sigs)
	}
	if eng.TradeState().IsActive() {
		t.Fatal("trade should be reset when broker is flat")
	}
}

func TestReclaimRestoreReplaysWithoutSignals(t *testing.T) {
	live := newTestReclaim(t, nil)
	bars := reclaimSeries()[:45]
	pos := 0
	feed(live, bars, &pos, nil)
	snap := live.Snapshot()

	restored := newTestReclaim(t, nil)
	restored.RestoreState(Restore{
		Trade:       snap.Trade,
		Bars:        bars,
		TradesToday: snap.TradesToday,
		DailyPnL:    snap.DailyPnL,
		SavedAt:     bars[44].OpenTime.Add(time.Minute),
	})
	got := restored.Snapshot()
	if got.Trade != snap.Trade || got.TradesToday != 1 {
		t.Fatalf("restore mismatch: %+v vs %+v", got, snap)
	}
	if len(live.Levels()) == 0 || len(restored.Levels()) != len(live.Levels()) {
		t.Fatalf("levels not rebuilt: %d vs %d", len(restored.Levels()), len(live.Levels()))
	}

	stale := newTestReclaim(t, nil)
	stale.RestoreState(Restore{Trade: snap.Trade, Bars: bars, TradesToday: 3, SavedAt: bars[44].OpenTime.Add(-48 * time.Hour)})
	if stale.Snapshot().TradesToday != 0 {
		t.Fatal("counters from another day must not be restored")
	}
}
