package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"execution-core/internal/contract"
	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/internal/strategy"
	"execution-core/internal/trade"
	"execution-core/pkg/exchanges/common"
)

// ErrStopped is returned by commands sent after Run has returned.
var ErrStopped = errors.New("engine stopped")

// Config describes the instrument and the adapter's schedules.
type Config struct {
	Root     string
	Symbol   string // empty resolves the front month of Root
	Exchange string
	Account  string

	BarMinutes int
	Location   *time.Location

	AutoRoll       bool
	RollDaysBefore int
	RollCheck      int // minutes after local midnight

	StateDir      string
	RecentBars    int
	DriftInterval time.Duration

	DryRun          bool
	ShutdownTimeout time.Duration
}

// Deps are the components the adapter drives. Journal, Drift, Watchdog,
// Metrics and Bus are optional.
type Deps struct {
	Gateway  common.Gateway
	Orders   *order.Manager
	Engine   strategy.Engine
	Store    *state.Store
	Journal  *state.Journal
	Risk     *risk.Guard
	Drift    *reconciliation.Service
	Watchdog *monitor.Watchdog
	Metrics  *monitor.Metrics
	Bus      *events.Bus
	Log      *zap.Logger
}

type commandKind int

const (
	cmdFlatten commandKind = iota
	cmdHalt
)

type command struct {
	kind   commandKind
	reason string
	reply  chan error
}

// Adapter connects a strategy engine to a live broker. Everything that
// touches the engine runs on the goroutine executing Run.
type Adapter struct {
	cfg      Config
	gw       common.Gateway
	orders   *order.Manager
	engine   strategy.Engine
	store    *state.Store
	journal  *state.Journal
	risk     *risk.Guard
	drift    *reconciliation.Service
	watchdog *monitor.Watchdog
	metrics  *monitor.Metrics
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time

	agg         *market.Aggregator
	pending     []trade.Bar
	bars        []trade.Bar
	symbol      string
	pendingRoll string
	barsSeen    int
	lastTick    time.Time

	commands chan command
	done     chan struct{}

	statusMu sync.RWMutex
	status   Status
}

func NewAdapter(cfg Config, deps Deps) (*Adapter, error) {
	var errs error
	if deps.Gateway == nil {
		errs = multierr.Append(errs, errors.New("gateway is required"))
	}
	if deps.Orders == nil {
		errs = multierr.Append(errs, errors.New("order manager is required"))
	}
	if deps.Engine == nil {
		errs = multierr.Append(errs, errors.New("strategy engine is required"))
	}
	if deps.Store == nil {
		errs = multierr.Append(errs, errors.New("state store is required"))
	}
	if deps.Risk == nil {
		errs = multierr.Append(errs, errors.New("risk guard is required"))
	}
	if cfg.Symbol == "" && cfg.Root == "" {
		errs = multierr.Append(errs, errors.New("symbol or contract root is required"))
	}
	if errs != nil {
		return nil, fmt.Errorf("engine: %w", errs)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RecentBars <= 0 {
		cfg.RecentBars = 300
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics(nil, nil)
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		cfg:      cfg,
		gw:       deps.Gateway,
		orders:   deps.Orders,
		engine:   deps.Engine,
		store:    deps.Store,
		journal:  deps.Journal,
		risk:     deps.Risk,
		drift:    deps.Drift,
		watchdog: deps.Watchdog,
		metrics:  deps.Metrics,
		bus:      deps.Bus,
		log:      log.With(zap.String("component", "engine"), zap.String("strategy", deps.Engine.Name())),
		now:      time.Now,
		commands: make(chan command),
		done:     make(chan struct{}),
	}
	a.agg = market.NewAggregator(cfg.BarMinutes, cfg.Location, func(b trade.Bar) {
		a.pending = append(a.pending, b)
	})
	a.orders.OnFill(a.onFill)
	return a, nil
}

// Run starts the engine and processes broker events until ctx ends. On
// return the position has been flattened (unless DryRun), the state saved
// and the gateway closed. Run must be called once.
func (a *Adapter) Run(ctx context.Context) error {
	defer close(a.done)
	if err := a.start(ctx); err != nil {
		return multierr.Append(err, a.gw.Close())
	}

	bg, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if a.watchdog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchdog.Run(bg)
		}()
	}
	a.metrics.Watch(bg, a.bus)
	stopBackground := func() {
		cancel()
		wg.Wait()
	}

	var driftC <-chan time.Time
	if a.drift != nil && a.cfg.DriftInterval > 0 {
		ticker := time.NewTicker(a.cfg.DriftInterval)
		defer ticker.Stop()
		driftC = ticker.C
	}
	rollTimer := time.NewTimer(a.untilRollCheck(a.now()))
	defer rollTimer.Stop()

	feed := a.gw.Events()
	for {
		select {
		case <-ctx.Done():
			stopBackground()
			return a.shutdown()
		case ev, ok := <-feed:
			if !ok {
				stopBackground()
				return multierr.Append(errors.New("gateway event stream closed"), a.shutdown())
			}
			a.handleEvent(ctx, ev)
		case <-driftC:
			a.checkDrift(ctx)
		case <-rollTimer.C:
			a.evaluateRoll(ctx)
			rollTimer.Reset(a.untilRollCheck(a.now()))
		case cmd := <-a.commands:
			cmd.reply <- a.handleCommand(ctx, cmd)
		}
	}
}

// start restores the saved state against the broker before any bar is
// evaluated.
func (a *Adapter) start(ctx context.Context) error {
	snap, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	now := a.now()
	if snap != nil && snap.Strategy != "" && snap.Strategy != a.engine.Name() {
		a.log.Warn("saved state belongs to another strategy; starting fresh",
			zap.String("saved_strategy", snap.Strategy))
		snap = nil
	}

	a.symbol = a.initialSymbol(snap, now)
	a.orders.SetSymbol(a.symbol)

	if err := a.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := a.gw.SubscribeTrades(ctx, a.symbol, a.cfg.Exchange); err != nil {
		return fmt.Errorf("subscribe trades %s: %w", a.symbol, err)
	}
	if err := a.gw.SubscribePositions(ctx, a.cfg.Account); err != nil {
		return fmt.Errorf("subscribe positions: %w", err)
	}
	pos, err := a.orders.SyncPosition(ctx)
	if err != nil {
		return fmt.Errorf("query broker position: %w", err)
	}

	res := a.store.ReconcileAndRecord(snap, pos)
	restore := strategy.Restore{Trade: res.Trade}
	if snap != nil {
		restore.Bars = snap.RecentBars
		restore.TradesToday = snap.TradesToday
		restore.DailyPnL = snap.DailyPnL
		restore.SavedAt = snap.SavedAt
		restore.EODDone = snap.EODDone
		a.bars = tail(snap.RecentBars, a.cfg.RecentBars)
	}
	a.engine.RestoreState(restore)
	a.orders.Adopt(res.Trade, pos.Quantity)
	if res.Trade.IsActive() {
		a.engine.BindOrders(a.orders.ProtectiveOrders())
	}
	if res.Warn {
		a.alert(events.AlertWarning, "reconcile", res.Message)
	}

	today := a.journalToday(now)
	a.risk.Seed(now, today.realized, pos.Quantity, pos.AvgPrice)
	if today.halt != nil && a.risk.SeedHalt(now, today.halt.Time, today.halt.Reason) {
		a.alert(events.AlertWarning, "risk", "trading remains halted: "+today.halt.Reason)
	}
	a.metrics.Position.Set(float64(pos.Quantity))
	a.metrics.SetHalted(a.risk.Halted(now))

	a.evaluateRoll(ctx)
	a.save()

	a.refreshStatus()
	a.statusMu.Lock()
	a.status.StartedAt = now
	a.status.Strategy = a.engine.Name()
	a.status.DryRun = a.cfg.DryRun
	a.statusMu.Unlock()

	a.log.Info("engine started",
		zap.String("symbol", a.symbol),
		zap.Int("position", pos.Quantity),
		zap.String("reconcile", string(res.Outcome)),
		zap.Int("restored_bars", len(restore.Bars)),
		zap.Bool("dry_run", a.cfg.DryRun))
	return nil
}

// initialSymbol picks the contract to trade. A saved trade on an older
// contract is managed there until it is closed.
func (a *Adapter) initialSymbol(snap *state.Snapshot, now time.Time) string {
	symbol := a.cfg.Symbol
	if symbol == "" {
		symbol = contract.ResolveFrontMonth(a.cfg.Root, now.In(a.cfg.Location), a.cfg.RollDaysBefore)
	}
	if snap != nil && snap.Symbol != "" && !strings.EqualFold(snap.Symbol, symbol) && snap.Trade.IsActive() {
		a.log.Warn("saved trade is on another contract; managing it there until flat",
			zap.String("saved_symbol", snap.Symbol), zap.String("front", symbol))
		return snap.Symbol
	}
	return symbol
}

// journalDay is what the trade journal recorded for one trading day.
type journalDay struct {
	realized float64
	halt     *state.TradeEvent
}

// journalToday sums the journal's realized PnL for the trading day of now
// and finds the day's last halt.
func (a *Adapter) journalToday(now time.Time) journalDay {
	var out journalDay
	if a.cfg.StateDir == "" {
		return out
	}
	evs, err := state.TradeEvents(a.cfg.StateDir, a.log)
	if err != nil {
		a.log.Warn("trade journal read incomplete", zap.Int("events", len(evs)), zap.Error(err))
	}
	day := now.In(a.cfg.Location).Format(time.DateOnly)
	for i, e := range evs {
		if e.Time.In(a.cfg.Location).Format(time.DateOnly) != day {
			continue
		}
		out.realized += e.Realized
		if e.Kind == state.KindHalt {
			out.halt = &evs[i]
		}
	}
	return out
}

func (a *Adapter) handleEvent(ctx context.Context, ev common.Event) {
	switch ev.Kind {
	case common.EventTick:
		if ev.Tick != nil {
			a.onTick(ctx, *ev.Tick)
		}
	case common.EventOrder:
		if ev.Order == nil {
			return
		}
		a.orders.OnOrderUpdate(ctx, *ev.Order)
		if a.engine.TradeState().IsActive() {
			a.engine.BindOrders(a.orders.ProtectiveOrders())
		}
		a.maybeRoll(ctx)
	case common.EventPosition:
		if ev.Position == nil {
			return
		}
		a.orders.OnPositionUpdate(*ev.Position)
		a.metrics.Position.Set(float64(a.orders.Position().Quantity))
	case common.EventConnection:
		if ev.Conn != nil {
			a.onConnection(ctx, *ev.Conn)
		}
	}
}

func (a *Adapter) onConnection(ctx context.Context, c common.ConnectionChange) {
	a.metrics.SetConnected(c.Connected)
	a.statusMu.Lock()
	a.status.Connected = c.Connected
	a.statusMu.Unlock()
	a.bus.Publish(events.EventConnection, c)

	if !c.Connected {
		a.log.Warn("broker connection down", zap.Int("attempt", c.Attempt), zap.String("error", c.Error))
		if c.Attempt <= 1 {
			a.alert(events.AlertWarning, "gateway", "broker connection lost")
		}
		return
	}
	if c.Attempt == 0 {
		return
	}
	a.metrics.Reconnects.Inc()
	a.log.Info("broker connection restored", zap.Int("attempt", c.Attempt))
	// Fills may have happened while the link was down.
	a.checkDrift(ctx)
}

func (a *Adapter) onTick(ctx context.Context, t common.Tick) {
	if !strings.EqualFold(t.Symbol, a.symbol) {
		return
	}
	now := a.now()
	if t.Time.IsZero() {
		t.Time = now
	}
	a.metrics.Ticks.Inc()
	if a.watchdog != nil {
		a.watchdog.Touch(now)
	}
	late := a.agg.LateTicks()
	a.agg.OnTick(t.Price, t.Size, t.Time)
	if n := a.agg.LateTicks(); n > late {
		a.metrics.LateTicks.Add(float64(n - late))
		a.log.Debug("late print dropped", zap.Time("time", t.Time), zap.Float64("price", t.Price))
	}
	a.risk.MarkPrice(t.Price)
	a.lastTick = t.Time

	bars := a.pending
	a.pending = nil
	for _, bar := range bars {
		a.onBar(ctx, bar)
	}
	if len(bars) == 0 {
		a.statusMu.Lock()
		a.status.LastTick = t.Time
		a.statusMu.Unlock()
	}
}

func (a *Adapter) onBar(ctx context.Context, bar trade.Bar) {
	started := a.now()
	a.pushBar(bar)
	a.barsSeen++
	a.metrics.Bars.Inc()
	a.bus.Publish(events.EventBar, bar)

	halted := a.risk.Halted(started)
	a.metrics.SetHalted(halted)
	if halted {
		a.log.Debug("bar recorded while halted", zap.Time("open", bar.OpenTime))
	} else {
		a.evaluate(ctx, bar)
		a.metrics.BarLatency.Observe(a.now().Sub(started).Seconds())
	}

	a.recordEquity()
	if a.risk.Check(a.now()) {
		a.haltAndFlatten(ctx, a.risk.Status().HaltReason)
	}
	a.maybeRoll(ctx)
	a.save()
	a.refreshStatus()
}

// evaluate runs the engine on bar and executes its signals.
func (a *Adapter) evaluate(ctx context.Context, bar trade.Bar) {
	signals := a.engine.OnBar(bar, a.orders.Position().Quantity)
	st := a.engine.TradeState()
	for _, sig := range signals {
		a.metrics.Signals.WithLabelValues(string(sig.Action)).Inc()
		a.bus.Publish(events.EventSignal, sig)
		a.log.Info("signal",
			zap.String("symbol", a.symbol),
			zap.String("action", string(sig.Action)),
			zap.Int("qty", sig.Quantity),
			zap.String("reason", sig.Reason),
			zap.Time("bar", bar.OpenTime))
	}
	if len(signals) > 0 {
		ids, err := a.orders.Execute(ctx, signals, st)
		if err != nil {
			a.log.Error("execute signals", zap.Error(err))
			a.alert(events.AlertCritical, "orders", "signal execution failed: "+err.Error())
			a.orders.ResolveUnknown(ctx)
		}
		if st.IsActive() {
			a.engine.BindOrders(ids)
		}
	}
	if st.IsActive() && st.StopPrice > 0 {
		if err := a.orders.SyncStop(ctx, st.StopPrice); err != nil {
			a.log.Warn("move protective stop", zap.Float64("stop", st.StopPrice), zap.Error(err))
		}
	}
}

func (a *Adapter) onFill(f order.Fill) {
	now := a.now()
	realized := a.risk.OnFill(now, f.SignedQty(), f.Price)
	a.metrics.Fills.WithLabelValues(string(f.Intent)).Inc()
	a.recordTrade(state.TradeEvent{
		Time:     now,
		Symbol:   f.Symbol,
		Strategy: a.engine.Name(),
		Kind:     kindOf(f.Intent),
		Side:     string(f.Side),
		Qty:      f.Qty,
		Price:    f.Price,
		Reason:   string(f.Intent),
		Realized: realized,
	})
}

func kindOf(i order.Intent) state.EventKind {
	switch i {
	case order.IntentEntry:
		return state.KindEntry
	case order.IntentPartial:
		return state.KindPartial
	case order.IntentStop:
		return state.KindStop
	case order.IntentTarget:
		return state.KindTarget
	case order.IntentFlatten:
		return state.KindFlatten
	}
	return state.KindManual
}

func (a *Adapter) haltAndFlatten(ctx context.Context, reason string) error {
	now := a.now()
	a.risk.Halt(now, reason)
	a.metrics.SetHalted(true)
	a.recordTrade(state.TradeEvent{
		Time:     now,
		Symbol:   a.symbol,
		Strategy: a.engine.Name(),
		Kind:     state.KindHalt,
		Qty:      a.orders.Position().Quantity,
		Reason:   reason,
	})
	a.alert(events.AlertCritical, "risk", "trading halted: "+reason)
	if err := a.orders.Flatten(ctx); err != nil {
		a.log.Error("flatten after halt", zap.Error(err))
		return fmt.Errorf("flatten after halt: %w", err)
	}
	return nil
}

func (a *Adapter) handleCommand(ctx context.Context, cmd command) error {
	defer a.refreshStatus()
	switch cmd.kind {
	case cmdFlatten:
		a.log.Info("flatten requested")
		return a.orders.Flatten(ctx)
	case cmdHalt:
		reason := "manual halt"
		if cmd.reason != "" {
			reason += ": " + cmd.reason
		}
		err := a.haltAndFlatten(ctx, reason)
		a.save()
		return err
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (a *Adapter) Flatten(ctx context.Context) error {
	return a.do(ctx, command{kind: cmdFlatten})
}

func (a *Adapter) Halt(ctx context.Context, reason string) error {
	return a.do(ctx, command{kind: cmdHalt, reason: reason})
}

func (a *Adapter) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case a.commands <- cmd:
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Status(ctx context.Context) Status {
	a.statusMu.RLock()
	s := a.status
	a.statusMu.RUnlock()
	s.Position = a.orders.Position()
	s.Risk = a.risk.Status()
	s.Orders = a.orders.Orders()
	if a.drift != nil {
		s.Drift = a.drift.Last()
	}
	return s
}

// refreshStatus publishes the loop-owned fields to Status readers.
func (a *Adapter) refreshStatus() {
	s := Status{
		Symbol:      a.symbol,
		Bars:        a.barsSeen,
		LateTicks:   a.agg.LateTicks(),
		PendingRoll: a.pendingRoll,
		Trade:       a.engine.TradeState(),
		LastTick:    a.lastTick,
	}
	if n := len(a.bars); n > 0 {
		last := a.bars[n-1]
		s.LastBar = &last
	}
	a.statusMu.Lock()
	s.Strategy, s.DryRun, s.Connected, s.StartedAt = a.status.Strategy, a.status.DryRun, a.status.Connected, a.status.StartedAt
	a.status = s
	a.statusMu.Unlock()
}

func (a *Adapter) checkDrift(ctx context.Context) {
	a.orders.ResolveUnknown(ctx)
	if a.drift == nil {
		if _, err := a.orders.SyncPosition(ctx); err != nil {
			a.log.Warn("position refresh failed", zap.Error(err))
		}
		return
	}
	if _, err := a.drift.Check(ctx); err != nil {
		a.log.Warn("drift check failed", zap.Error(err))
	}
	a.metrics.Position.Set(float64(a.orders.Position().Quantity))
}

// untilRollCheck returns the delay until the next daily roll check.
func (a *Adapter) untilRollCheck(now time.Time) time.Duration {
	local := now.In(a.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.cfg.Location)
	at := midnight.Add(time.Duration(a.cfg.RollCheck) * time.Minute)
	if !at.After(local) {
		at = at.AddDate(0, 0, 1)
	}
	return at.Sub(local)
}

func (a *Adapter) evaluateRoll(ctx context.Context) {
	if !a.cfg.AutoRoll || a.cfg.Root == "" {
		return
	}
	need, next := contract.CheckRollNeeded(a.symbol, a.cfg.Root, a.now().In(a.cfg.Location), a.cfg.RollDaysBefore)
	if !need {
		a.pendingRoll = ""
		return
	}
	if a.pendingRoll != next {
		a.log.Info("contract roll due", zap.String("from", a.symbol), zap.String("to", next))
	}
	a.pendingRoll = next
	a.maybeRoll(ctx)
}

// maybeRoll switches to the pending contract once nothing is open.
func (a *Adapter) maybeRoll(ctx context.Context) {
	if a.pendingRoll == "" {
		return
	}
	if !a.orders.Position().IsFlat() || a.engine.TradeState().IsActive() {
		a.log.Debug("roll deferred until flat", zap.String("to", a.pendingRoll))
		return
	}
	from, to := a.symbol, a.pendingRoll
	if err := a.gw.SubscribeTrades(ctx, to, a.cfg.Exchange); err != nil {
		a.log.Warn("subscribe next contract; will retry", zap.String("to", to), zap.Error(err))
		return
	}
	if err := a.gw.UnsubscribeTrades(ctx, from); err != nil {
		a.log.Warn("unsubscribe old contract", zap.String("from", from), zap.Error(err))
	}
	a.agg.Reset()
	a.pending = nil
	a.orders.SetSymbol(to)
	a.symbol = to
	a.pendingRoll = ""

	now := a.now()
	a.recordTrade(state.TradeEvent{
		Time:     now,
		Symbol:   to,
		Strategy: a.engine.Name(),
		Kind:     state.KindRoll,
		Reason:   from + " -> " + to,
	})
	a.bus.Publish(events.EventContractRoll, events.ContractRoll{From: from, To: to, Time: now})
	a.log.Info("contract rolled", zap.String("from", from), zap.String("to", to))
	a.save()
	a.refreshStatus()
}

func (a *Adapter) pushBar(bar trade.Bar) {
	a.bars = append(a.bars, bar)
	a.bars = tail(a.bars, a.cfg.RecentBars)
}

func tail(bars []trade.Bar, n int) []trade.Bar {
	if len(bars) <= n {
		return bars
	}
	return append([]trade.Bar(nil), bars[len(bars)-n:]...)
}

func (a *Adapter) snapshot() state.Snapshot {
	es := a.engine.Snapshot()
	return state.Snapshot{
		Symbol:      a.symbol,
		Strategy:    es.Strategy,
		Trade:       es.Trade,
		RecentBars:  append([]trade.Bar(nil), a.bars...),
		TradesToday: es.TradesToday,
		DailyPnL:    es.DailyPnL,
		EODDone:     es.EODDone,
		Engine:      es.Engine,
		SavedAt:     a.now(),
	}
}

func (a *Adapter) save() {
	if err := a.store.Save(a.snapshot()); err != nil {
		a.log.Error("save state", zap.Error(err))
		a.alert(events.AlertWarning, "state", "state save failed: "+err.Error())
	}
}

func (a *Adapter) recordTrade(e state.TradeEvent) {
	if a.journal == nil {
		return
	}
	if err := a.journal.RecordTrade(e); err != nil {
		a.log.Warn("journal trade", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (a *Adapter) recordEquity() {
	rs := a.risk.Status()
	a.metrics.DailyPnL.Set(rs.Total)
	if a.journal == nil {
		return
	}
	err := a.journal.RecordEquity(state.EquityRecord{
		Time:       a.now(),
		Symbol:     a.symbol,
		Realized:   rs.Realized,
		Unrealized: rs.Unrealized,
		Total:      rs.Total,
		Position:   a.orders.Position().Quantity,
	})
	if err != nil {
		a.log.Warn("journal equity", zap.Error(err))
	}
}

func (a *Adapter) alert(level events.AlertLevel, source, msg string) {
	a.bus.Publish(events.EventRiskAlert, events.RiskAlert{Level: level, Source: source, Message: msg, Time: a.now()})
}

// shutdown runs after the event loop has stopped.
func (a *Adapter) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs error
	if !a.cfg.DryRun {
		if err := a.orders.Flatten(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flatten on shutdown: %w", err))
		}
	}
	// The open bar is incomplete; it is logged but neither evaluated nor
	// kept in the saved history.
	a.agg.Flush()
	for _, bar := range a.pending {
		a.log.Info("partial bar at shutdown",
			zap.Time("open", bar.OpenTime), zap.Float64("close", bar.Close), zap.Float64("volume", bar.Volume))
	}
	a.pending = nil

	if err := a.store.Save(a.snapshot()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("save state: %w", err))
	}
	if err := a.gw.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close gateway: %w", err))
	}
	a.log.Info("engine stopped", zap.String("symbol", a.symbol), zap.Error(errs))
	return errs
}
