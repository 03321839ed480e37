package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"execution-core/internal/events"
	"execution-core/internal/trade"
	"execution-core/pkg/exchanges/common"
)

// unknownGrace is how long an order the broker has no record of stays
// unknown before it is treated as never placed.
const unknownGrace = 30 * time.Second

// Config controls order routing for one instrument.
type Config struct {
	Symbol  string
	Account string
	// MaxQty caps every order size. Zero disables the cap.
	MaxQty int
	// SubmitRate limits broker requests per second. Zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
	// RestingTargets places the second target as a resting limit order.
	RestingTargets bool
}

// FillHandler is called for every execution of a tracked order.
type FillHandler func(Fill)

// Manager translates strategy signals into broker orders and tracks their
// lifecycle. All broker requests are serialized through submitMu.
type Manager struct {
	gw      common.Gateway
	log     *zap.Logger
	bus     *events.Bus
	limiter *rate.Limiter
	now     func() time.Time

	submitMu sync.Mutex

	mu       sync.Mutex
	cfg      Config
	orders   map[string]*TrackedOrder
	position trade.PositionInfo
	active   trade.TradeState
	ids      trade.OrderIDs
	handlers []FillHandler
}

// NewManager returns a manager routing through gw.
func NewManager(gw common.Gateway, cfg Config, log *zap.Logger, bus *events.Bus) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 5
	}
	return &Manager{
		gw:      gw,
		log:     log.With(zap.String("component", "orders")),
		bus:     bus,
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
		cfg:     cfg,
		orders:  make(map[string]*TrackedOrder),
	}
}

// OnFill registers a handler for executions.
func (m *Manager) OnFill(h FillHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// SetSymbol switches the traded contract, e.g. after a roll.
func (m *Manager) SetSymbol(symbol string) {
	m.mu.Lock()
	old := m.cfg.Symbol
	m.cfg.Symbol = symbol
	m.position = trade.PositionInfo{}
	m.mu.Unlock()
	m.log.Info("symbol changed", zap.String("from", old), zap.String("to", symbol))
}

func (m *Manager) Symbol() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Symbol
}

// Position returns the last known broker position.
func (m *Manager) Position() trade.PositionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// ProtectiveOrders returns the ids of the orders protecting the active trade.
func (m *Manager) ProtectiveOrders() trade.OrderIDs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids
}

// Orders returns copies of all tracked orders, oldest first.
func (m *Manager) Orders() []TrackedOrder {
	m.mu.Lock()
	out := make([]TrackedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SubmitMarket sends a market order.
func (m *Manager) SubmitMarket(ctx context.Context, side common.Side, qty int, reason string) (string, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.submit(ctx, side, common.OrderTypeMarket, qty, 0, reason, IntentManual)
}

// SubmitStop sends a stop-market order triggered at trigger.
func (m *Manager) SubmitStop(ctx context.Context, side common.Side, qty int, trigger float64, reason string) (string, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.submit(ctx, side, common.OrderTypeStop, qty, trigger, reason, IntentStop)
}

// SubmitLimit sends a limit order at price.
func (m *Manager) SubmitLimit(ctx context.Context, side common.Side, qty int, price float64, reason string) (string, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.submit(ctx, side, common.OrderTypeLimit, qty, price, reason, IntentTarget)
}

// submit must be called with submitMu held.
func (m *Manager) submit(ctx context.Context, side common.Side, typ common.OrderType, qty int, price float64, reason string, intent Intent) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if cfg.MaxQty > 0 && qty > cfg.MaxQty {
		m.log.Warn("order quantity capped", zap.Int("requested", qty), zap.Int("max", cfg.MaxQty))
		qty = cfg.MaxQty
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("order throttle: %w", err)
	}

	now := m.now()
	o := &TrackedOrder{
		ID:        uuid.NewString(),
		Symbol:    cfg.Symbol,
		Side:      side,
		Type:      typ,
		Quantity:  qty,
		Price:     price,
		State:     StatePending,
		Reason:    reason,
		Intent:    intent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req := common.OrderRequest{
		ClientID: o.ID,
		Account:  cfg.Account,
		Symbol:   cfg.Symbol,
		Side:     side,
		Type:     typ,
		Qty:      qty,
		Text:     reason,
	}
	switch typ {
	case common.OrderTypeLimit:
		req.Price = price
	case common.OrderTypeStop:
		req.StopPrice = price
	}

	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()

	m.bus.Publish(events.EventOrderSubmitted, m.orderEvent(o, ""))
	m.log.Info("order submitted",
		zap.String("id", o.ID), zap.String("intent", string(intent)), zap.String("side", string(side)),
		zap.String("type", string(typ)), zap.Int("qty", qty), zap.Float64("price", price), zap.String("reason", reason))

	res, err := m.gw.SubmitOrder(ctx, req)
	m.mu.Lock()
	defer m.mu.Unlock()
	o.UpdatedAt = m.now()
	if err != nil {
		if errors.Is(err, common.ErrRejected) || o.Terminal() {
			if !o.Terminal() {
				o.State = StateRejected
			}
			m.log.Error("order submission failed",
				zap.String("id", o.ID), zap.String("intent", string(intent)), zap.Error(err))
			m.bus.Publish(events.EventOrderRejected, m.orderEvent(o, err.Error()))
			return o.ID, fmt.Errorf("submit %s %s: %w", intent, side, err)
		}
		o.State = StateUnknown
		m.log.Error("order outcome unknown; will query broker",
			zap.String("id", o.ID), zap.String("intent", string(intent)), zap.Error(err))
		return o.ID, fmt.Errorf("submit %s %s: %w", intent, side, err)
	}
	o.BrokerID = res.BrokerOrderID
	switch {
	case res.Status == common.StatusRejected && !o.Terminal():
		o.State = StateRejected
		m.log.Error("order rejected", zap.String("id", o.ID), zap.String("intent", string(intent)))
		return o.ID, fmt.Errorf("submit %s %s: %w", intent, side, common.ErrRejected)
	case res.Status == common.StatusUnknown && o.State == StatePending:
		o.State = StateUnknown
		m.log.Warn("order acknowledged without status", zap.String("id", o.ID), zap.String("intent", string(intent)))
	case o.State == StatePending:
		o.State = StateWorking
	}
	return o.ID, nil
}

// ResolveUnknown asks the broker about every order whose submission ended
// without an answer and applies what it reports. An order the broker still
// does not know after unknownGrace is taken as never placed.
func (m *Manager) ResolveUnknown(ctx context.Context) int {
	m.mu.Lock()
	var ids []string
	for id, o := range m.orders {
		if o.State == StateUnknown {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	resolved := 0
	for _, id := range ids {
		u, err := m.gw.OrderStatus(ctx, id)
		switch {
		case errors.Is(err, common.ErrOrderNotFound):
			m.mu.Lock()
			o := m.orders[id]
			stale := o != nil && m.now().Sub(o.CreatedAt) >= unknownGrace
			m.mu.Unlock()
			if !stale {
				continue
			}
			u = common.OrderUpdate{ClientID: id, Status: common.StatusRejected, Reason: "not found at broker"}
		case err != nil:
			m.log.Warn("order status query failed", zap.String("id", id), zap.Error(err))
			continue
		}
		if u.Status == common.StatusUnknown || u.Status == "" {
			continue
		}
		u.ClientID = id
		m.OnOrderUpdate(ctx, u)
		resolved++
		m.log.Info("unknown order resolved", zap.String("id", id), zap.String("status", string(u.Status)))
	}
	return resolved
}

// ModifyStop moves the trigger of a working stop order.
func (m *Manager) ModifyStop(ctx context.Context, id string, price float64) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.modifyStop(ctx, id, price)
}

func (m *Manager) modifyStop(ctx context.Context, id string, price float64) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok || o.Terminal() || o.Type != common.OrderTypeStop {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	old := o.Price
	m.mu.Unlock()

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("order throttle: %w", err)
	}
	if err := m.gw.ModifyOrder(ctx, id, common.ModifyRequest{StopPrice: price}); err != nil {
		return fmt.Errorf("modify stop %s: %w", id, err)
	}
	m.mu.Lock()
	o.Price = price
	o.UpdatedAt = m.now()
	m.mu.Unlock()
	m.log.Info("stop moved", zap.String("id", id), zap.Float64("from", old), zap.Float64("to", price))
	return nil
}

// SyncStop aligns the broker-held protective stop with price.
func (m *Manager) SyncStop(ctx context.Context, price float64) error {
	m.mu.Lock()
	o := m.orders[m.ids.Stop]
	if o == nil || o.Terminal() || price <= 0 || price == o.Price {
		m.mu.Unlock()
		return nil
	}
	id := o.ID
	m.mu.Unlock()
	return m.ModifyStop(ctx, id, price)
}

// Cancel asks the broker to cancel a working order. The tracked state
// changes when the broker confirms.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.cancel(ctx, id)
}

func (m *Manager) cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	working := ok && o.Working()
	m.mu.Unlock()
	if !working {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("order throttle: %w", err)
	}
	if err := m.gw.CancelOrder(ctx, id); err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	m.log.Info("cancel requested", zap.String("id", id), zap.String("intent", string(o.Intent)))
	return nil
}

// Flatten cancels every working order, then closes the broker position with
// one market order. Calling it again while flat, or while a flatten order is
// still working, sends nothing.
func (m *Manager) Flatten(ctx context.Context) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	return m.flatten(ctx, "flatten")
}

func (m *Manager) flatten(ctx context.Context, reason string) error {
	var errs error
	m.mu.Lock()
	var working []string
	unknown := make(map[string]bool)
	pendingFlatten := false
	for id, o := range m.orders {
		if !o.Working() {
			continue
		}
		if o.Intent == IntentFlatten {
			pendingFlatten = true
			continue
		}
		working = append(working, id)
		unknown[id] = o.State == StateUnknown
	}
	m.mu.Unlock()

	for _, id := range working {
		err := m.cancel(ctx, id)
		switch {
		case err == nil || errors.Is(err, ErrUnknownOrder):
		case unknown[id]:
			// It may never have reached the broker; ResolveUnknown settles it.
			m.log.Warn("cancel of unknown order failed", zap.String("id", id), zap.Error(err))
		default:
			errs = multierr.Append(errs, err)
		}
	}

	pos, err := m.syncPosition(ctx)
	if err != nil {
		m.log.Warn("position query failed during flatten; using cached position", zap.Error(err))
		pos = m.Position()
	}

	m.mu.Lock()
	m.ids = trade.OrderIDs{}
	m.active = trade.TradeState{}
	for id, o := range m.orders {
		if o.Terminal() {
			delete(m.orders, id)
		}
	}
	m.mu.Unlock()

	if pos.Quantity == 0 {
		m.log.Info("flatten: already flat", zap.Int("cancelled", len(working)))
		return errs
	}
	if pendingFlatten {
		m.log.Info("flatten: closing order already working", zap.Int("position", pos.Quantity))
		return errs
	}
	side := common.SideSell
	if pos.Quantity < 0 {
		side = common.SideBuy
	}
	if _, err := m.submit(ctx, side, common.OrderTypeMarket, trade.Abs(pos.Quantity), 0, reason, IntentFlatten); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// SyncPosition refreshes the cached position from the broker.
func (m *Manager) SyncPosition(ctx context.Context) (trade.PositionInfo, error) {
	return m.syncPosition(ctx)
}

func (m *Manager) syncPosition(ctx context.Context) (trade.PositionInfo, error) {
	m.mu.Lock()
	account, symbol := m.cfg.Account, m.cfg.Symbol
	m.mu.Unlock()

	p, err := m.gw.Position(ctx, account, symbol)
	if err != nil {
		return trade.PositionInfo{}, fmt.Errorf("query position %s: %w", symbol, err)
	}
	info := trade.PositionInfo{Quantity: p.Qty, AvgPrice: p.AvgPrice, UnrealizedPnL: p.UnrealizedPnL}
	m.mu.Lock()
	m.position = info
	m.mu.Unlock()
	return info, nil
}

// Adopt registers orders restored from a saved trade so they can be
// modified and cancelled after a restart.
func (m *Manager) Adopt(state trade.TradeState, positionQty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = state
	m.ids = state.Orders
	if !state.IsActive() {
		return
	}
	exit := common.SideSell
	if state.Direction < 0 {
		exit = common.SideBuy
	}
	now := m.now()
	adopt := func(id string, typ common.OrderType, price float64, intent Intent) {
		if id == "" {
			return
		}
		if _, ok := m.orders[id]; ok {
			return
		}
		m.orders[id] = &TrackedOrder{
			ID: id, Symbol: m.cfg.Symbol, Side: exit, Type: typ, Quantity: trade.Abs(positionQty),
			Price: price, State: StateWorking, Reason: "restored", Intent: intent, CreatedAt: now, UpdatedAt: now,
		}
	}
	adopt(state.Orders.Stop, common.OrderTypeStop, state.StopPrice, IntentStop)
	adopt(state.Orders.TP2, common.OrderTypeLimit, state.TP2Price, IntentTarget)
}

// Execute carries out the signals of one bar. state is the engine's trade
// after the bar. A signal in the trade's direction opens it with a
// protective stop; an opposite signal reduces it. It returns the ids of the
// orders now protecting the trade.
func (m *Manager) Execute(ctx context.Context, signals []trade.Signal, state trade.TradeState) (trade.OrderIDs, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	var errs error
	for _, sig := range signals {
		switch {
		case sig.Action == trade.ActionFlatten:
			if err := m.flatten(ctx, sig.Reason); err != nil {
				errs = multierr.Append(errs, err)
			}
		case state.IsActive() && sig.Direction() == state.Direction:
			if err := m.openTrade(ctx, sig, state); err != nil {
				errs = multierr.Append(errs, err)
			}
		default:
			side := common.SideBuy
			if sig.Action == trade.ActionSell {
				side = common.SideSell
			}
			intent := IntentPartial
			if !state.IsActive() {
				intent = IntentManual
			}
			if _, err := m.submit(ctx, side, common.OrderTypeMarket, sig.Quantity, 0, sig.Reason, intent); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if state.IsActive() {
		m.active = state
	}
	return m.ids, errs
}

func (m *Manager) openTrade(ctx context.Context, sig trade.Signal, state trade.TradeState) error {
	side := common.SideBuy
	if sig.Action == trade.ActionSell {
		side = common.SideSell
	}
	if _, err := m.submit(ctx, side, common.OrderTypeMarket, sig.Quantity, 0, sig.Reason, IntentEntry); err != nil {
		return err
	}
	m.mu.Lock()
	m.active = state
	m.mu.Unlock()

	stopID, err := m.submit(ctx, side.Opposite(), common.OrderTypeStop, sig.Quantity, state.StopPrice, "protective stop", IntentStop)
	if err != nil {
		m.log.Error("protective stop not placed; flattening", zap.Error(err))
		return multierr.Append(err, m.flatten(ctx, "protective stop rejected"))
	}
	ids := trade.OrderIDs{Stop: stopID}
	if m.restingTargets() && state.TP2Price > 0 {
		if id, err := m.submit(ctx, side.Opposite(), common.OrderTypeLimit, sig.Quantity, state.TP2Price, "target 2", IntentTarget); err == nil {
			ids.TP2 = id
		} else {
			m.log.Warn("target order not placed", zap.Error(err))
		}
	}
	m.mu.Lock()
	m.ids = ids
	m.mu.Unlock()
	return nil
}

func (m *Manager) restingTargets() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.RestingTargets
}

// OnPositionUpdate records a broker position notification.
func (m *Manager) OnPositionUpdate(p common.PositionUpdate) {
	m.mu.Lock()
	if p.Symbol != "" && p.Symbol != m.cfg.Symbol {
		m.mu.Unlock()
		m.log.Debug("position update for other contract ignored", zap.String("symbol", p.Symbol))
		return
	}
	prev := m.position.Quantity
	m.position = trade.PositionInfo{Quantity: p.Qty, AvgPrice: p.AvgPrice, UnrealizedPnL: p.UnrealizedPnL}
	m.mu.Unlock()
	if prev != p.Qty {
		m.log.Info("position changed", zap.Int("from", prev), zap.Int("to", p.Qty), zap.Float64("avg_price", p.AvgPrice))
		m.bus.Publish(events.EventPositionChange, events.PositionEvent{Symbol: p.Symbol, Qty: p.Qty, AvgPrice: p.AvgPrice, Time: m.now()})
	}
}

// OnOrderUpdate applies a broker order notification. Notifications for
// unknown orders are logged and dropped.
func (m *Manager) OnOrderUpdate(ctx context.Context, u common.OrderUpdate) {
	m.mu.Lock()
	o, ok := m.orders[u.ClientID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("unmatched order notification discarded",
			zap.String("client_id", u.ClientID), zap.String("status", string(u.Status)))
		return
	}
	prevFilled, wasTerminal := o.FilledQty, o.Terminal()
	if u.BrokerOrderID != "" {
		o.BrokerID = u.BrokerOrderID
	}
	switch u.Status {
	case common.StatusNew:
		if o.State == StatePending || o.State == StateUnknown {
			o.State = StateWorking
		}
	case common.StatusPartial:
		if !wasTerminal {
			o.State = StatePartiallyFilled
			o.FilledQty, o.AvgFillPrice = u.FilledQty, u.AvgPrice
		}
	case common.StatusFilled:
		if o.State != StateFilled {
			o.State = StateFilled
			o.FilledQty, o.AvgFillPrice = u.FilledQty, u.AvgPrice
			if o.FilledQty == 0 {
				o.FilledQty = o.Quantity
			}
		}
	case common.StatusCanceled:
		if !wasTerminal {
			o.State = StateCancelled
		}
	case common.StatusRejected:
		if !wasTerminal {
			o.State = StateRejected
		}
	}
	o.UpdatedAt = m.now()
	delta := o.FilledQty - prevFilled
	snap := *o
	handlers := append([]FillHandler(nil), m.handlers...)
	m.mu.Unlock()

	if !wasTerminal && snap.State == StateRejected {
		m.log.Error("order rejected by broker",
			zap.String("id", snap.ID), zap.String("intent", string(snap.Intent)),
			zap.String("reason", u.Reason), zap.String("order_reason", snap.Reason))
		m.bus.Publish(events.EventOrderRejected, m.orderEvent(&snap, u.Reason))
		if snap.Intent == IntentEntry {
			m.dropProtection(ctx)
		}
		return
	}
	if !wasTerminal && snap.State == StateCancelled {
		m.bus.Publish(events.EventOrderCancelled, m.orderEvent(&snap, ""))
		return
	}
	if delta <= 0 {
		return
	}

	px := u.LastPrice
	if px == 0 {
		px = u.AvgPrice
	}
	fill := Fill{OrderID: snap.ID, Symbol: snap.Symbol, Intent: snap.Intent, Side: snap.Side, Qty: delta, Price: px, Time: m.now()}
	m.log.Info("fill",
		zap.String("id", snap.ID), zap.String("intent", string(snap.Intent)), zap.String("side", string(snap.Side)),
		zap.Int("qty", delta), zap.Float64("price", px))
	m.bus.Publish(events.EventOrderFilled, m.orderEvent(&snap, ""))
	for _, h := range handlers {
		h(fill)
	}

	if snap.State == StateFilled {
		m.afterFill(ctx, snap)
	}
}

// afterFill keeps the protective orders consistent with what is left open.
func (m *Manager) afterFill(ctx context.Context, o TrackedOrder) {
	switch o.Intent {
	case IntentPartial:
		m.reprotect(ctx, o.FilledQty)
	case IntentStop, IntentTarget:
		m.mu.Lock()
		var other string
		if o.Intent == IntentStop {
			other = m.ids.TP2
		} else {
			other = m.ids.Stop
		}
		m.ids = trade.OrderIDs{}
		m.active = trade.TradeState{}
		m.mu.Unlock()
		if other != "" {
			if err := m.Cancel(ctx, other); err != nil && !errors.Is(err, ErrUnknownOrder) {
				m.log.Warn("cancel of sibling order failed", zap.String("id", other), zap.Error(err))
			}
		}
	}
}

// reprotect replaces the stop at breakeven, and the resting target if any,
// for the quantity left after a partial exit.
func (m *Manager) reprotect(ctx context.Context, reduced int) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	m.mu.Lock()
	stop := m.orders[m.ids.Stop]
	tp2ID := m.ids.TP2
	active := m.active
	m.mu.Unlock()
	if stop == nil || stop.Terminal() || !active.IsActive() {
		return
	}
	remaining := stop.Quantity - reduced
	if remaining <= 0 {
		return
	}

	be := active.EntryPrice
	if (active.Direction > 0 && stop.Price > be) || (active.Direction < 0 && stop.Price < be) {
		be = stop.Price
	}
	if err := m.cancel(ctx, stop.ID); err != nil {
		m.log.Warn("old stop cancel failed", zap.String("id", stop.ID), zap.Error(err))
	}
	newStop, err := m.submit(ctx, stop.Side, common.OrderTypeStop, remaining, be, "breakeven stop after partial", IntentStop)
	if err != nil {
		m.log.Error("breakeven stop not placed", zap.Error(err))
		newStop = ""
	}
	ids := trade.OrderIDs{Stop: newStop}
	if tp2ID != "" && m.restingTargets() && active.TP2Price > 0 {
		if err := m.cancel(ctx, tp2ID); err != nil {
			m.log.Warn("old target cancel failed", zap.String("id", tp2ID), zap.Error(err))
		}
		if id, err := m.submit(ctx, stop.Side, common.OrderTypeLimit, remaining, active.TP2Price, "target 2 for remainder", IntentTarget); err == nil {
			ids.TP2 = id
		}
	}
	m.mu.Lock()
	m.ids = ids
	m.mu.Unlock()
	m.log.Info("protection replaced after partial",
		zap.Int("remaining", remaining), zap.Float64("stop", be), zap.String("stop_id", newStop))
}

// dropProtection cancels the protective orders of a trade whose entry failed.
func (m *Manager) dropProtection(ctx context.Context) {
	m.mu.Lock()
	ids := m.ids
	m.ids = trade.OrderIDs{}
	m.active = trade.TradeState{}
	m.mu.Unlock()
	for _, id := range []string{ids.Stop, ids.TP2} {
		if id == "" {
			continue
		}
		if err := m.Cancel(ctx, id); err != nil && !errors.Is(err, ErrUnknownOrder) {
			m.log.Warn("cancel after entry rejection failed", zap.String("id", id), zap.Error(err))
		}
	}
}

func (m *Manager) orderEvent(o *TrackedOrder, reason string) events.OrderEvent {
	return events.OrderEvent{
		ClientID: o.ID,
		Symbol:   o.Symbol,
		Side:     string(o.Side),
		Type:     string(o.Type),
		Qty:      o.Quantity,
		Price:    o.Price,
		Intent:   string(o.Intent),
		Reason:   reason,
		Time:     m.now(),
	}
}
