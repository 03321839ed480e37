// Package paper simulates a broker: orders are filled against the last traded
// price and a position is kept in memory. Market data can come from a real
// upstream gateway or from a synthetic feed.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// ErrUnknownOrder is returned for cancels and modifies of orders the
// simulator does not know or that are no longer working.
var ErrUnknownOrder = errors.New("paper: unknown or inactive order")

// Config tunes the simulation.
type Config struct {
	TickSize      float64
	SlippageTicks int
	PointValue    float64
	EventBuffer   int
	Now           func() time.Time
}

type simOrder struct {
	req      common.OrderRequest
	brokerID string
	status   common.OrderStatus
	fillPx   float64
}

type simPosition struct {
	qty      int
	avgPrice float64
}

// Gateway is a simulated common.Gateway.
type Gateway struct {
	upstream common.Gateway
	cfg      Config
	log      *zap.Logger

	events chan common.Event
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu     sync.Mutex
	last   map[string]float64
	orders map[string]*simOrder
	pos    map[string]*simPosition
	seq    int
}

// New returns a simulator. upstream may be nil, in which case ticks must be
// pushed with OnTick.
func New(upstream common.Gateway, cfg Config, log *zap.Logger) *Gateway {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PointValue <= 0 {
		cfg.PointValue = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		upstream: upstream,
		cfg:      cfg,
		log:      log.With(zap.String("component", "paper")),
		events:   make(chan common.Event, cfg.EventBuffer),
		stop:     make(chan struct{}),
		last:     make(map[string]float64),
		orders:   make(map[string]*simOrder),
		pos:      make(map[string]*simPosition),
	}
}

func (g *Gateway) Events() <-chan common.Event { return g.events }

// Connect connects the upstream feed, if any, and starts forwarding it.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.upstream == nil {
		g.emit(common.Event{Kind: common.EventConnection, Conn: &common.ConnectionChange{Connected: true}})
		return nil
	}
	if err := g.upstream.Connect(ctx); err != nil {
		return fmt.Errorf("paper upstream connect: %w", err)
	}
	g.wg.Add(1)
	go g.forward()
	return nil
}

func (g *Gateway) forward() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		case ev, ok := <-g.upstream.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case common.EventTick:
				g.OnTick(*ev.Tick)
			case common.EventConnection:
				g.emit(ev)
			default:
				// Orders never reach the upstream broker, so its order and
				// position traffic does not describe the simulated account.
			}
		}
	}
}

func (g *Gateway) Close() error {
	var err error
	g.once.Do(func() {
		close(g.stop)
		if g.upstream != nil {
			err = g.upstream.Close()
		}
		g.wg.Wait()
	})
	return err
}

func (g *Gateway) SubscribeTrades(ctx context.Context, symbol, exchange string) error {
	if g.upstream == nil {
		return nil
	}
	return g.upstream.SubscribeTrades(ctx, symbol, exchange)
}

func (g *Gateway) UnsubscribeTrades(ctx context.Context, symbol string) error {
	if g.upstream == nil {
		return nil
	}
	return g.upstream.UnsubscribeTrades(ctx, symbol)
}

func (g *Gateway) SubscribePositions(ctx context.Context, account string) error {
	return nil
}

// OnTick records a trade print, publishes it and fills any working orders it
// touches.
func (g *Gateway) OnTick(t common.Tick) {
	g.mu.Lock()
	g.last[t.Symbol] = t.Price
	var fills []common.Event
	for id, o := range g.orders {
		if o.status != common.StatusNew || o.req.Symbol != t.Symbol {
			continue
		}
		if px, ok := g.triggered(o.req, t.Price); ok {
			fills = append(fills, g.fillLocked(id, o, px)...)
		}
	}
	g.mu.Unlock()

	g.emit(common.Event{Kind: common.EventTick, Tick: &t})
	for _, ev := range fills {
		g.emit(ev)
	}
}

// triggered reports whether a resting order executes at price, and at what
// fill price.
func (g *Gateway) triggered(req common.OrderRequest, price float64) (float64, bool) {
	switch req.Type {
	case common.OrderTypeStop:
		if (req.Side == common.SideSell && price <= req.StopPrice) || (req.Side == common.SideBuy && price >= req.StopPrice) {
			return g.slip(req.Side, price), true
		}
	case common.OrderTypeLimit:
		if (req.Side == common.SideSell && price >= req.Price) || (req.Side == common.SideBuy && price <= req.Price) {
			return req.Price, true
		}
	}
	return 0, false
}

func (g *Gateway) slip(side common.Side, price float64) float64 {
	return price + float64(side.Sign()*g.cfg.SlippageTicks)*g.cfg.TickSize
}

func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{ClientID: req.ClientID, Status: common.StatusRejected},
			fmt.Errorf("paper: invalid quantity %d: %w", req.Qty, common.ErrRejected)
	}
	g.mu.Lock()
	g.seq++
	brokerID := fmt.Sprintf("SIM-%d", g.seq)
	o := &simOrder{req: req, brokerID: brokerID, status: common.StatusNew}
	g.orders[req.ClientID] = o

	evs := []common.Event{g.orderEvent(req.ClientID, brokerID, common.StatusNew, 0, 0, "")}
	switch req.Type {
	case common.OrderTypeMarket:
		last, ok := g.last[req.Symbol]
		if !ok {
			o.status = common.StatusRejected
			evs = []common.Event{g.orderEvent(req.ClientID, brokerID, common.StatusRejected, 0, 0, "no market price")}
			break
		}
		evs = append(evs, g.fillLocked(req.ClientID, o, g.slip(req.Side, last))...)
	case common.OrderTypeStop, common.OrderTypeLimit:
		if last, ok := g.last[req.Symbol]; ok {
			if px, hit := g.triggered(req, last); hit {
				evs = append(evs, g.fillLocked(req.ClientID, o, px)...)
			}
		}
	default:
		o.status = common.StatusRejected
		evs = []common.Event{g.orderEvent(req.ClientID, brokerID, common.StatusRejected, 0, 0, "unsupported order type")}
	}
	status := o.status
	g.mu.Unlock()

	for _, ev := range evs {
		g.emit(ev)
	}
	g.log.Debug("order simulated",
		zap.String("client_id", req.ClientID), zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)), zap.Int("qty", req.Qty), zap.String("status", string(status)))
	return common.OrderResult{ClientID: req.ClientID, BrokerOrderID: brokerID, Status: status}, nil
}

// fillLocked fills o completely at px and updates the position.
func (g *Gateway) fillLocked(id string, o *simOrder, px float64) []common.Event {
	o.status = common.StatusFilled
	o.fillPx = px
	p := g.pos[o.req.Symbol]
	if p == nil {
		p = &simPosition{}
		g.pos[o.req.Symbol] = p
	}
	delta := o.req.Side.Sign() * o.req.Qty
	switch {
	case p.qty == 0 || (p.qty > 0) == (delta > 0):
		total := p.qty + delta
		p.avgPrice = (p.avgPrice*float64(abs(p.qty)) + px*float64(abs(delta))) / float64(abs(total))
		p.qty = total
	default:
		p.qty += delta
		if p.qty == 0 {
			p.avgPrice = 0
		} else if (p.qty > 0) == (delta > 0) {
			p.avgPrice = px
		}
	}
	return []common.Event{
		g.orderEvent(id, "", common.StatusFilled, o.req.Qty, px, ""),
		{Kind: common.EventPosition, Position: g.positionLocked(o.req.Account, o.req.Symbol)},
	}
}

func (g *Gateway) positionLocked(account, symbol string) *common.PositionUpdate {
	p := g.pos[symbol]
	out := &common.PositionUpdate{Account: account, Symbol: symbol}
	if p == nil {
		return out
	}
	out.Qty, out.AvgPrice = p.qty, p.avgPrice
	if last, ok := g.last[symbol]; ok && p.qty != 0 {
		out.UnrealizedPnL = (last - p.avgPrice) * float64(p.qty) * g.cfg.PointValue
	}
	return out
}

func (g *Gateway) orderEvent(id, brokerID string, st common.OrderStatus, qty int, px float64, reason string) common.Event {
	return common.Event{Kind: common.EventOrder, Order: &common.OrderUpdate{
		ClientID:      id,
		BrokerOrderID: brokerID,
		Status:        st,
		FilledQty:     qty,
		AvgPrice:      px,
		LastQty:       qty,
		LastPrice:     px,
		Reason:        reason,
		Time:          g.cfg.Now(),
	}}
}

func (g *Gateway) ModifyOrder(ctx context.Context, clientID string, req common.ModifyRequest) error {
	g.mu.Lock()
	o, ok := g.orders[clientID]
	if !ok || o.status != common.StatusNew {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if req.Qty > 0 {
		o.req.Qty = req.Qty
	}
	if req.Price > 0 {
		o.req.Price = req.Price
	}
	if req.StopPrice > 0 {
		o.req.StopPrice = req.StopPrice
	}
	var evs []common.Event
	if last, ok := g.last[o.req.Symbol]; ok {
		if px, hit := g.triggered(o.req, last); hit {
			evs = g.fillLocked(clientID, o, px)
		}
	}
	g.mu.Unlock()
	for _, ev := range evs {
		g.emit(ev)
	}
	return nil
}

func (g *Gateway) CancelOrder(ctx context.Context, clientID string) error {
	g.mu.Lock()
	o, ok := g.orders[clientID]
	if !ok || o.status != common.StatusNew {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	o.status = common.StatusCanceled
	ev := g.orderEvent(clientID, "", common.StatusCanceled, 0, 0, "")
	g.mu.Unlock()
	g.emit(ev)
	return nil
}

func (g *Gateway) OrderStatus(ctx context.Context, clientID string) (common.OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[clientID]
	if !ok {
		return common.OrderUpdate{}, fmt.Errorf("paper: %w: %s", common.ErrOrderNotFound, clientID)
	}
	u := common.OrderUpdate{ClientID: clientID, BrokerOrderID: o.brokerID, Status: o.status, Time: g.cfg.Now()}
	if o.status == common.StatusFilled {
		u.FilledQty, u.AvgPrice = o.req.Qty, o.fillPx
	}
	return u, nil
}

func (g *Gateway) Position(ctx context.Context, account, symbol string) (common.PositionUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.positionLocked(account, symbol), nil
}

// WorkingOrders returns the client ids of resting orders.
func (g *Gateway) WorkingOrders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, o := range g.orders {
		if o.status == common.StatusNew {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Gateway) emit(ev common.Event) {
	select {
	case g.events <- ev:
	case <-g.stop:
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
