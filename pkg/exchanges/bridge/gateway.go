// Package bridge talks to a broker sidecar over a websocket carrying JSON
// frames. The sidecar owns the broker's native protocol; this side only
// speaks the small request/notification vocabulary in frames.go.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// ErrNotConnected is returned by requests issued while the link is down.
var ErrNotConnected = errors.New("bridge: not connected")

// RefusedError is a request the sidecar answered with ok=false.
type RefusedError struct {
	Op     string
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("bridge %s rejected: %s", e.Op, e.Reason)
}

// Config describes the sidecar endpoint.
type Config struct {
	URL            string
	Username       string
	Password       string
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
	Dialer         *websocket.Dialer
}

// Gateway is a common.Gateway backed by the sidecar.
type Gateway struct {
	cfg Config
	log *zap.Logger

	events chan common.Event
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan inbound
	trades    map[string]string
	positions map[string]struct{}
}

// New returns an unconnected gateway.
func New(cfg Config, log *zap.Logger) *Gateway {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 4096
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cfg:       cfg,
		log:       log.With(zap.String("component", "bridge")),
		events:    make(chan common.Event, cfg.EventBuffer),
		stop:      make(chan struct{}),
		pending:   make(map[string]chan inbound),
		trades:    make(map[string]string),
		positions: make(map[string]struct{}),
	}
}

func (g *Gateway) Events() <-chan common.Event { return g.events }

// Connect dials the sidecar, retrying with backoff until it succeeds or ctx
// ends, then keeps the link alive in the background.
func (g *Gateway) Connect(ctx context.Context) error {
	conn, err := g.dialWithRetry(ctx, 0)
	if err != nil {
		return err
	}
	g.wg.Add(1)
	go g.run(conn)
	return nil
}

// backoff returns the delay before retry attempt n (1-based): exponential
// between ReconnectMin and ReconnectMax with jitter over the upper half.
func (g *Gateway) backoff(n int) time.Duration {
	d := g.cfg.ReconnectMin
	for i := 1; i < n && d < g.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > g.cfg.ReconnectMax {
		d = g.cfg.ReconnectMax
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func (g *Gateway) dialWithRetry(ctx context.Context, attempt int) (*websocket.Conn, error) {
	for {
		conn, err := g.dial(ctx)
		if err == nil {
			return conn, nil
		}
		attempt++
		wait := g.backoff(attempt)
		g.log.Warn("bridge connect failed; retrying",
			zap.Int("attempt", attempt), zap.Duration("in", wait), zap.Error(err))
		g.emit(common.Event{Kind: common.EventConnection, Conn: &common.ConnectionChange{Connected: false, Attempt: attempt, Error: err.Error()}})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.stop:
			return nil, ErrNotConnected
		case <-time.After(wait):
		}
	}
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Client-Id", "execution-core")
	conn, _, err := g.cfg.Dialer.DialContext(ctx, g.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", g.cfg.URL, err)
	}
	return conn, nil
}

// run owns one connection at a time: it reads until the link fails, then
// reconnects and restores subscriptions.
func (g *Gateway) run(conn *websocket.Conn) {
	defer g.wg.Done()
	attempt := 0
	for {
		if err := g.attach(conn, attempt); err != nil {
			g.log.Warn("bridge session setup failed", zap.Error(err))
		} else {
			attempt = 0
			err := g.readLoop(conn)
			select {
			case <-g.stop:
				return
			default:
			}
			g.log.Warn("bridge connection lost", zap.Error(err))
		}
		g.detach(conn)
		g.emit(common.Event{Kind: common.EventConnection, Conn: &common.ConnectionChange{Connected: false}})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-g.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		var err error
		conn, err = g.dialWithRetry(ctx, attempt)
		cancel()
		if err != nil {
			return
		}
		attempt++
	}
}

// attach installs conn, logs in and replays subscriptions.
func (g *Gateway) attach(conn *websocket.Conn, attempt int) error {
	g.mu.Lock()
	g.conn = conn
	trades := make(map[string]string, len(g.trades))
	for s, ex := range g.trades {
		trades[s] = ex
	}
	accounts := make([]string, 0, len(g.positions))
	for a := range g.positions {
		accounts = append(accounts, a)
	}
	g.mu.Unlock()

	// Responses arrive through the read loop, which is not running yet, so
	// session setup is fire-and-forget.
	if g.cfg.Username != "" {
		if err := g.write(outbound{Op: opLogin, ID: uuid.NewString(), Username: g.cfg.Username, Password: g.cfg.Password}); err != nil {
			return err
		}
	}
	for s, ex := range trades {
		if err := g.write(outbound{Op: opSubscribeTrades, ID: uuid.NewString(), Symbol: s, Exchange: ex}); err != nil {
			return err
		}
	}
	for _, a := range accounts {
		if err := g.write(outbound{Op: opSubscribePositions, ID: uuid.NewString(), Account: a}); err != nil {
			return err
		}
	}
	g.log.Info("bridge connected",
		zap.String("url", g.cfg.URL), zap.Int("attempt", attempt), zap.Int("trade_subs", len(trades)))
	g.emit(common.Event{Kind: common.EventConnection, Conn: &common.ConnectionChange{Connected: true, Attempt: attempt}})
	return nil
}

func (g *Gateway) detach(conn *websocket.Conn) {
	conn.Close()
	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	pending := g.pending
	g.pending = make(map[string]chan inbound)
	g.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			g.log.Warn("bridge frame not understood", zap.Error(err), zap.ByteString("frame", msg))
			continue
		}
		g.dispatch(in)
	}
}

func (g *Gateway) dispatch(in inbound) {
	switch in.Type {
	case frameResponse:
		g.mu.Lock()
		ch, ok := g.pending[in.ID]
		delete(g.pending, in.ID)
		g.mu.Unlock()
		if ok {
			ch <- in
		} else {
			g.log.Debug("response for unknown request", zap.String("id", in.ID))
		}
	case frameTick:
		if in.Tick != nil {
			g.emit(common.Event{Kind: common.EventTick, Tick: in.Tick})
		}
	case frameOrder:
		if in.Order != nil {
			g.emit(common.Event{Kind: common.EventOrder, Order: in.Order})
		}
	case framePosition:
		if in.Position != nil {
			g.emit(common.Event{Kind: common.EventPosition, Position: in.Position})
		}
	default:
		g.log.Debug("bridge frame ignored", zap.String("type", in.Type))
	}
}

func (g *Gateway) emit(ev common.Event) {
	select {
	case g.events <- ev:
	case <-g.stop:
	}
}

func (g *Gateway) write(f outbound) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(g.cfg.RequestTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// request sends f and waits for the sidecar's response with the same id.
func (g *Gateway) request(ctx context.Context, f outbound) (inbound, error) {
	f.ID = uuid.NewString()
	ch := make(chan inbound, 1)
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return inbound{}, ErrNotConnected
	}
	g.pending[f.ID] = ch
	g.mu.Unlock()

	if err := g.write(f); err != nil {
		g.mu.Lock()
		delete(g.pending, f.ID)
		g.mu.Unlock()
		return inbound{}, fmt.Errorf("bridge %s: %w", f.Op, err)
	}

	timer := time.NewTimer(g.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case in, ok := <-ch:
		if !ok {
			return inbound{}, fmt.Errorf("bridge %s: %w", f.Op, ErrNotConnected)
		}
		if !in.OK {
			return in, &RefusedError{Op: f.Op, Reason: in.Error}
		}
		return in, nil
	case <-timer.C:
	case <-ctx.Done():
	case <-g.stop:
	}
	g.mu.Lock()
	delete(g.pending, f.ID)
	g.mu.Unlock()
	if ctx.Err() != nil {
		return inbound{}, ctx.Err()
	}
	return inbound{}, fmt.Errorf("bridge %s: no response within %s", f.Op, g.cfg.RequestTimeout)
}

func (g *Gateway) Close() error {
	g.once.Do(func() {
		close(g.stop)
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()
		if conn != nil {
			g.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			g.writeMu.Unlock()
			conn.Close()
		}
		g.wg.Wait()
	})
	return nil
}

// SubscribeTrades is remembered and replayed after every reconnect.
func (g *Gateway) SubscribeTrades(ctx context.Context, symbol, exchange string) error {
	g.mu.Lock()
	g.trades[symbol] = exchange
	g.mu.Unlock()
	_, err := g.request(ctx, outbound{Op: opSubscribeTrades, Symbol: symbol, Exchange: exchange})
	return err
}

func (g *Gateway) UnsubscribeTrades(ctx context.Context, symbol string) error {
	g.mu.Lock()
	delete(g.trades, symbol)
	g.mu.Unlock()
	_, err := g.request(ctx, outbound{Op: opUnsubscribeTrades, Symbol: symbol})
	return err
}

func (g *Gateway) SubscribePositions(ctx context.Context, account string) error {
	g.mu.Lock()
	g.positions[account] = struct{}{}
	g.mu.Unlock()
	_, err := g.request(ctx, outbound{Op: opSubscribePositions, Account: account})
	return err
}

func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	in, err := g.request(ctx, outbound{Op: opSubmit, Order: &req})
	var refused *RefusedError
	if errors.As(err, &refused) {
		return common.OrderResult{ClientID: req.ClientID, Status: common.StatusRejected}, fmt.Errorf("%w: %w", common.ErrRejected, err)
	}
	if err != nil {
		// Timeouts and disconnects say nothing about whether the broker took it.
		return common.OrderResult{ClientID: req.ClientID, Status: common.StatusUnknown}, err
	}
	res := common.OrderResult{ClientID: req.ClientID, BrokerOrderID: in.BrokerOrderID, Status: in.Status}
	if res.Status == "" {
		res.Status = common.StatusNew
	}
	return res, nil
}

func (g *Gateway) ModifyOrder(ctx context.Context, clientID string, req common.ModifyRequest) error {
	_, err := g.request(ctx, outbound{Op: opModify, ClientID: clientID, Modify: &req})
	return err
}

func (g *Gateway) CancelOrder(ctx context.Context, clientID string) error {
	_, err := g.request(ctx, outbound{Op: opCancel, ClientID: clientID})
	return err
}

// OrderStatus asks the sidecar for the broker's record of clientID. A
// response without an order means the broker does not know it.
func (g *Gateway) OrderStatus(ctx context.Context, clientID string) (common.OrderUpdate, error) {
	in, err := g.request(ctx, outbound{Op: opOrderStatus, ClientID: clientID})
	if err != nil {
		return common.OrderUpdate{}, err
	}
	if in.Order == nil {
		return common.OrderUpdate{}, fmt.Errorf("bridge: %w: %s", common.ErrOrderNotFound, clientID)
	}
	return *in.Order, nil
}

func (g *Gateway) Position(ctx context.Context, account, symbol string) (common.PositionUpdate, error) {
	in, err := g.request(ctx, outbound{Op: opPosition, Account: account, Symbol: symbol})
	if err != nil {
		return common.PositionUpdate{}, err
	}
	if in.Position == nil {
		return common.PositionUpdate{Account: account, Symbol: symbol}, nil
	}
	return *in.Position, nil
}
