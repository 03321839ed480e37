package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"execution-core/pkg/exchanges/common"
)

// sidecar is a minimal broker sidecar. It answers every request, echoes a
// tick for each trade subscription and drops the first connection when
// dropFirst is set.
type sidecar struct {
	t         *testing.T
	upgrader  websocket.Upgrader
	dropFirst bool
	conns     atomic.Int32

	mu  sync.Mutex
	ops []string
}

func (s *sidecar) seen(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (s *sidecar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	n := s.conns.Add(1)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req outbound
		if err := json.Unmarshal(msg, &req); err != nil {
			s.t.Errorf("bad request frame: %v", err)
			return
		}
		s.mu.Lock()
		s.ops = append(s.ops, req.Op)
		s.mu.Unlock()

		resp := inbound{Type: frameResponse, ID: req.ID, OK: true}
		var extra []inbound
		switch req.Op {
		case opSubmit:
			if req.Order.Qty <= 0 {
				resp.OK = false
				resp.Error = "invalid quantity"
				break
			}
			resp.BrokerOrderID = "B-1"
			resp.Status = common.StatusNew
			extra = append(extra, inbound{Type: frameOrder, Order: &common.OrderUpdate{
				ClientID: req.Order.ClientID, Status: common.StatusFilled, FilledQty: req.Order.Qty, AvgPrice: 5900, LastQty: req.Order.Qty, LastPrice: 5900,
			}})
		case opPosition:
			resp.Position = &common.PositionUpdate{Account: req.Account, Symbol: req.Symbol, Qty: -2, AvgPrice: 5901.5}
		case opOrderStatus:
			if req.ClientID == "c-1" {
				resp.Order = &common.OrderUpdate{ClientID: "c-1", BrokerOrderID: "B-1", Status: common.StatusFilled, FilledQty: 2, AvgPrice: 5900}
			}
		case opCancel:
			resp.OK = false
			resp.Error = "order not working"
		case opSubscribeTrades:
			extra = append(extra, inbound{Type: frameTick, Tick: &common.Tick{Symbol: req.Symbol, Price: 5900.25, Size: 1}})
		}
		for _, f := range append([]inbound{resp}, extra...) {
			data, _ := json.Marshal(f)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		if s.dropFirst && n == 1 && req.Op == opSubscribeTrades {
			return
		}
	}
}

func newTestGateway(t *testing.T, sc *sidecar) *Gateway {
	t.Helper()
	srv := httptest.NewServer(sc)
	t.Cleanup(srv.Close)
	g := New(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Username:       "u",
		Password:       "p",
		ReconnectMin:   10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

// next returns the next event of kind, skipping others.
func next(t *testing.T, g *Gateway, kind common.EventKind) common.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-g.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestRequestsAndNotifications(t *testing.T) {
	sc := &sidecar{t: t}
	g := newTestGateway(t, sc)
	ctx := context.Background()

	if err := g.SubscribeTrades(ctx, "ESH6", "CME"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if tick := next(t, g, common.EventTick).Tick; tick.Symbol != "ESH6" || tick.Price != 5900.25 {
		t.Fatalf("unexpected tick %+v", tick)
	}

	res, err := g.SubmitOrder(ctx, common.OrderRequest{ClientID: "c-1", Symbol: "ESH6", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.BrokerOrderID != "B-1" || res.Status != common.StatusNew {
		t.Fatalf("unexpected result %+v", res)
	}
	if u := next(t, g, common.EventOrder).Order; u.ClientID != "c-1" || u.Status != common.StatusFilled || u.FilledQty != 2 {
		t.Fatalf("unexpected order update %+v", u)
	}

	pos, err := g.Position(ctx, "SIM-1", "ESH6")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Qty != -2 || pos.AvgPrice != 5901.5 {
		t.Fatalf("unexpected position %+v", pos)
	}

	if err := g.CancelOrder(ctx, "c-1"); err == nil || !strings.Contains(err.Error(), "order not working") {
		t.Fatalf("cancel error %v", err)
	}
}

func TestOrderStatusAndRejection(t *testing.T) {
	g := newTestGateway(t, &sidecar{t: t})
	ctx := context.Background()

	u, err := g.OrderStatus(ctx, "c-1")
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if u.Status != common.StatusFilled || u.FilledQty != 2 || u.BrokerOrderID != "B-1" {
		t.Fatalf("unexpected status %+v", u)
	}
	if _, err := g.OrderStatus(ctx, "c-404"); !errors.Is(err, common.ErrOrderNotFound) {
		t.Fatalf("missing order error %v, want ErrOrderNotFound", err)
	}

	res, err := g.SubmitOrder(ctx, common.OrderRequest{ClientID: "c-2", Symbol: "ESH6", Side: common.SideBuy, Type: common.OrderTypeMarket})
	if !errors.Is(err, common.ErrRejected) {
		t.Fatalf("submit error %v, want ErrRejected", err)
	}
	if res.Status != common.StatusRejected {
		t.Fatalf("status %s, want REJECTED", res.Status)
	}
}

func TestSubmitWhileDisconnectedIsUnknown(t *testing.T) {
	g := New(Config{URL: "ws://127.0.0.1:1/ws"}, nil)
	res, err := g.SubmitOrder(context.Background(), common.OrderRequest{ClientID: "c-1", Qty: 1})
	if err == nil || errors.Is(err, common.ErrRejected) {
		t.Fatalf("submit error %v, want a non-rejection failure", err)
	}
	if res.Status != common.StatusUnknown {
		t.Fatalf("status %s, want UNKNOWN", res.Status)
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	sc := &sidecar{t: t, dropFirst: true}
	g := newTestGateway(t, sc)

	if err := g.SubscribeTrades(context.Background(), "ESM6", "CME"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	down := next(t, g, common.EventConnection)
	for down.Conn.Connected {
		down = next(t, g, common.EventConnection)
	}
	up := next(t, g, common.EventConnection)
	if !up.Conn.Connected {
		t.Fatalf("expected reconnect, got %+v", up.Conn)
	}

	deadline := time.Now().Add(3 * time.Second)
	for sc.seen(opSubscribeTrades) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not replayed after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sc.seen(opLogin) < 2 {
		t.Fatalf("login not repeated: %d", sc.seen(opLogin))
	}
	if sc.conns.Load() < 2 {
		t.Fatalf("connections %d", sc.conns.Load())
	}
}

func TestRequestWhileDisconnected(t *testing.T) {
	g := New(Config{URL: "ws://127.0.0.1:1"}, nil)
	if _, err := g.Position(context.Background(), "a", "ESH6"); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestBackoffBounds(t *testing.T) {
	g := New(Config{ReconnectMin: 100 * time.Millisecond, ReconnectMax: time.Second}, nil)
	for n := 1; n <= 12; n++ {
		d := g.backoff(n)
		if d < 50*time.Millisecond || d > time.Second {
			t.Fatalf("attempt %d: backoff %v out of bounds", n, d)
		}
	}
	if d := g.backoff(10); d < 500*time.Millisecond {
		t.Fatalf("backoff did not grow to the cap: %v", d)
	}
}
