package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/pkg/db"
)

const testSecret = "test-secret"

type fakeEngine struct {
	mu       sync.Mutex
	flattens int
	halts    []string
	err      error
	status   engine.Status
}

func (f *fakeEngine) Status(context.Context) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) Flatten(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flattens++
	return f.err
}

func (f *fakeEngine) Halt(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts = append(f.halts, reason)
	return f.err
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEngine) calls() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flattens, append([]string(nil), f.halts...)
}

type testServer struct {
	url string
	eng *fakeEngine
	bus *events.Bus
	srv *Server
}

func newTestAPIServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := &fakeEngine{status: engine.Status{
		Symbol:    "ESH6",
		Strategy:  "break_reclaim",
		Connected: true,
		Orders: []order.TrackedOrder{
			{ID: "a", State: order.StateWorking},
			{ID: "b", State: order.StateFilled},
		},
	}}
	bus := events.NewBus()
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg, nil)
	metrics.Ticks.Add(3)

	opts := Options{
		Engine:   eng,
		Bus:      bus,
		Gatherer: reg,
		Secret:   testSecret,
		Meta:     SystemMeta{Version: "test", DryRun: true, Broker: "paper"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	server := NewServer(opts)
	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(httpServer.Close)
	return &testServer{url: httpServer.URL, eng: eng, bus: bus, srv: server}
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func mustToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := GenerateToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func TestHealthReflectsConnection(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	if code := doJSONRequest(t, http.MethodGet, ts.url+"/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health %d, want 200", code)
	}
	ts.eng.mu.Lock()
	ts.eng.status.Connected = false
	ts.eng.mu.Unlock()
	if code := doJSONRequest(t, http.MethodGet, ts.url+"/health", "", nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("health %d, want 503 while disconnected", code)
	}
}

func TestStatusAndOrders(t *testing.T) {
	ts := newTestAPIServer(t, nil)

	var status struct {
		Meta   SystemMeta    `json:"meta"`
		Engine engine.Status `json:"engine"`
	}
	if code := doJSONRequest(t, http.MethodGet, ts.url+"/api/status", "", nil, &status); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if status.Engine.Symbol != "ESH6" || !status.Meta.DryRun {
		t.Fatalf("unexpected status %+v", status)
	}

	var orders struct {
		Orders []order.TrackedOrder `json:"orders"`
	}
	doJSONRequest(t, http.MethodGet, ts.url+"/api/orders", "", nil, &orders)
	if len(orders.Orders) != 1 || orders.Orders[0].ID != "a" {
		t.Fatalf("working orders %+v, want only a", orders.Orders)
	}
	doJSONRequest(t, http.MethodGet, ts.url+"/api/orders?all=true", "", nil, &orders)
	if len(orders.Orders) != 2 {
		t.Fatalf("all orders %d, want 2", len(orders.Orders))
	}
}

func TestControlRequiresToken(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", mustToken(t, "other-secret"), http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"valid", mustToken(t, testSecret), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSONRequest(t, http.MethodPost, ts.url+"/api/flatten", tt.token, nil, nil); code != tt.want {
				t.Fatalf("status %d, want %d", code, tt.want)
			}
		})
	}
	if n, _ := ts.eng.calls(); n != 1 {
		t.Fatalf("engine flattened %d times, want 1", n)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	token, err := GenerateToken(testSecret, "alice", -time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if code := doJSONRequest(t, http.MethodPost, ts.url+"/api/flatten", token, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", code)
	}
}

func TestHaltPassesReason(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	token := mustToken(t, testSecret)

	if code := doJSONRequest(t, http.MethodPost, ts.url+"/api/halt", token, map[string]string{"reason": "news"}, nil); code != http.StatusOK {
		t.Fatalf("halt %d", code)
	}
	if code := doJSONRequest(t, http.MethodPost, ts.url+"/api/halt", token, nil, nil); code != http.StatusOK {
		t.Fatalf("halt without body %d", code)
	}
	_, halts := ts.eng.calls()
	if len(halts) != 2 || halts[0] != "news" || halts[1] != "requested by alice" {
		t.Fatalf("halt reasons %q", halts)
	}
}

func TestControlDisabledWithoutSecret(t *testing.T) {
	ts := newTestAPIServer(t, func(o *Options) { o.Secret = "" })
	var body map[string]string
	code := doJSONRequest(t, http.MethodPost, ts.url+"/api/flatten", mustToken(t, testSecret), nil, &body)
	if code != http.StatusForbidden || body["code"] != "CONTROL_DISABLED" {
		t.Fatalf("got %d %v, want 403 CONTROL_DISABLED", code, body)
	}
	if _, err := GenerateToken("", "alice", time.Hour); err == nil {
		t.Fatal("token without secret should fail")
	}
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	token := mustToken(t, testSecret)

	ts.eng.setErr(engine.ErrStopped)
	if code := doJSONRequest(t, http.MethodPost, ts.url+"/api/flatten", token, nil, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("stopped engine: %d, want 503", code)
	}
	ts.eng.setErr(errors.New("broker said no"))
	if code := doJSONRequest(t, http.MethodPost, ts.url+"/api/flatten", token, nil, nil); code != http.StatusInternalServerError {
		t.Fatalf("failed flatten: %d, want 500", code)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestAPIServer(t, func(o *Options) { o.RateLimit = 1 })
	var limited bool
	for i := 0; i < 10; i++ {
		if doJSONRequest(t, http.MethodGet, ts.url+"/api/status", "", nil, nil) == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected a 429 after exhausting the burst")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	resp, err := http.Get(ts.url + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "exec_ticks_total 3") {
		t.Fatalf("metrics output missing tick counter:\n%s", body)
	}
}

func TestTradesFromHistory(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	ctx := context.Background()
	if err := database.InsertTradeEvent(ctx, db.TradeEventRow{
		Time: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), Symbol: "ESH6", Strategy: "break_reclaim",
		Kind: "ENTRY", Side: "BUY", Qty: 1, Price: 5900,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ts := newTestAPIServer(t, func(o *Options) { o.History = database })
	var out struct {
		Trades []db.TradeEventRow `json:"trades"`
	}
	if code := doJSONRequest(t, http.MethodGet, ts.url+"/api/trades?limit=5", "", nil, &out); code != http.StatusOK {
		t.Fatalf("trades %d", code)
	}
	if len(out.Trades) != 1 || out.Trades[0].Kind != "ENTRY" {
		t.Fatalf("trades %+v", out.Trades)
	}
	if code := doJSONRequest(t, http.MethodGet, ts.url+"/api/trades?limit=0", "", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit %d, want 400", code)
	}

	plain := newTestAPIServer(t, nil)
	if code := doJSONRequest(t, http.MethodGet, plain.url+"/api/trades", "", nil, nil); code != http.StatusNotFound {
		t.Fatalf("no history %d, want 404", code)
	}
}

func TestWebsocketStreamsAlerts(t *testing.T) {
	ts := newTestAPIServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := make(chan streamMessage, 1)
	go func() {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()

	// Subscriptions are set up after the handshake, so publish until one lands.
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-got:
			if msg.Topic != events.EventRiskAlert {
				t.Fatalf("topic %s, want %s", msg.Topic, events.EventRiskAlert)
			}
			return
		case <-ticker.C:
			ts.bus.Publish(events.EventRiskAlert, events.RiskAlert{Level: events.AlertWarning, Source: "test", Message: "hello"})
		case <-deadline:
			t.Fatal("no message over websocket")
		}
	}
}
