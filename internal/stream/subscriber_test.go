package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"brokergate/internal/cache"
)

// wsStub is a websocket endpoint that records subscription frames and can
// push ticks or drop the connection to exercise the reconnect path.
type wsStub struct {
	*httptest.Server
	frames chan wireFrame

	mu   sync.Mutex
	conn *websocket.Conn
}

type wireFrame struct {
	trType string
	symbol string
}

func newWSStub(t *testing.T) *wsStub {
	t.Helper()
	s := &wsStub{frames: make(chan wireFrame, 32)}

	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		for {
			var frame subscribeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.frames <- wireFrame{trType: frame.Header.TrType, symbol: frame.Body.TrKey}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsStub) sendTick(t *testing.T, symbol string, price float64) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no active connection")
	}
	msg := tickMessage{TrID: trIDTick, Symbol: symbol, Price: price, Volume: 100, Ts: time.Now().UnixMilli()}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("sendTick failed: %v", err)
	}
}

func (s *wsStub) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *wsStub) waitFrame(t *testing.T) wireFrame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription frame")
		return wireFrame{}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		ConnectTimeout:   time.Second,
		PingInterval:     100 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		TickTTL:          time.Second,
	}
}

func waitState(t *testing.T, s *Subscriber, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func waitTick(t *testing.T, ch <-chan Tick) Tick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return Tick{}
	}
}

func TestSubscribeBeforeConnectIsHonored(t *testing.T) {
	srv := newWSStub(t)
	store := cache.NewMemoryCache()
	sub := NewSubscriber(testConfig(srv.wsURL()), nil, store, nil, nil)
	defer sub.Disconnect()

	ticks := make(chan Tick, 8)
	sub.Subscribe("005930", func(tk Tick) { ticks <- tk })

	sub.Connect(context.Background())
	waitState(t, sub, Streaming)

	if f := srv.waitFrame(t); f.symbol != "005930" || f.trType != "1" {
		t.Fatalf("unexpected subscription frame: %+v", f)
	}

	srv.sendTick(t, "005930", 71200)
	tk := waitTick(t, ticks)
	if tk.Symbol != "005930" || tk.Price != 71200 {
		t.Errorf("tick = %+v, want 005930 @ 71200", tk)
	}

	// The latest tick is cached for the quote fast path.
	raw, err := store.GetLastTick(context.Background(), "005930")
	if err != nil {
		t.Fatalf("last tick not cached: %v", err)
	}
	if len(raw) == 0 {
		t.Error("cached tick payload is empty")
	}
}

func TestReconnectResubscribesAllBeforeDelivery(t *testing.T) {
	srv := newWSStub(t)
	var approvals int64
	approval := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&approvals, 1)
		return "approval-key", nil
	}
	sub := NewSubscriber(testConfig(srv.wsURL()), approval, nil, nil, nil)
	defer sub.Disconnect()

	ticks := make(chan Tick, 8)
	symbols := []string{"005930", "000660", "035720"}
	for _, sym := range symbols {
		sub.Subscribe(sym, func(tk Tick) { ticks <- tk })
	}

	sub.Connect(context.Background())
	waitState(t, sub, Streaming)

	seen := make(map[string]bool)
	for range symbols {
		seen[srv.waitFrame(t).symbol] = true
	}
	for _, sym := range symbols {
		if !seen[sym] {
			t.Fatalf("symbol %s not subscribed on first connect", sym)
		}
	}

	srv.dropConn()

	// Every subscription is re-issued on the new connection before any
	// tick flows.
	seen = make(map[string]bool)
	for range symbols {
		f := srv.waitFrame(t)
		if f.trType != "1" {
			t.Fatalf("expected subscribe frame after reconnect, got tr_type %s", f.trType)
		}
		seen[f.symbol] = true
	}
	for _, sym := range symbols {
		if !seen[sym] {
			t.Fatalf("symbol %s not resubscribed after reconnect", sym)
		}
	}

	srv.sendTick(t, "000660", 130500)
	if tk := waitTick(t, ticks); tk.Symbol != "000660" {
		t.Errorf("tick symbol = %s, want 000660", tk.Symbol)
	}

	// A fresh approval key is exchanged for each connection.
	if n := atomic.LoadInt64(&approvals); n != 2 {
		t.Errorf("approval exchanges = %d, want 2 (one per connection)", n)
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	srv := newWSStub(t)
	sub := NewSubscriber(testConfig(srv.wsURL()), nil, nil, nil, nil)
	defer sub.Disconnect()

	ticks := make(chan Tick, 8)
	sub.Subscribe("005930", func(Tick) { panic("listener bug") })
	sub.Subscribe("005930", func(tk Tick) { ticks <- tk })

	sub.Connect(context.Background())
	waitState(t, sub, Streaming)
	srv.waitFrame(t)

	srv.sendTick(t, "005930", 71000)
	waitTick(t, ticks)

	// The stream survives the panic: a second tick still arrives.
	srv.sendTick(t, "005930", 71100)
	if tk := waitTick(t, ticks); tk.Price != 71100 {
		t.Errorf("second tick price = %v, want 71100", tk.Price)
	}
	if sub.State() != Streaming {
		t.Errorf("state = %v after listener panic, want Streaming", sub.State())
	}
}

func TestUnsubscribeDropsWireSubscription(t *testing.T) {
	srv := newWSStub(t)
	sub := NewSubscriber(testConfig(srv.wsURL()), nil, nil, nil, nil)
	defer sub.Disconnect()

	handle := sub.Subscribe("005930", func(Tick) {})
	keep := sub.Subscribe("005930", func(Tick) {})

	sub.Connect(context.Background())
	waitState(t, sub, Streaming)
	srv.waitFrame(t)

	// Removing one of two listeners keeps the wire subscription.
	sub.Unsubscribe(handle)
	select {
	case f := <-srv.frames:
		t.Fatalf("unexpected frame after partial unsubscribe: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	// Removing the last listener sends the unsubscribe frame.
	sub.Unsubscribe(keep)
	if f := srv.waitFrame(t); f.trType != "2" || f.symbol != "005930" {
		t.Fatalf("expected unsubscribe frame for 005930, got %+v", f)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newWSStub(t)
	sub := NewSubscriber(testConfig(srv.wsURL()), nil, nil, nil, nil)

	sub.Connect(context.Background())
	waitState(t, sub, Streaming)

	if err := sub.Disconnect(); err != nil {
		t.Fatalf("first Disconnect failed: %v", err)
	}
	if err := sub.Disconnect(); err != nil {
		t.Fatalf("second Disconnect must be a no-op, got %v", err)
	}
	if sub.State() != Disconnected {
		t.Errorf("state = %v after Disconnect, want Disconnected", sub.State())
	}
}
