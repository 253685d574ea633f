package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"brokergate/internal/auth"
	"brokergate/internal/cache"
	"brokergate/internal/errors"
	"brokergate/internal/quota"
	"brokergate/internal/rest"
)

// restStub serves the auth endpoints plus quote/order/cancel paths with
// per-path scripted envelopes.
type restStub struct {
	*httptest.Server
	quoteHits  int64
	orderHits  int64
	cancelHits int64
	quoteBody  string
	orderBody  string
	cancelBody string
}

func newRESTStub(t *testing.T) *restStub {
	t.Helper()
	s := &restStub{
		quoteBody:  `{"rt_cd":"0","output":{"stck_prpr":"71200","acml_vol":"1234567"}}`,
		orderBody:  `{"rt_cd":"0","msg1":"ok","output":{"ODNO":"0000117057"}}`,
		cancelBody: `{"rt_cd":"0","msg1":"ok"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/quotations/inquire-price", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.quoteHits, 1)
		w.Write([]byte(s.quoteBody))
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-cash", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.orderHits, 1)
		w.Write([]byte(s.orderBody))
	})
	mux.HandleFunc("/uapi/domestic-stock/v1/trading/order-rvsecncl", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.cancelHits, 1)
		w.Write([]byte(s.cancelBody))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestRESTGateway(s *restStub, store cache.Cacher) Gateway {
	tokens := auth.NewManager(auth.Credential{AppKey: "k", AppSecret: "s", AccountID: "12345678"}, s.URL, time.Minute, nil, nil)
	governor := quota.NewGovernor(quota.Config{
		Window:         time.Minute,
		WindowLimit:    1000,
		HardDailyLimit: 100000,
		SoftDailyLimit: 99999,
	}, nil, nil, nil)
	exec := rest.NewExecutor(s.URL, tokens, governor, rest.Config{
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RateCooldown: 10 * time.Millisecond,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
	}, nil, nil)
	return NewRESTGateway(exec, tokens, store, RESTConfig{
		AccountID: "12345678",
		Simulated: true,
	}, nil, nil)
}

func TestRESTGetQuote(t *testing.T) {
	s := newRESTStub(t)
	g := newTestRESTGateway(s, nil)

	q, err := g.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if q.Price != 71200 {
		t.Errorf("price = %v, want 71200", q.Price)
	}
	if q.Volume != 1234567 {
		t.Errorf("volume = %v, want 1234567", q.Volume)
	}
}

func TestRESTGetQuotePrefersCachedTick(t *testing.T) {
	s := newRESTStub(t)
	store := cache.NewMemoryCache()
	tick, _ := json.Marshal(cachedTick{Symbol: "005930", Price: 71500, Volume: 42, Ts: time.Now().UnixMilli()})
	if err := store.SetLastTick(context.Background(), "005930", tick, time.Minute); err != nil {
		t.Fatalf("SetLastTick failed: %v", err)
	}

	g := newTestRESTGateway(s, store)
	q, err := g.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if q.Price != 71500 {
		t.Errorf("price = %v, want the cached 71500", q.Price)
	}
	if hits := atomic.LoadInt64(&s.quoteHits); hits != 0 {
		t.Errorf("cached quote must not spend API quota, got %d calls", hits)
	}
}

func TestRESTSendOrderAcknowledged(t *testing.T) {
	s := newRESTStub(t)
	g := newTestRESTGateway(s, nil)

	order, err := g.SendOrder(context.Background(), OrderRequest{
		Symbol:   "005930",
		Side:     Buy,
		Quantity: 10,
		Price:    71000,
	})
	if err != nil {
		t.Fatalf("SendOrder failed: %v", err)
	}
	if order.State != StateSent {
		t.Errorf("state = %s, want sent", order.State)
	}
	if order.BrokerOrderID != "0000117057" {
		t.Errorf("broker order ID = %s, want 0000117057", order.BrokerOrderID)
	}

	got, err := g.GetOrderStatus(context.Background(), order.LocalID)
	if err != nil {
		t.Fatalf("GetOrderStatus failed: %v", err)
	}
	if got.State != StateSent {
		t.Errorf("status state = %s, want sent", got.State)
	}
}

func TestRESTSendOrderBrokerRejection(t *testing.T) {
	s := newRESTStub(t)
	s.orderBody = `{"rt_cd":"1","msg_cd":"APBK0919","msg1":"insufficient balance"}`
	g := newTestRESTGateway(s, nil)

	order, err := g.SendOrder(context.Background(), OrderRequest{
		Symbol:   "005930",
		Side:     Buy,
		Quantity: 10,
		Price:    71000,
	})
	if !errors.HasCode(err, errors.ErrCodeBrokerRejected) {
		t.Fatalf("expected BROKER_REJECTED, got %v", err)
	}
	if order.State != StateRejected {
		t.Errorf("state = %s, want rejected", order.State)
	}
}

func TestRESTSendOrderValidation(t *testing.T) {
	s := newRESTStub(t)
	g := newTestRESTGateway(s, nil)

	_, err := g.SendOrder(context.Background(), OrderRequest{Symbol: "005930", Side: Buy, Quantity: 0})
	if !errors.HasCode(err, errors.ErrCodeInvalid) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if hits := atomic.LoadInt64(&s.orderHits); hits != 0 {
		t.Errorf("invalid order must not reach the brokerage, got %d calls", hits)
	}
}

func TestRESTCancelOrder(t *testing.T) {
	s := newRESTStub(t)
	g := newTestRESTGateway(s, nil)

	order, err := g.SendOrder(context.Background(), OrderRequest{
		Symbol:   "005930",
		Side:     Sell,
		Quantity: 5,
		Price:    72000,
	})
	if err != nil {
		t.Fatalf("SendOrder failed: %v", err)
	}

	ok, err := g.CancelOrder(context.Background(), order.LocalID)
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v; want true, nil", ok, err)
	}

	got, _ := g.GetOrderStatus(context.Background(), order.LocalID)
	if got.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	// A cancelled order cannot be cancelled again.
	if _, err := g.CancelOrder(context.Background(), order.LocalID); !errors.HasCode(err, errors.ErrCodeInvalid) {
		t.Fatalf("second cancel must be invalid, got %v", err)
	}
}
