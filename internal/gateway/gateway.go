package gateway

import (
	"context"
	"sync"
	"time"

	"brokergate/internal/errors"
)

// Quote is a point-in-time price for one symbol.
type Quote struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}

// OrderRequest is the caller-facing order submission.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity int64
	Price    float64 // 0 means market order
}

func (r OrderRequest) validate() error {
	if r.Symbol == "" {
		return errors.New(errors.ErrCodeInvalid, "order symbol is required")
	}
	if r.Side != Buy && r.Side != Sell {
		return errors.Newf(errors.ErrCodeInvalid, "unknown order side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return errors.Newf(errors.ErrCodeInvalid, "order quantity must be positive, got %d", r.Quantity)
	}
	if r.Price < 0 {
		return errors.New(errors.ErrCodeInvalid, "order price cannot be negative")
	}
	return nil
}

// Gateway is the single capability surface every backend implements.
// Callers depend only on this interface; which backend serves them is a
// construction-time decision, switchable at runtime through a Session.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect() error
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	SendOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, localID string) (bool, error)
	GetOrderStatus(ctx context.Context, localID string) (*Order, error)
}

// Session holds the active gateway. It replaces any notion of a global
// "current backend": consumers receive the Session once at startup and
// resolve the gateway per call, so switching backends is a controlled
// swap behind a lock rather than a bare global write.
type Session struct {
	mu      sync.RWMutex
	backend string
	current Gateway
}

// NewSession creates a session bound to an initial backend.
func NewSession(backend string, gw Gateway) *Session {
	return &Session{backend: backend, current: gw}
}

// Gateway returns the currently active gateway.
func (s *Session) Gateway() Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Backend returns the name of the active backend.
func (s *Session) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// SwitchTo replaces the active gateway. The previous gateway is returned
// so the caller can disconnect it once in-flight work has drained.
func (s *Session) SwitchTo(backend string, gw Gateway) Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.backend = backend
	s.current = gw
	return prev
}
