package gateway

import (
	"sync"
	"time"

	"brokergate/internal/errors"
)

// Side is the order direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderState is a node in the order lifecycle.
type OrderState string

const (
	StatePending         OrderState = "pending"
	StateSent            OrderState = "sent"
	StateFilled          OrderState = "filled"
	StatePartiallyFilled OrderState = "partially_filled"
	StateRejected        OrderState = "rejected"
	StateCancelled       OrderState = "cancelled"
	StateError           OrderState = "error"
)

// validTransitions encodes the lifecycle: Pending -> Sent -> terminal.
// Sent -> Cancelled only via an acknowledged cancel request. Error is
// reachable from anywhere and terminal.
var validTransitions = map[OrderState][]OrderState{
	StatePending:         {StateSent, StateRejected},
	StateSent:            {StateFilled, StatePartiallyFilled, StateRejected, StateCancelled},
	StatePartiallyFilled: {StateFilled, StateCancelled},
}

// Order is a tracked order. The local ID is generated at submission; the
// broker's own ID is backfilled once the venue assigns one, and is the
// authoritative identifier from then on.
type Order struct {
	LocalID       string
	BrokerOrderID string
	Symbol        string
	Side          Side
	Quantity      int64
	FilledQty     int64
	Price         float64
	State         OrderState
	PriorState    OrderState // last state before Error, for diagnostics
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition moves the order to a new state, enforcing the lifecycle.
// Moving to Error always succeeds and records the state it interrupted.
func (o *Order) Transition(to OrderState, reason string) error {
	if o.State == StateError {
		return errors.Newf(errors.ErrCodeInvalid, "order %s is in terminal error state", o.LocalID)
	}
	if to == StateError {
		o.PriorState = o.State
		o.State = StateError
		o.Reason = reason
		o.UpdatedAt = time.Now()
		return nil
	}
	for _, allowed := range validTransitions[o.State] {
		if allowed == to {
			o.State = to
			o.Reason = reason
			o.UpdatedAt = time.Now()
			return nil
		}
	}
	return errors.Newf(errors.ErrCodeInvalid, "order %s cannot move %s -> %s", o.LocalID, o.State, to)
}

// Terminal reports whether the order can change state again.
func (o *Order) Terminal() bool {
	switch o.State {
	case StateFilled, StateRejected, StateCancelled, StateError:
		return true
	}
	return false
}

// registry is the in-memory order book, indexed by local ID and, once
// the venue assigns one, by broker order ID.
type registry struct {
	mu       sync.RWMutex
	byLocal  map[string]*Order
	byBroker map[string]string // broker ID -> local ID
}

func newRegistry() *registry {
	return &registry{
		byLocal:  make(map[string]*Order),
		byBroker: make(map[string]string),
	}
}

func (r *registry) put(o *Order) {
	r.mu.Lock()
	r.byLocal[o.LocalID] = o
	r.mu.Unlock()
}

// get returns a copy so callers never see a half-applied update.
func (r *registry) get(localID string) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byLocal[localID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

func (r *registry) getByBroker(brokerID string) (Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	localID, ok := r.byBroker[brokerID]
	if !ok {
		return Order{}, false
	}
	o, ok := r.byLocal[localID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// update applies fn to the stored order under the lock.
func (r *registry) update(localID string, fn func(*Order) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byLocal[localID]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalid, "unknown order %s", localID)
	}
	if err := fn(o); err != nil {
		return err
	}
	if o.BrokerOrderID != "" {
		r.byBroker[o.BrokerOrderID] = o.LocalID
	}
	return nil
}

// updateByBroker resolves a broker-assigned ID to the local order and
// applies fn. Used by realtime order callbacks.
func (r *registry) updateByBroker(brokerID string, fn func(*Order) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	localID, ok := r.byBroker[brokerID]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalid, "no order with broker ID %s", brokerID)
	}
	return fn(r.byLocal[localID])
}
