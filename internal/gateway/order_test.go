package gateway

import (
	"testing"

	"brokergate/internal/errors"
)

func newTestOrder() *Order {
	return &Order{LocalID: "local-1", Symbol: "005930", Side: Buy, Quantity: 10, State: StatePending}
}

func TestOrderLifecycleHappyPath(t *testing.T) {
	o := newTestOrder()

	if err := o.Transition(StateSent, "ack"); err != nil {
		t.Fatalf("Pending -> Sent failed: %v", err)
	}
	if err := o.Transition(StatePartiallyFilled, "partial"); err != nil {
		t.Fatalf("Sent -> PartiallyFilled failed: %v", err)
	}
	if err := o.Transition(StateFilled, "fill"); err != nil {
		t.Fatalf("PartiallyFilled -> Filled failed: %v", err)
	}
	if !o.Terminal() {
		t.Error("filled order must be terminal")
	}
}

func TestOrderCannotSkipSent(t *testing.T) {
	o := newTestOrder()
	err := o.Transition(StateFilled, "")
	if !errors.HasCode(err, errors.ErrCodeInvalid) {
		t.Fatalf("Pending -> Filled must be invalid, got %v", err)
	}
	if o.State != StatePending {
		t.Errorf("failed transition mutated state to %s", o.State)
	}
}

func TestOrderCancelOnlyFromSent(t *testing.T) {
	o := newTestOrder()
	if err := o.Transition(StateCancelled, ""); err == nil {
		t.Fatal("Pending -> Cancelled must be invalid")
	}

	o.Transition(StateSent, "ack")
	if err := o.Transition(StateCancelled, "cancel acknowledged"); err != nil {
		t.Fatalf("Sent -> Cancelled failed: %v", err)
	}
}

func TestOrderErrorPreservesPriorState(t *testing.T) {
	o := newTestOrder()
	o.Transition(StateSent, "ack")

	if err := o.Transition(StateError, "bridge timeout"); err != nil {
		t.Fatalf("transition to Error failed: %v", err)
	}
	if o.PriorState != StateSent {
		t.Errorf("PriorState = %s, want sent", o.PriorState)
	}
	if o.Reason != "bridge timeout" {
		t.Errorf("Reason = %q", o.Reason)
	}

	// Error is terminal.
	if err := o.Transition(StateSent, ""); err == nil {
		t.Error("transition out of Error must fail")
	}
}

func TestRegistryBrokerIDBackfill(t *testing.T) {
	r := newRegistry()
	o := newTestOrder()
	r.put(o)

	err := r.update(o.LocalID, func(ord *Order) error {
		ord.BrokerOrderID = "B-100"
		return ord.Transition(StateSent, "ack")
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, ok := r.getByBroker("B-100")
	if !ok {
		t.Fatal("broker ID index not populated")
	}
	if got.LocalID != o.LocalID {
		t.Errorf("broker lookup returned %s, want %s", got.LocalID, o.LocalID)
	}

	err = r.updateByBroker("B-100", func(ord *Order) error {
		return ord.Transition(StateFilled, "fill")
	})
	if err != nil {
		t.Fatalf("updateByBroker failed: %v", err)
	}
	got, _ = r.get(o.LocalID)
	if got.State != StateFilled {
		t.Errorf("state = %s, want filled", got.State)
	}
}

func TestSessionSwitchReturnsPrevious(t *testing.T) {
	first := &bridgeGateway{orders: newRegistry()}
	second := &bridgeGateway{orders: newRegistry()}

	s := NewSession("live", first)
	if s.Backend() != "live" || s.Gateway() != Gateway(first) {
		t.Fatal("session did not bind initial gateway")
	}

	prev := s.SwitchTo("simulated", second)
	if prev != Gateway(first) {
		t.Error("SwitchTo did not return the previous gateway")
	}
	if s.Backend() != "simulated" || s.Gateway() != Gateway(second) {
		t.Error("session did not switch to the new gateway")
	}
}
