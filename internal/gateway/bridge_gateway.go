package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/bridge"
	"brokergate/internal/errors"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
)

// Vendor-control operation and callback names.
const (
	opConnect     = "connect"
	opLogin       = "login"
	opRequestData = "requestData"
	opSendOrder   = "sendOrder"
	opCancelOrder = "cancelOrder"

	evOrderEvent = "onReceiveOrderEvent"
)

// bridgeGateway serves the capability interface over the vendor control
// through the bridge. Order fills arrive as unsolicited callback events
// carrying the venue-assigned order ID; they are matched back to local
// orders through the broker-ID index.
type bridgeGateway struct {
	br      *bridge.Bridge
	orders  *registry
	account string
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewBridgeGateway creates the vendor-control gateway and registers
// itself as the bridge's unsolicited-event consumer.
func NewBridgeGateway(br *bridge.Bridge, account string, log *logging.Logger, metrics *monitoring.Metrics) Gateway {
	if log == nil {
		log = logging.Discard()
	}
	g := &bridgeGateway{
		br:      br,
		orders:  newRegistry(),
		account: account,
		log:     log.WithField("backend", "bridge"),
		metrics: metrics,
	}
	br.OnEvent = g.handleEvent
	return g
}

func (g *bridgeGateway) Connect(ctx context.Context) error {
	if _, err := g.br.Invoke(ctx, opConnect, nil); err != nil {
		return err
	}
	_, err := g.br.Invoke(ctx, opLogin, map[string]string{"account": g.account})
	return err
}

// Disconnect closes the bridge, which cancels every pending call.
func (g *bridgeGateway) Disconnect() error {
	return g.br.Close()
}

func (g *bridgeGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if symbol == "" {
		return nil, errors.New(errors.ErrCodeInvalid, "quote symbol is required")
	}

	ev, err := g.br.Invoke(ctx, opRequestData, map[string]string{
		"tr_id":  "quote",
		"symbol": symbol,
	})
	if err != nil {
		return nil, err
	}

	price, err := strconv.ParseFloat(ev.Payload["price"], 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "unparseable quote price").
			WithContext("symbol", symbol)
	}
	volume, _ := strconv.ParseFloat(ev.Payload["volume"], 64)

	return &Quote{Symbol: symbol, Price: price, Volume: volume, Time: time.Now()}, nil
}

func (g *bridgeGateway) SendOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	order := &Order{
		LocalID:   uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		State:     StatePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	g.orders.put(order)

	ev, err := g.br.Invoke(ctx, opSendOrder, map[string]string{
		"account":  g.account,
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"quantity": strconv.FormatInt(req.Quantity, 10),
		"price":    strconv.FormatFloat(req.Price, 'f', -1, 64),
	})
	if err != nil {
		return g.failSubmission(order.LocalID, err)
	}

	// The venue-assigned ID from the callback is the real identifier;
	// the local UUID exists only so the order is addressable before the
	// venue replies.
	brokerID := ev.Payload["order_id"]
	if brokerID == "" {
		return g.failSubmission(order.LocalID, errors.New(errors.ErrCodeInternal, "control acknowledged order without an order ID"))
	}

	if err := g.orders.update(order.LocalID, func(o *Order) error {
		o.BrokerOrderID = brokerID
		return o.Transition(StateSent, "acknowledged by control")
	}); err != nil {
		return nil, err
	}

	result, _ := g.orders.get(order.LocalID)
	g.metrics.RecordOrder("bridge", string(result.State))
	g.log.WithFields(map[string]interface{}{
		"local_id":  result.LocalID,
		"broker_id": result.BrokerOrderID,
		"symbol":    result.Symbol,
	}).Info("order sent")
	return &result, nil
}

func (g *bridgeGateway) failSubmission(localID string, cause error) (*Order, error) {
	target := StateError
	if errors.HasCode(cause, errors.ErrCodeBridgeRejected) {
		target = StateRejected
	}
	if err := g.orders.update(localID, func(o *Order) error {
		return o.Transition(target, cause.Error())
	}); err != nil {
		g.log.WithError(err).WithField("local_id", localID).Warn("failed to record order failure")
	}
	order, _ := g.orders.get(localID)
	g.metrics.RecordOrder("bridge", string(order.State))
	return &order, cause
}

func (g *bridgeGateway) CancelOrder(ctx context.Context, localID string) (bool, error) {
	order, ok := g.orders.get(localID)
	if !ok {
		return false, errors.Newf(errors.ErrCodeInvalid, "unknown order %s", localID)
	}
	if order.State != StateSent && order.State != StatePartiallyFilled {
		return false, errors.Newf(errors.ErrCodeInvalid, "order %s is %s, not cancellable", localID, order.State)
	}

	if _, err := g.br.Invoke(ctx, opCancelOrder, map[string]string{
		"account":  g.account,
		"order_id": order.BrokerOrderID,
	}); err != nil {
		return false, err
	}

	if err := g.orders.update(localID, func(o *Order) error {
		return o.Transition(StateCancelled, "cancel acknowledged")
	}); err != nil {
		return false, err
	}
	g.metrics.RecordOrder("bridge", string(StateCancelled))
	return true, nil
}

func (g *bridgeGateway) GetOrderStatus(ctx context.Context, localID string) (*Order, error) {
	order, ok := g.orders.get(localID)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalid, "unknown order %s", localID)
	}
	return &order, nil
}

// handleEvent consumes realtime order events from the control. Fill and
// cancel notifications carry the broker order ID, never the local one.
func (g *bridgeGateway) handleEvent(ev bridge.Event) {
	if ev.Operation != evOrderEvent {
		g.log.WithField("operation", ev.Operation).Debug("ignoring control event")
		return
	}

	brokerID := ev.Payload["order_id"]
	state := ev.Payload["state"]
	filledQty, _ := strconv.ParseInt(ev.Payload["filled_qty"], 10, 64)

	err := g.orders.updateByBroker(brokerID, func(o *Order) error {
		if filledQty > 0 {
			o.FilledQty = filledQty
		}
		switch state {
		case "filled":
			return o.Transition(StateFilled, "fill reported by control")
		case "partial":
			return o.Transition(StatePartiallyFilled, "partial fill reported by control")
		case "cancelled":
			return o.Transition(StateCancelled, "cancel reported by control")
		case "rejected":
			return o.Transition(StateRejected, "rejection reported by control")
		default:
			return errors.Newf(errors.ErrCodeInvalid, "unknown order event state %q", state)
		}
	})
	if err != nil {
		g.log.WithError(err).WithFields(map[string]interface{}{
			"broker_id": brokerID,
			"state":     state,
		}).Warn("unmatched or invalid order event")
		return
	}
	g.metrics.RecordOrder("bridge", state)
}
