package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/auth"
	"brokergate/internal/cache"
	"brokergate/internal/errors"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
	"brokergate/internal/rest"
)

// TR IDs for the REST operations. The simulated environment uses the
// VT-prefixed order codes.
const (
	trQuote = "FHKST01010100"

	trOrderBuyLive  = "TTTC0802U"
	trOrderSellLive = "TTTC0801U"
	trOrderBuySim   = "VTTC0802U"
	trOrderSellSim  = "VTTC0801U"

	trCancelLive = "TTTC0803U"
	trCancelSim  = "VTTC0803U"
)

// RESTConfig holds the REST gateway settings.
type RESTConfig struct {
	AccountID string
	Simulated bool
	Retries   int
}

// restGateway serves the capability interface over the brokerage REST
// API. Quote reads prefer the stream's cached last tick so they spend no
// API quota on symbols the stream already covers.
type restGateway struct {
	exec    *rest.Executor
	tokens  *auth.Manager
	store   cache.Cacher
	orders  *registry
	cfg     RESTConfig
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewRESTGateway creates the REST-backed gateway.
func NewRESTGateway(exec *rest.Executor, tokens *auth.Manager, store cache.Cacher, cfg RESTConfig, log *logging.Logger, metrics *monitoring.Metrics) Gateway {
	if log == nil {
		log = logging.Discard()
	}
	return &restGateway{
		exec:    exec,
		tokens:  tokens,
		store:   store,
		orders:  newRegistry(),
		cfg:     cfg,
		log:     log.WithField("backend", "rest"),
		metrics: metrics,
	}
}

// Connect warms the token so the first real call does not pay the
// exchange latency. Credential failures surface here instead of on the
// first order.
func (g *restGateway) Connect(ctx context.Context) error {
	_, err := g.tokens.Token(ctx)
	return err
}

func (g *restGateway) Disconnect() error {
	return nil
}

// cachedTick mirrors the stream's tick payload.
type cachedTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Ts     int64   `json:"ts"`
}

func (g *restGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	if symbol == "" {
		return nil, errors.New(errors.ErrCodeInvalid, "quote symbol is required")
	}

	if g.store != nil {
		if raw, err := g.store.GetLastTick(ctx, symbol); err == nil {
			var tick cachedTick
			if err := json.Unmarshal(raw, &tick); err == nil && tick.Price > 0 {
				return &Quote{
					Symbol: symbol,
					Price:  tick.Price,
					Volume: tick.Volume,
					Time:   time.UnixMilli(tick.Ts),
				}, nil
			}
		}
	}

	query := url.Values{}
	query.Set("FID_COND_MRKT_DIV_CODE", "J")
	query.Set("FID_INPUT_ISCD", symbol)

	resp, err := g.exec.Execute(ctx, &rest.Descriptor{
		Method: http.MethodGet,
		Path:   "/uapi/domestic-stock/v1/quotations/inquire-price",
		TRID:   trQuote,
		Query:  query,
	}, g.cfg.Retries)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errors.Newf(errors.ErrCodeBrokerRejected, "quote rejected: %s %s", resp.MsgCode, resp.Message).
			WithContext("symbol", symbol)
	}

	var out struct {
		Price  string `json:"stck_prpr"`
		Volume string `json:"acml_vol"`
	}
	if err := resp.DecodeOutput(&out); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "malformed quote payload")
	}

	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "unparseable quote price").
			WithContext("symbol", symbol).
			WithContext("price", out.Price)
	}
	volume, _ := strconv.ParseFloat(out.Volume, 64)

	return &Quote{Symbol: symbol, Price: price, Volume: volume, Time: time.Now()}, nil
}

func (g *restGateway) SendOrder(ctx context.Context, req OrderRequest) (*Order, error) {
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

	// Market orders use division 01, limit orders 00 with a price.
	division := "00"
	price := strconv.FormatFloat(req.Price, 'f', -1, 64)
	if req.Price == 0 {
		division = "01"
		price = "0"
	}

	resp, err := g.exec.Execute(ctx, &rest.Descriptor{
		Method: http.MethodPost,
		Path:   "/uapi/domestic-stock/v1/trading/order-cash",
		TRID:   g.orderTRID(req.Side),
		Body: map[string]string{
			"CANO":         g.cfg.AccountID,
			"PDNO":         req.Symbol,
			"ORD_DVSN":     division,
			"ORD_QTY":      strconv.FormatInt(req.Quantity, 10),
			"ORD_UNPR":     price,
			"ACNT_PRDT_CD": "01",
		},
	}, g.cfg.Retries)

	if err != nil {
		return g.failSubmission(order.LocalID, err)
	}
	if !resp.OK() {
		rejErr := errors.Newf(errors.ErrCodeBrokerRejected, "order rejected: %s %s", resp.MsgCode, resp.Message).
			WithContext("local_id", order.LocalID)
		return g.failSubmission(order.LocalID, rejErr)
	}

	var out struct {
		OrderNo string `json:"ODNO"`
	}
	if err := resp.DecodeOutput(&out); err != nil {
		return g.failSubmission(order.LocalID, errors.Wrap(err, errors.ErrCodeInternal, "malformed order acknowledgment"))
	}

	err = g.orders.update(order.LocalID, func(o *Order) error {
		o.BrokerOrderID = out.OrderNo
		return o.Transition(StateSent, "acknowledged by brokerage")
	})
	if err != nil {
		return nil, err
	}

	result, _ := g.orders.get(order.LocalID)
	g.metrics.RecordOrder("rest", string(result.State))
	g.log.WithFields(map[string]interface{}{
		"local_id":  result.LocalID,
		"broker_id": result.BrokerOrderID,
		"symbol":    result.Symbol,
		"side":      result.Side,
		"qty":       result.Quantity,
	}).Info("order sent")
	return &result, nil
}

// failSubmission records the failure on the order and returns the
// structured error. Broker rejections are a normal Rejected terminal
// state; everything else is an Error with the prior state preserved.
func (g *restGateway) failSubmission(localID string, cause error) (*Order, error) {
	target := StateError
	if errors.HasCode(cause, errors.ErrCodeBrokerRejected) {
		target = StateRejected
	}
	if err := g.orders.update(localID, func(o *Order) error {
		return o.Transition(target, cause.Error())
	}); err != nil {
		g.log.WithError(err).WithField("local_id", localID).Warn("failed to record order failure")
	}
	order, _ := g.orders.get(localID)
	g.metrics.RecordOrder("rest", string(order.State))
	return &order, cause
}

func (g *restGateway) orderTRID(side Side) string {
	if g.cfg.Simulated {
		if side == Buy {
			return trOrderBuySim
		}
		return trOrderSellSim
	}
	if side == Buy {
		return trOrderBuyLive
	}
	return trOrderSellLive
}

func (g *restGateway) CancelOrder(ctx context.Context, localID string) (bool, error) {
	order, ok := g.orders.get(localID)
	if !ok {
		return false, errors.Newf(errors.ErrCodeInvalid, "unknown order %s", localID)
	}
	if order.State != StateSent && order.State != StatePartiallyFilled {
		return false, errors.Newf(errors.ErrCodeInvalid, "order %s is %s, not cancellable", localID, order.State)
	}

	trID := trCancelLive
	if g.cfg.Simulated {
		trID = trCancelSim
	}

	resp, err := g.exec.Execute(ctx, &rest.Descriptor{
		Method: http.MethodPost,
		Path:   "/uapi/domestic-stock/v1/trading/order-rvsecncl",
		TRID:   trID,
		Body: map[string]string{
			"CANO":              g.cfg.AccountID,
			"ACNT_PRDT_CD":      "01",
			"ORGN_ODNO":         order.BrokerOrderID,
			"RVSE_CNCL_DVSN_CD": "02",
			"ORD_QTY":           "0", // 0 cancels the full remaining quantity
		},
	}, g.cfg.Retries)
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, errors.Newf(errors.ErrCodeBrokerRejected, "cancel rejected: %s %s", resp.MsgCode, resp.Message).
			WithContext("local_id", localID)
	}

	// Cancelled only on explicit acknowledgment, never by local expiry.
	if err := g.orders.update(localID, func(o *Order) error {
		return o.Transition(StateCancelled, "cancel acknowledged")
	}); err != nil {
		return false, err
	}
	g.metrics.RecordOrder("rest", string(StateCancelled))
	return true, nil
}

func (g *restGateway) GetOrderStatus(ctx context.Context, localID string) (*Order, error) {
	order, ok := g.orders.get(localID)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalid, "unknown order %s", localID)
	}
	return &order, nil
}
