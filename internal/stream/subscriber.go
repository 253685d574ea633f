package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"brokergate/internal/cache"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
)

// State is the connection state of the subscriber.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Streaming
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Tick is a single realtime price/volume update for one symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

// Listener receives ticks for a subscribed symbol. Listeners are called
// synchronously in arrival order per symbol; a panicking listener is
// isolated and logged, the dispatch loop continues.
type Listener func(Tick)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	symbol string
	id     uint64
}

// Symbol returns the subscribed symbol.
func (s *Subscription) Symbol() string { return s.symbol }

// ApprovalFunc supplies a fresh streaming approval key. Called once per
// connection attempt; keys are never reused across reconnects.
type ApprovalFunc func(ctx context.Context) (string, error)

// Config holds stream connection settings.
type Config struct {
	URL              string
	ConnectTimeout   time.Duration
	PingInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	TickTTL          time.Duration // last-tick cache lifetime
}

// Operation code for realtime price subscription.
const trIDTick = "H0STCNT0"

// Subscriber maintains the long-lived price stream: it multiplexes
// per-symbol tick delivery, reconnects with exponential backoff and
// re-issues every live subscription before new ticks flow.
type Subscriber struct {
	cfg      Config
	approval ApprovalFunc
	store    cache.Cacher
	log      *logging.Logger
	metrics  *monitoring.Metrics

	state atomic.Int32

	mu          sync.Mutex // guards subs, nextID, conn, approvalKey; never held across dispatch
	subs        map[string]map[uint64]Listener
	nextID      uint64
	conn        *websocket.Conn
	approvalKey string

	writeMu sync.Mutex // serializes websocket writes (frames + pings)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber creates a subscriber. The store is optional; when present
// the latest tick per symbol is cached for quote fast paths.
func NewSubscriber(cfg Config, approval ApprovalFunc, store cache.Cacher, log *logging.Logger, metrics *monitoring.Metrics) *Subscriber {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if cfg.TickTTL <= 0 {
		cfg.TickTTL = 5 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Subscriber{
		cfg:      cfg,
		approval: approval,
		store:    store,
		log:      log.WithField("component", "stream"),
		metrics:  metrics,
		subs:     make(map[string]map[uint64]Listener),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.SetStreamConnected(st == Streaming)
}

// Connect starts the connection loop. It returns immediately; the loop
// runs until Disconnect. Subscriptions made before Streaming is reached
// are queued and honored on the first successful connect.
func (s *Subscriber) Connect(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Disconnect terminates the stream. Idempotent: a second call is a no-op
// with no error and no duplicate cleanup.
func (s *Subscriber) Disconnect() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()
		s.setState(Disconnected)
		s.log.Info("stream disconnected by caller")
	})
	return nil
}

// Subscribe registers a listener for a symbol. Safe to call in any state;
// while disconnected the intent is queued. The subscription survives
// reconnects until explicitly unsubscribed.
func (s *Subscriber) Subscribe(symbol string, l Listener) *Subscription {
	s.mu.Lock()
	s.nextID++
	sub := &Subscription{symbol: symbol, id: s.nextID}

	first := false
	if _, ok := s.subs[symbol]; !ok {
		s.subs[symbol] = make(map[uint64]Listener)
		first = true
	}
	s.subs[symbol][sub.id] = l
	conn := s.conn
	s.mu.Unlock()

	// Only the first listener for a symbol needs a wire subscription.
	if first && conn != nil && s.State() >= Connected {
		if err := s.writeSubscribe(conn, "", symbol, true); err != nil {
			s.log.WithError(err).WithField("symbol", symbol).
				Warn("subscribe frame failed, will be re-issued on reconnect")
		}
	}
	return sub
}

// Unsubscribe removes a listener. The wire subscription is dropped when
// the last listener for the symbol is gone.
func (s *Subscriber) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	listeners, ok := s.subs[sub.symbol]
	if ok {
		delete(listeners, sub.id)
		if len(listeners) == 0 {
			delete(s.subs, sub.symbol)
		} else {
			ok = false
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if ok && conn != nil && s.State() >= Connected {
		if err := s.writeSubscribe(conn, "", sub.symbol, false); err != nil {
			s.log.WithError(err).WithField("symbol", sub.symbol).
				Warn("unsubscribe frame failed")
		}
	}
}

// run is the reconnect loop: Disconnected -> Connecting -> Connected ->
// Streaming, back to Connecting on error, terminal only via Disconnect.
func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.cfg.ReconnectInitial
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.setState(Disconnected)
			s.log.WithError(err).WithField("backoff", backoff.String()).
				Warn("stream connect failed")
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		s.setState(Connected)
		backoff = s.cfg.ReconnectInitial

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		// Disconnect may have raced the dial; it closes conns it can see,
		// so anything stored after its sweep is cleaned up here.
		select {
		case <-s.done:
			s.dropConn(conn)
			return
		default:
		}

		// Every live subscription is re-issued before the read loop
		// starts, so no tick is delivered ahead of a resubscription.
		if err := s.resubscribeAll(conn); err != nil {
			s.log.WithError(err).Warn("resubscription failed, reconnecting")
			s.dropConn(conn)
			continue
		}

		s.setState(Streaming)
		s.log.Info("stream connected")

		pingDone := make(chan struct{})
		go s.keepAlive(conn, pingDone)

		s.readLoop(conn)
		close(pingDone)
		s.dropConn(conn)

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.setState(Disconnected)
		s.log.WithField("backoff", backoff.String()).Warn("stream dropped, reconnecting")
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	key := ""
	if s.approval != nil {
		var err error
		key, err = s.approval(ctx)
		if err != nil {
			return nil, err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	// The approval key rides on each subscription frame rather than the
	// handshake.
	s.mu.Lock()
	s.approvalKey = key
	s.mu.Unlock()
	return conn, nil
}

func (s *Subscriber) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Subscriber) resubscribeAll(conn *websocket.Conn) error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.subs))
	for symbol := range s.subs {
		symbols = append(symbols, symbol)
	}
	key := s.approvalKey
	s.mu.Unlock()

	for _, symbol := range symbols {
		if err := s.writeSubscribe(conn, key, symbol, true); err != nil {
			return err
		}
	}
	if len(symbols) > 0 {
		s.log.WithField("count", len(symbols)).Info("resubscribed symbols")
	}
	return nil
}

// subscribeFrame is the wire format for (un)subscription requests.
type subscribeFrame struct {
	Header subscribeHeader `json:"header"`
	Body   subscribeBody   `json:"body"`
}

type subscribeHeader struct {
	ApprovalKey string `json:"approval_key,omitempty"`
	TrType      string `json:"tr_type"` // "1" subscribe, "2" unsubscribe
	ContentType string `json:"content-type"`
}

type subscribeBody struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

func (s *Subscriber) writeSubscribe(conn *websocket.Conn, key, symbol string, subscribe bool) error {
	if key == "" {
		s.mu.Lock()
		key = s.approvalKey
		s.mu.Unlock()
	}
	trType := "1"
	if !subscribe {
		trType = "2"
	}
	frame := subscribeFrame{
		Header: subscribeHeader{
			ApprovalKey: key,
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: subscribeBody{TrID: trIDTick, TrKey: symbol},
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// tickMessage is the wire format of a realtime update.
type tickMessage struct {
	TrID   string  `json:"tr_id"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Ts     int64   `json:"ts"` // unix milliseconds
}

func (s *Subscriber) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.WithError(err).Debug("ignoring unparseable stream message")
			continue
		}
		if msg.TrID != trIDTick || msg.Symbol == "" {
			continue
		}

		tick := Tick{
			Symbol: msg.Symbol,
			Price:  msg.Price,
			Volume: msg.Volume,
			Time:   time.UnixMilli(msg.Ts),
		}
		s.dispatch(tick, data)
	}
}

// dispatch delivers a tick to all listeners for its symbol, in arrival
// order. The subscription lock is released before listeners run so a
// listener may itself subscribe or unsubscribe.
func (s *Subscriber) dispatch(tick Tick, raw []byte) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.subs[tick.Symbol]))
	for _, l := range s.subs[tick.Symbol] {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	s.metrics.RecordTick(tick.Symbol)

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.store.SetLastTick(ctx, tick.Symbol, raw, s.cfg.TickTTL); err != nil {
			s.log.WithError(err).Debug("failed to cache last tick")
		}
		cancel()
	}

	for _, l := range listeners {
		s.safeDeliver(l, tick)
	}
}

// safeDeliver isolates a malfunctioning listener: a panic is logged and
// dispatch continues, the stream must never crash.
func (s *Subscriber) safeDeliver(l Listener, tick Tick) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("symbol", tick.Symbol).
				WithField("panic", r).
				Error("tick listener panicked, isolating")
		}
	}()
	l(tick)
}

func (s *Subscriber) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// sleep waits for d, aborting early on disconnect. Returns false when the
// subscriber should stop.
func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Subscriber) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > s.cfg.ReconnectMax {
		d = s.cfg.ReconnectMax
	}
	return d
}
