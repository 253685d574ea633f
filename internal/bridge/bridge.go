package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/errors"
	"brokergate/internal/logging"
	"brokergate/internal/monitoring"
)

// Control is the vendor control surface: named operations dispatched
// fire-and-forget, results delivered later as callback events. Dispatch
// returns the control's synchronous status code; zero means accepted.
// The control is single threaded: every Dispatch must originate from one
// execution context, which the bridge owns.
type Control interface {
	Dispatch(operation string, args map[string]string) int
}

// Event is a callback from the vendor control. The control supplies no
// correlation token beyond the operation name, so matching an event to
// the call that triggered it is the bridge's job.
type Event struct {
	Operation string
	Code      string
	Message   string
	Payload   map[string]string
}

// Rejected reports whether the event carries a vendor failure code.
func (e Event) Rejected() bool {
	return e.Code != "" && e.Code != "0"
}

// Config holds bridge timing parameters.
type Config struct {
	InvokeTimeout time.Duration // max wait for the matching callback
	QueueDepth    int
}

// Bridge turns the control's fire-and-forget calls into awaitable ones.
// A single run loop is the control's execution context; it dispatches
// one call at a time and holds it as the sole pending call until the
// matching event arrives or the timeout elapses, so two calls of the
// same operation never have interleaved callbacks.
type Bridge struct {
	control Control
	cfg     Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	// OnEvent receives events not matched to a pending call, such as
	// realtime order fills. Set before Start.
	OnEvent func(Event)

	requests chan *call
	events   chan Event

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type call struct {
	id        string
	operation string
	args      map[string]string
	ctx       context.Context
	result    chan outcome
}

type outcome struct {
	event Event
	err   error
}

// New creates a bridge around the given control.
func New(control Control, cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *Bridge {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Bridge{
		control:  control,
		cfg:      cfg,
		log:      log.WithField("component", "bridge"),
		metrics:  metrics,
		requests: make(chan *call, cfg.QueueDepth),
		events:   make(chan Event, cfg.QueueDepth),
		done:     make(chan struct{}),
	}
}

// Start launches the run loop. Must be called once before Invoke.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.run()
}

// Close stops the run loop and fails every queued and in-flight call
// with Cancelled. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.drain()
	})
	return nil
}

// Invoke dispatches an operation on the control and waits for its
// matching callback. Calls are served strictly one at a time in
// submission order: a second call does not dispatch until the first's
// pending slot resolves.
func (b *Bridge) Invoke(ctx context.Context, operation string, args map[string]string) (Event, error) {
	c := &call{
		id:        uuid.NewString(),
		operation: operation,
		args:      args,
		ctx:       ctx,
		result:    make(chan outcome, 1),
	}

	select {
	case b.requests <- c:
	case <-b.done:
		return Event{}, errors.New(errors.ErrCodeCancelled, "bridge closed").
			WithContext("operation", operation)
	case <-ctx.Done():
		return Event{}, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "bridge call abandoned before dispatch").
			WithContext("operation", operation)
	}

	select {
	case out := <-c.result:
		return out.event, out.err
	case <-ctx.Done():
		// The run loop notices the dead context and releases the slot on
		// its own; the caller does not need to wait for it.
		return Event{}, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "bridge call abandoned").
			WithContext("operation", operation).
			WithContext("correlation_id", c.id)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case ev := <-b.events:
			b.unsolicited(ev)
		case c := <-b.requests:
			b.serve(c)
		}
	}
}

// serve owns the single pending-call slot for the duration of one call.
func (b *Bridge) serve(c *call) {
	if err := c.ctx.Err(); err != nil {
		c.result <- outcome{err: errors.Wrap(err, errors.ErrCodeCancelled, "bridge call abandoned while queued")}
		return
	}

	log := b.log.WithField("operation", c.operation).WithField("correlation_id", c.id)

	if code := b.control.Dispatch(c.operation, c.args); code != 0 {
		b.metrics.RecordBridgeCall(c.operation, "rejected")
		log.WithField("code", code).Warn("control rejected dispatch")
		c.result <- outcome{err: errors.Newf(errors.ErrCodeBridgeRejected, "control rejected %s with code %d", c.operation, code).
			WithContext("correlation_id", c.id)}
		return
	}

	timer := time.NewTimer(b.cfg.InvokeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-b.done:
			c.result <- outcome{err: errors.New(errors.ErrCodeCancelled, "bridge closed while call pending").
				WithContext("operation", c.operation)}
			return

		case <-c.ctx.Done():
			b.metrics.RecordBridgeCall(c.operation, "cancelled")
			log.Info("pending call abandoned by caller, releasing slot")
			return

		case <-timer.C:
			b.metrics.RecordBridgeCall(c.operation, "timeout")
			log.WithField("timeout", b.cfg.InvokeTimeout.String()).Warn("no callback within window")
			c.result <- outcome{err: errors.Newf(errors.ErrCodeBridgeTimeout, "no callback for %s within %s", c.operation, b.cfg.InvokeTimeout).
				WithContext("correlation_id", c.id)}
			return

		case ev := <-b.events:
			if ev.Operation != c.operation {
				// Realtime events keep flowing while a call is pending.
				b.unsolicited(ev)
				continue
			}
			if ev.Rejected() {
				b.metrics.RecordBridgeCall(c.operation, "rejected")
				c.result <- outcome{event: ev, err: errors.Newf(errors.ErrCodeBridgeRejected, "control reported failure %s: %s", ev.Code, ev.Message).
					WithContext("correlation_id", c.id)}
				return
			}
			b.metrics.RecordBridgeCall(c.operation, "ok")
			c.result <- outcome{event: ev}
			return
		}
	}
}

// Deliver feeds a callback event into the bridge. Called by the vendor
// control's callback handlers; safe from any goroutine.
func (b *Bridge) Deliver(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Bridge) unsolicited(ev Event) {
	if b.OnEvent != nil {
		b.OnEvent(ev)
		return
	}
	b.log.WithField("operation", ev.Operation).Debug("dropping unsolicited control event")
}

// drain fails every call still queued after the run loop stopped.
func (b *Bridge) drain() {
	for {
		select {
		case c := <-b.requests:
			c.result <- outcome{err: errors.New(errors.ErrCodeCancelled, "bridge closed").
				WithContext("operation", c.operation)}
		default:
			return
		}
	}
}
