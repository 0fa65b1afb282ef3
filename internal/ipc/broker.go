package ipc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/logger"
)

// HighWaterMark bounds both the outbound send lane and the datastore-side
// receive lane. Over-the-limit fire-and-forget sends are dropped; over-the-
// limit requests fail.
const HighWaterMark = 1000

// DefaultRequestTimeout applies when the broker is built with a zero timeout.
const DefaultRequestTimeout = 5 * time.Second

type result struct {
	fields []string
	err    error
}

// pendingRequest is one outstanding request keyed by correlation id.
type pendingRequest struct {
	spec  Spec
	ch    chan result
	timer *time.Timer
}

// Broker is the gateway side of the IPC fabric. One instance serves every
// session in the process: requests are matched to responses out of order via
// the correlation-id table, fire-and-forget sends share a bounded FIFO lane.
type Broker struct {
	w       wire
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest

	sendCh chan string
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Dial connects to the datastore socket and starts the broker loops.
func Dial(ctx context.Context, socketPath string, timeout time.Duration, log *logger.Logger) (*Broker, error) {
	w, err := dialWire(ctx, socketPath)
	if err != nil {
		return nil, faults.Wrap(faults.InternalZMQNotConnected, err)
	}
	return newBroker(w, timeout, log), nil
}

func newBroker(w wire, timeout time.Duration, log *logger.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	b := &Broker{
		w:       w,
		log:     log.WithComponent("ipc_broker"),
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
		sendCh:  make(chan string, HighWaterMark),
		done:    make(chan struct{}),
	}
	b.wg.Add(2)
	go b.sendLoop()
	go b.recvLoop()
	return b
}

// Request sends a request frame and blocks until the matching response,
// the per-request timeout, ctx cancellation, or Close.
func (b *Broker) Request(ctx context.Context, t MessageType, args ...string) ([]string, error) {
	if b.closed.Load() {
		return nil, faults.New(faults.InternalZMQDestroyed, "broker destroyed")
	}
	spec, ok := Schema[t]
	if !ok || spec.Oneway {
		return nil, faults.Newf(faults.InternalZMQDecodeFailed, "%s is not a request/response type", t)
	}

	corrID := uuid.NewString()
	frame, err := EncodeRequest(corrID, t, args)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		spec: spec,
		ch:   make(chan result, 1),
	}
	// Register before the send completes so a fast response cannot race the
	// table insert.
	p.timer = time.AfterFunc(b.timeout, func() {
		b.fail(corrID, faults.Newf(faults.InternalZMQRequestTimeout, "%s timed out after %s", t, b.timeout))
	})
	b.mu.Lock()
	b.pending[corrID] = p
	b.mu.Unlock()

	select {
	case b.sendCh <- frame:
	default:
		b.remove(corrID)
		return nil, faults.Newf(faults.InternalZMQNotConnected, "send queue full (%d)", HighWaterMark)
	}

	select {
	case res := <-p.ch:
		return res.fields, res.err
	case <-ctx.Done():
		b.remove(corrID)
		return nil, faults.Wrap(faults.InternalError, ctx.Err())
	}
}

// Notify sends a fire-and-forget frame. It never blocks and never fails the
// caller: when the broker is closed or the lane is at the high-water mark the
// frame is dropped with a log line.
func (b *Broker) Notify(t MessageType, args ...string) {
	if b.closed.Load() {
		b.log.Warn("transport not connected, dropping oneway send", slog.String("type", string(t)))
		return
	}
	frame, err := EncodeRequest(uuid.NewString(), t, args)
	if err != nil {
		b.log.Error("failed to encode oneway frame", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	select {
	case b.sendCh <- frame:
	default:
		b.log.Warn("send lane at high-water mark, dropping oneway send", slog.String("type", string(t)))
	}
}

// Close rejects every pending request with INTERNAL_ZMQ_DESTROYED, cancels
// their timers and closes the socket. Idempotent.
func (b *Broker) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for id, p := range b.pending {
		p.timer.Stop()
		p.ch <- result{err: faults.New(faults.InternalZMQDestroyed, "broker destroyed")}
		delete(b.pending, id)
	}
	b.mu.Unlock()

	close(b.done)
	if err := b.w.Close(); err != nil {
		b.log.Debug("socket close", slog.String("error", err.Error()))
	}
	b.wg.Wait()
}

func (b *Broker) sendLoop() {
	defer b.wg.Done()
	for {
		select {
		case frame := <-b.sendCh:
			if err := b.w.Send(frame); err != nil {
				b.log.Error("send failed", slog.String("error", err.Error()))
			}
		case <-b.done:
			return
		}
	}
}

func (b *Broker) recvLoop() {
	defer b.wg.Done()
	for {
		frame, err := b.w.Recv()
		if err != nil {
			if b.closed.Load() {
				return
			}
			select {
			case <-b.done:
				return
			default:
			}
			b.log.Error("recv failed", slog.String("error", err.Error()))
			return
		}
		b.dispatch(frame)
	}
}

// dispatch demultiplexes one response frame by leading correlation id.
func (b *Broker) dispatch(frame string) {
	corrID, tail, err := PeelCorrelationID(frame)
	if err != nil {
		b.log.Error("undecodable response frame", slog.String("error", err.Error()))
		return
	}
	p := b.take(corrID)
	if p == nil {
		// Late response after timeout, or a peer bug.
		b.log.Warn("no pending request for response",
			slog.String("kind", string(faults.InternalZMQNoPendingRequest)),
			slog.String("correlation_id", corrID))
		return
	}
	p.timer.Stop()

	wireErr, fields, derr := DecodeResponseTail(tail, p.spec)
	switch {
	case derr != nil:
		p.ch <- result{err: derr}
	case wireErr != "":
		p.ch <- result{fields: fields, err: faults.New(faults.FromWire(wireErr), wireErr)}
	default:
		p.ch <- result{fields: fields}
	}
}

// take removes and returns the pending record for corrID, if any.
func (b *Broker) take(corrID string) *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[corrID]
	if !ok {
		return nil
	}
	delete(b.pending, corrID)
	return p
}

func (b *Broker) remove(corrID string) {
	if p := b.take(corrID); p != nil {
		p.timer.Stop()
	}
}

func (b *Broker) fail(corrID string, err error) {
	if p := b.take(corrID); p != nil {
		p.ch <- result{err: err}
	}
}
