package ipc

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/logger"
)

// HandlerFunc processes one decoded request. For request/response types the
// returned fields and error become the response frame; fields may accompany
// a business error. For oneway types both returns are ignored.
type HandlerFunc func(ctx context.Context, args []string) ([]string, error)

// Listener is the datastore side of the IPC fabric. Frames are pulled off the
// socket into a bounded lane and processed by a single worker, which keeps
// all store writes serialized.
type Listener struct {
	w        wire
	log      *logger.Logger
	handlers map[MessageType]HandlerFunc

	recvCh chan string
	done   chan struct{}
	closed atomic.Bool
}

// Listen binds the datastore socket.
func Listen(ctx context.Context, socketPath string, log *logger.Logger) (*Listener, error) {
	w, err := listenWire(ctx, socketPath)
	if err != nil {
		return nil, faults.Wrap(faults.InternalZMQNotConnected, err)
	}
	return newListener(w, log), nil
}

func newListener(w wire, log *logger.Logger) *Listener {
	return &Listener{
		w:        w,
		log:      log.WithComponent("ipc_listener"),
		handlers: make(map[MessageType]HandlerFunc),
		recvCh:   make(chan string, HighWaterMark),
		done:     make(chan struct{}),
	}
}

// Handle registers the handler for one message type. Must be called before
// Serve.
func (l *Listener) Handle(t MessageType, fn HandlerFunc) {
	l.handlers[t] = fn
}

// Serve pumps frames until ctx is cancelled or the socket closes.
func (l *Listener) Serve(ctx context.Context) error {
	go l.recvPump()

	for {
		select {
		case frame := <-l.recvCh:
			l.process(ctx, frame)
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		}
	}
}

// Close stops the listener and closes the socket. Idempotent.
func (l *Listener) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.done)
	if err := l.w.Close(); err != nil {
		l.log.Debug("socket close", slog.String("error", err.Error()))
	}
}

func (l *Listener) recvPump() {
	for {
		frame, err := l.w.Recv()
		if err != nil {
			if !l.closed.Load() {
				l.log.Error("recv failed", slog.String("error", err.Error()))
			}
			return
		}
		select {
		case l.recvCh <- frame:
		default:
			// Receive lane at the high-water mark; shed the frame.
			l.log.Warn("receive lane at high-water mark, dropping frame")
		}
	}
}

func (l *Listener) process(ctx context.Context, frame string) {
	corrID, spec, args, err := DecodeRequest(frame)
	if err != nil {
		l.log.Error("undecodable request frame", slog.String("error", err.Error()))
		if corrID != "" {
			l.reply(EncodeResponse(corrID, string(faults.InternalZMQDecodeFailed), nil))
		}
		return
	}

	fn, ok := l.handlers[spec.Type]
	if !ok {
		l.log.Error("no handler registered", slog.String("type", string(spec.Type)))
		if !spec.Oneway {
			l.reply(EncodeResponse(corrID, string(faults.InternalError), nil))
		}
		return
	}

	if spec.Oneway {
		// Fire-and-forget lane: no reply, failures log only.
		if _, err := fn(ctx, args); err != nil {
			l.log.Error("oneway handler failed",
				slog.String("type", string(spec.Type)),
				slog.String("error", err.Error()))
		}
		return
	}

	fields, err := fn(ctx, args)
	l.reply(EncodeResponse(corrID, faults.ToWire(err), fields))
}

func (l *Listener) reply(frame string) {
	if err := l.w.Send(frame); err != nil {
		l.log.Error("reply send failed", slog.String("error", err.Error()))
	}
}
