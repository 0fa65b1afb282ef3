package streaming

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/ipc"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/metrics"
)

// State is the orchestrator lifecycle phase.
type State int

const (
	StatePreconnect State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateTerminated
)

// bufferCapacity bounds the pre-connect message buffer. Overflow is fatal to
// the session.
const bufferCapacity = 10000

// creditRefreshEvery is the completion-event cadence of the background
// credits re-read.
const creditRefreshEvery = 50

const sessionUpdatedMarker = `"type":"session.updated"`

// ClientSender delivers frames to the connected client.
type ClientSender interface {
	Send(raw string) error
}

// Requester is the request/response IPC lane. *ipc.Broker satisfies it.
type Requester interface {
	Request(ctx context.Context, t ipc.MessageType, args ...string) ([]string, error)
}

// Fabric is the full IPC surface the orchestrator needs.
type Fabric interface {
	Requester
	Notifier
}

// Params carries the construction inputs of one Orchestrator.
type Params struct {
	AccountID   string
	SessionID   string
	SessionData string
	Credits     int64
	Client      ClientSender
	Dial        UpstreamDialer
	IPC         Fabric
	Log         *logger.Logger

	// OnFatal reports an error that must terminate the session. Invoked on a
	// fresh goroutine; the accept layer closes the client in response.
	OnFatal func(error)
}

// Orchestrator is the per-session state machine between one client stream
// and one upstream connection. A single mutex serializes every transition
// and buffer mutation; callbacks arrive from the upstream read goroutine,
// sends from the client pump.
type Orchestrator struct {
	accountID   string
	sessionID   string
	sessionData string
	client      ClientSender
	dial        UpstreamDialer
	ipc         Fabric
	log         *logger.Logger
	onFatal     func(error)

	usage      *UsageBatcher
	checkpoint *TranscriptCheckpointer

	mu                  sync.Mutex
	state               State
	upstream            Upstream
	buffer              []string
	credits             int64
	skipSessionSave     bool
	responseCount       int
	creditCheckInFlight bool
}

func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{
		accountID:   p.AccountID,
		sessionID:   p.SessionID,
		sessionData: p.SessionData,
		client:      p.Client,
		dial:        p.Dial,
		ipc:         p.IPC,
		log:         p.Log.WithComponent("orchestrator").WithSession(p.AccountID, p.SessionID),
		onFatal:     p.OnFatal,
		usage:       NewUsageBatcher(p.AccountID, p.SessionID, p.IPC),
		checkpoint:  NewTranscriptCheckpointer(p.AccountID, p.SessionID, p.IPC),
		state:       StatePreconnect,
		credits:     p.Credits,
		// The first session.updated echo after replaying a preloaded session
		// must not be re-persisted.
		skipSessionSave: p.SessionData != "",
	}
}

// Connect dials the upstream. Preconnect -> Connecting.
func (o *Orchestrator) Connect() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connectLocked()
}

func (o *Orchestrator) connectLocked() error {
	if o.upstream != nil {
		// Drop the old handler before the new connection exists, otherwise a
		// late close callback from the old socket would race the reconnect.
		o.upstream.Disconnect()
	}
	o.state = StateConnecting
	o.upstream = o.dial(o)
	return o.upstream.Connect()
}

// Send forwards one client frame upstream, buffering while not yet
// Connected. The credit check never blocks this path.
func (o *Orchestrator) Send(clientMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateTerminated || o.state == StateDraining {
		return faults.New(faults.InternalError, "session terminated")
	}
	if o.state != StateConnected {
		if len(o.buffer) >= bufferCapacity {
			return faults.Newf(faults.ExternalBufferOverflow, "message buffer full (%d)", bufferCapacity)
		}
		o.buffer = append(o.buffer, clientMsg)
		return nil
	}

	o.scheduleCreditRefreshLocked()
	if o.credits <= 0 {
		o.upstream.Disconnect()
		return faults.New(faults.ExternalNoCredits, "credits exhausted")
	}

	metrics.FramesRelayed.WithLabelValues("client_to_upstream").Inc()
	return o.upstream.Send(clientMsg)
}

// Cleanup flushes both handlers, disconnects the upstream and clears the
// buffer. Called by the accept layer on client close or error. Idempotent.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleanupLocked()
}

func (o *Orchestrator) cleanupLocked() {
	if o.state == StateTerminated {
		return
	}
	o.state = StateDraining
	o.usage.Flush()
	o.checkpoint.Flush()
	if o.upstream != nil {
		o.upstream.Disconnect()
	}
	o.buffer = nil
	o.state = StateTerminated
}

// OnConnect marks the session Connected, replays the preloaded session data
// and drains the buffer in FIFO order.
func (o *Orchestrator) OnConnect() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = StateConnected
	if o.sessionData != "" {
		if err := o.upstream.Send(o.sessionData); err != nil {
			o.log.Error("session replay failed", slog.String("error", err.Error()))
		}
	}
	for _, msg := range o.buffer {
		if err := o.upstream.Send(msg); err != nil {
			o.log.Error("buffer drain failed", slog.String("error", err.Error()))
			break
		}
		metrics.FramesRelayed.WithLabelValues("client_to_upstream").Inc()
	}
	o.buffer = nil
}

// OnMsgReceived relays one upstream frame. Forwarding to the client comes
// first; accounting, persistence and checkpointing follow and never delay it.
func (o *Orchestrator) OnMsgReceived(raw string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.client.Send(raw); err != nil {
		o.log.Info("client send failed, cleaning up", slog.String("error", err.Error()))
		o.cleanupLocked()
		return
	}
	metrics.FramesRelayed.WithLabelValues("upstream_to_client").Inc()

	if in, out, ok := o.usage.Ingest(raw); ok {
		o.credits -= in + out
		o.responseCount++
		metrics.TokensAccounted.WithLabelValues("input").Add(float64(in))
		metrics.TokensAccounted.WithLabelValues("output").Add(float64(out))
		if o.credits <= 0 {
			o.upstream.Disconnect()
			o.fatalLocked(faults.New(faults.ExternalNoCredits, "credits exhausted mid-stream"))
			return
		}
	}

	o.saveSessionIfNeededLocked(raw)
	o.checkpoint.Ingest(raw)
}

// OnError logs the upstream error. The connection is not considered closed;
// a close, if coming, arrives separately.
func (o *Orchestrator) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.Error("upstream error", slog.String("error", err.Error()))
	o.skipSessionSave = false
}

// OnClose handles an unexpected upstream close. Explicit disconnects null
// the handler first, so reaching here always means reconnect with the
// preloaded session, skipping persistence of its first session.updated echo.
func (o *Orchestrator) OnClose(code int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateTerminated || o.state == StateDraining {
		return
	}
	o.log.Warn("upstream closed unexpectedly",
		slog.Int("code", code), slog.String("reason", reason))
	metrics.UpstreamReconnects.Inc()

	o.skipSessionSave = true
	if err := o.connectLocked(); err != nil {
		o.log.Error("reconnect failed", slog.String("error", err.Error()))
		o.fatalLocked(faults.Wrap(faults.InternalError, err))
	}
}

// Credits returns the local credit balance.
func (o *Orchestrator) Credits() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.credits
}

func (o *Orchestrator) saveSessionIfNeededLocked(raw string) {
	if !strings.Contains(raw, sessionUpdatedMarker) {
		return
	}
	if o.skipSessionSave {
		o.skipSessionSave = false
		return
	}
	o.ipc.Notify(ipc.TypeSaveSession, o.accountID, o.sessionID, raw)
}

// scheduleCreditRefreshLocked launches a background GET_CREDITS once per 50
// completion events, deduplicated by the in-flight flag. The send path never
// waits on it.
func (o *Orchestrator) scheduleCreditRefreshLocked() {
	if o.creditCheckInFlight || o.responseCount < creditRefreshEvery {
		return
	}
	o.creditCheckInFlight = true
	go func() {
		fields, err := o.ipc.Request(context.Background(), ipc.TypeGetCredits, o.accountID)

		o.mu.Lock()
		defer o.mu.Unlock()
		o.creditCheckInFlight = false
		if err != nil {
			o.log.Warn("credit refresh failed", slog.String("error", err.Error()))
			return
		}
		credits, perr := strconv.ParseInt(fields[0], 10, 64)
		if perr != nil {
			o.log.Error("credit refresh returned junk", slog.String("credits", fields[0]))
			return
		}
		o.credits = credits
		o.responseCount = 0
	}()
}

func (o *Orchestrator) fatalLocked(err error) {
	if o.onFatal == nil {
		return
	}
	// Fresh goroutine: the callback may call back into Cleanup.
	go o.onFatal(err)
}
