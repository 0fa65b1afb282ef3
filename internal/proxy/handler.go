// Package proxy is the accept layer: it authenticates an incoming realtime
// client against the datastore, upgrades to WebSocket and hands the
// connection to a per-session orchestrator.
package proxy

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rslive/gateway/internal/config"
	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/ipc"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/metrics"
	"github.com/rslive/gateway/internal/streaming"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves GET /v1/realtime.
type Handler struct {
	fabric       streaming.Fabric
	dialFor      func(model string) streaming.UpstreamDialer
	defaultModel string
	log          *logger.Logger
}

func NewHandler(fabric streaming.Fabric, cfg *config.Gateway, log *logger.Logger) *Handler {
	return &Handler{
		fabric:       fabric,
		defaultModel: cfg.UpstreamModel,
		dialFor: func(model string) streaming.UpstreamDialer {
			return streaming.NewWSDialer(cfg.UpstreamURL, model, cfg.OpenAIAPIKey, log)
		},
		log: log.WithComponent("proxy"),
	}
}

// RegisterRoutes mounts the realtime endpoint.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/realtime", h.Realtime)
}

// Realtime validates the key and session against the datastore, then
// upgrades and runs the client read pump. Validation happens before the
// upgrade so rejections are plain HTTP statuses.
func (h *Handler) Realtime(c *gin.Context) {
	key := c.Query("rs_key")
	sessionID := c.Query("rs_sessid")
	if key == "" || sessionID == "" {
		metrics.SessionsRejected.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "rs_key and rs_sessid are required"})
		return
	}
	model := c.Query("rs_api")
	if model == "" {
		model = h.defaultModel
	}

	fields, err := h.fabric.Request(c.Request.Context(), ipc.TypeValidateAndLoad, key, sessionID)
	if err != nil {
		status, reason := statusForError(err)
		metrics.IPCRequests.WithLabelValues(string(ipc.TypeValidateAndLoad), reason).Inc()
		metrics.SessionsRejected.WithLabelValues(reason).Inc()
		h.log.Warn("session rejected",
			slog.String("session_id", sessionID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": reason})
		return
	}
	metrics.IPCRequests.WithLabelValues(string(ipc.TypeValidateAndLoad), "ok").Inc()

	accountID, sessionData := fields[0], fields[1]
	credits, _ := strconv.ParseInt(fields[2], 10, 64)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	log := h.log.WithSession(accountID, sessionID)
	client := &wsClient{conn: conn}
	orch := streaming.NewOrchestrator(streaming.Params{
		AccountID:   accountID,
		SessionID:   sessionID,
		SessionData: sessionData,
		Credits:     credits,
		Client:      client,
		Dial:        h.dialFor(model),
		IPC:         h.fabric,
		Log:         h.log,
		OnFatal: func(err error) {
			log.Warn("session fatal", slog.String("error", err.Error()))
			client.closeWith(err)
		},
	})

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	log.Info("session accepted", slog.Int64("credits", credits),
		slog.Bool("preloaded", sessionData != ""))

	if err := orch.Connect(); err != nil {
		log.Error("upstream connect failed", slog.String("error", err.Error()))
		client.closeWith(faults.Wrap(faults.InternalError, err))
		conn.Close()
		return
	}
	defer func() {
		orch.Cleanup()
		conn.Close()
		log.Info("session closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := orch.Send(string(data)); err != nil {
			log.Warn("client frame rejected", slog.String("error", err.Error()))
			client.closeWith(err)
			return
		}
	}
}

func statusForError(err error) (status int, reason string) {
	switch faults.KindOf(err) {
	case faults.ExternalNoCredits:
		return http.StatusPaymentRequired, "no_credits"
	case faults.ExternalInvalidAuth:
		return http.StatusForbidden, "invalid_auth"
	case faults.InternalZMQNotConnected, faults.InternalZMQRequestTimeout, faults.InternalZMQDestroyed:
		return http.StatusServiceUnavailable, "datastore_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// wsClient serializes writes to the client socket: the orchestrator relays
// from the upstream read goroutine while close frames may come from the
// fatal path.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) Send(raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

// closeWith sends a close frame describing the failure and tears the socket
// down, unblocking the read pump.
func (c *wsClient) closeWith(err error) {
	code := websocket.CloseInternalServerErr
	switch faults.KindOf(err) {
	case faults.ExternalNoCredits, faults.ExternalBufferOverflow:
		code = websocket.ClosePolicyViolation
	}
	c.mu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, string(faults.KindOf(err))))
	c.mu.Unlock()
	c.conn.Close()
}
