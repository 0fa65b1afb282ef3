package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rslive/gateway/internal/logger"
)

// UpstreamHandler receives the connection events of one upstream connection.
type UpstreamHandler interface {
	OnConnect()
	OnError(err error)
	OnClose(code int, reason string)
	OnMsgReceived(raw string)
}

// Upstream is an outbound streaming connection to the provider.
type Upstream interface {
	Connect() error
	Disconnect()
	Send(payload any) error
}

// UpstreamDialer builds a connection bound to a handler. The orchestrator
// calls it once per (re)connect.
type UpstreamDialer func(h UpstreamHandler) Upstream

// WSUpstream is the production Upstream over a WebSocket. The handler
// reference is the whole disconnect protocol: Disconnect nulls it before
// closing the socket, so callbacks from an explicit disconnect become no-ops
// while an unexpected close still reaches the handler.
type WSUpstream struct {
	url   string
	token string
	log   *logger.Logger

	mu      sync.Mutex
	handler UpstreamHandler
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSDialer returns an UpstreamDialer for the provider realtime endpoint.
func NewWSDialer(baseURL, model, token string, log *logger.Logger) UpstreamDialer {
	u := baseURL + "?model=" + url.QueryEscape(model)
	return func(h UpstreamHandler) Upstream {
		return &WSUpstream{
			url:     u,
			token:   token,
			log:     log.WithComponent("upstream"),
			handler: h,
		}
	}
}

// Connect dials the upstream. OnConnect is delivered from the read goroutine,
// never from inside Connect, so a caller holding its own lock can connect
// safely.
func (u *WSUpstream) Connect() error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.token)

	conn, resp, err := websocket.DefaultDialer.Dial(u.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("upstream dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("upstream dial: %w", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	go u.readLoop(conn)
	return nil
}

// Send forwards a payload as one text frame. Strings pass through unchanged,
// anything else is JSON-encoded.
func (u *WSUpstream) Send(payload any) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("upstream not connected")
	}

	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return fmt.Errorf("encode upstream payload: %w", err)
		}
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect nulls the handler, then closes the socket. Idempotent.
func (u *WSUpstream) Disconnect() {
	u.mu.Lock()
	u.handler = nil
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn == nil {
		return
	}
	u.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	u.writeMu.Unlock()
	conn.Close()
}

func (u *WSUpstream) currentHandler() UpstreamHandler {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handler
}

func (u *WSUpstream) readLoop(conn *websocket.Conn) {
	if h := u.currentHandler(); h != nil {
		h.OnConnect()
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h := u.currentHandler()
			if h == nil {
				// Explicit disconnect already ran.
				return
			}
			if ce, ok := err.(*websocket.CloseError); ok {
				h.OnClose(ce.Code, ce.Text)
			} else {
				h.OnError(err)
				h.OnClose(websocket.CloseAbnormalClosure, err.Error())
			}
			return
		}
		if h := u.currentHandler(); h != nil {
			h.OnMsgReceived(string(data))
		}
	}
}
