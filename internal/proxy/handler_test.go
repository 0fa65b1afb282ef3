package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rslive/gateway/internal/faults"
	"github.com/rslive/gateway/internal/ipc"
	"github.com/rslive/gateway/internal/logger"
	"github.com/rslive/gateway/internal/streaming"
)

type fakeFabric struct {
	mu     sync.Mutex
	fields []string
	err    error
	gotKey string
}

func (f *fakeFabric) Request(ctx context.Context, t ipc.MessageType, args ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t == ipc.TypeValidateAndLoad {
		f.gotKey = args[0]
	}
	return f.fields, f.err
}

func (f *fakeFabric) Notify(t ipc.MessageType, args ...string) {}

type fakeUpstream struct {
	mu      sync.Mutex
	handler streaming.UpstreamHandler
	sent    []string
}

func (f *fakeUpstream) Connect() error {
	go func() {
		f.mu.Lock()
		h := f.handler
		f.mu.Unlock()
		if h != nil {
			h.OnConnect()
		}
	}()
	return nil
}

func (f *fakeUpstream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
}

func (f *fakeUpstream) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload.(string))
	return nil
}

func (f *fakeUpstream) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestRouter(fabric *fakeFabric, up *fakeUpstream) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &Handler{
		fabric:       fabric,
		defaultModel: "gpt-realtime",
		dialFor: func(model string) streaming.UpstreamDialer {
			return func(handler streaming.UpstreamHandler) streaming.Upstream {
				up.mu.Lock()
				up.handler = handler
				up.mu.Unlock()
				return up
			}
		},
		log: logger.Discard(),
	}
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func TestRealtimeMissingParams(t *testing.T) {
	r := newTestRouter(&fakeFabric{}, &fakeUpstream{})

	for _, target := range []string{"/v1/realtime", "/v1/realtime?rs_key=k", "/v1/realtime?rs_sessid=s"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", target, w.Code)
		}
	}
}

func TestRealtimeStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"no credits", faults.New(faults.ExternalNoCredits, "NO_CREDITS"), http.StatusPaymentRequired},
		{"invalid auth", faults.New(faults.ExternalInvalidAuth, "INVALID_AUTH"), http.StatusForbidden},
		{"ipc timeout", faults.New(faults.InternalZMQRequestTimeout, "timeout"), http.StatusServiceUnavailable},
		{"ipc down", faults.New(faults.InternalZMQNotConnected, "down"), http.StatusServiceUnavailable},
		{"datastore internal", faults.New(faults.InternalError, "INTERNAL_ERROR"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&fakeFabric{err: tc.err}, &fakeUpstream{})
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/realtime?rs_key=k&rs_sessid=s", nil))
			if w.Code != tc.want {
				t.Errorf("status %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRealtimeRelaysBothDirections(t *testing.T) {
	fabric := &fakeFabric{fields: []string{"A1", "", "1000"}}
	up := &fakeUpstream{}
	srv := httptest.NewServer(newTestRouter(fabric, up))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime?rs_key=rslive_v1_k&rs_sessid=S1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	// The frame reaches the upstream whether it was buffered or forwarded.
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := up.sentFrames()
		if len(frames) == 1 && frames[0] == "hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upstream frames = %v", frames)
		}
		time.Sleep(time.Millisecond)
	}
	fabric.mu.Lock()
	gotKey := fabric.gotKey
	fabric.mu.Unlock()
	if gotKey != "rslive_v1_k" {
		t.Errorf("validated key = %q", gotKey)
	}

	// Upstream -> client.
	up.mu.Lock()
	h := up.handler
	up.mu.Unlock()
	h.OnMsgReceived(`{"type":"response.created"}`)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(data) != `{"type":"response.created"}` {
		t.Errorf("client got %q", data)
	}
}
