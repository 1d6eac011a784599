package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cargoline/opsdash/internal/feed"
	"github.com/cargoline/opsdash/internal/logger"
	"github.com/cargoline/opsdash/internal/notifications"
	"github.com/cargoline/opsdash/internal/session"
)

var log *logger.Logger

func TestMain(m *testing.M) {
	flag.Parse()
	gin.SetMode(gin.TestMode)

	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	os.Exit(m.Run())
}

type fakeService struct {
	mu          sync.Mutex
	snapshot    feed.Snapshot
	active      bool
	refreshErr  error
	markErr     error
	marked      []string
	credentials []string
	listeners   map[int]func(feed.Snapshot)
	nextID      int
}

func newFakeService() *fakeService {
	return &fakeService{
		active: true,
		snapshot: feed.Snapshot{
			Notifications: []notifications.Notification{{ID: "n1", Type: "BATCH_SENT", CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}},
			UnreadCount:   1,
			Connected:     true,
		},
		listeners: make(map[int]func(feed.Snapshot)),
	}
}

func (f *fakeService) Snapshot() feed.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeService) Refresh(ctx context.Context) error { return f.refreshErr }

func (f *fakeService) MarkAsRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return f.markErr
}

func (f *fakeService) SetCredential(ctx context.Context, credential string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credentials = append(f.credentials, credential)
	f.active = credential != ""
}

func (f *fakeService) Subscribe(fn func(feed.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeService) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeService) publish(snapshot feed.Snapshot) {
	f.mu.Lock()
	f.snapshot = snapshot
	listeners := make([]func(feed.Snapshot), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (f *fakeService) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSnapshotEndpoint(t *testing.T) {
	srv := New(newFakeService(), Options{}, log)

	rec := do(t, srv, http.MethodGet, "/api/notifications", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on responses")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["unreadCount"].(float64) != 1 || body["connected"] != true {
		t.Errorf("unexpected snapshot body %s", rec.Body.String())
	}
	if _, ok := body["lastReceivedAt"]; !ok {
		t.Error("expected lastReceivedAt key in snapshot")
	}
}

func TestHealthz(t *testing.T) {
	rec := do(t, New(newFakeService(), Options{}, log), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshEndpoint(t *testing.T) {
	svc := newFakeService()
	srv := New(svc, Options{}, log)

	if rec := do(t, srv, http.MethodPost, "/api/notifications/refresh", ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	svc.refreshErr = &notifications.HTTPError{StatusCode: http.StatusInternalServerError}
	rec := do(t, srv, http.MethodPost, "/api/notifications/refresh", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"upstream_status":500`) {
		t.Errorf("expected upstream status in details, got %s", rec.Body.String())
	}

	svc.refreshErr = &notifications.HTTPError{StatusCode: http.StatusUnauthorized}
	if rec := do(t, srv, http.MethodPost, "/api/notifications/refresh", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a rejected credential, got %d", rec.Code)
	}

	svc.refreshErr = session.ErrNoSession
	if rec := do(t, srv, http.MethodPost, "/api/notifications/refresh", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a session, got %d", rec.Code)
	}
}

func TestMarkAsReadEndpoint(t *testing.T) {
	svc := newFakeService()
	srv := New(svc, Options{}, log)

	rec := do(t, srv, http.MethodPatch, "/api/notifications/n1/read", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get(ResyncedHeader) != "" {
		t.Errorf("expected plain 204, got %d %v", rec.Code, rec.Header())
	}

	svc.markErr = errors.New("upstream 503")
	rec = do(t, srv, http.MethodPatch, "/api/notifications/n1/read", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get(ResyncedHeader) != "true" {
		t.Errorf("expected 204 with resync header, got %d %v", rec.Code, rec.Header())
	}

	rec = do(t, srv, http.MethodPatch, "/api/notifications/%20/read", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank id, got %d", rec.Code)
	}

	if len(svc.marked) != 2 {
		t.Errorf("expected two mark calls, got %v", svc.marked)
	}
}

func TestCredentialEndpoints(t *testing.T) {
	svc := newFakeService()
	srv := New(svc, Options{}, log)

	if rec := do(t, srv, http.MethodPut, "/api/session/credential", `{"credential":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank credential, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPut, "/api/session/credential", `{nope`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPut, "/api/session/credential", `{"credential":"tok-1"}`); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodDelete, "/api/session/credential", ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	if len(svc.credentials) != 2 || svc.credentials[0] != "tok-1" || svc.credentials[1] != "" {
		t.Errorf("unexpected credential calls %q", svc.credentials)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := New(newFakeService(), Options{AllowedOrigins: []string{"http://localhost:5173"}}, log)

	req := httptest.NewRequest(http.MethodOptions, "/api/notifications/n1/read", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("expected allowed origin to be echoed, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, New(newFakeService(), Options{}, log), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "opsdash_push_connected") {
		t.Errorf("expected opsdash metrics in exposition, got %d", rec.Code)
	}
}

func TestStreamSendsSnapshots(t *testing.T) {
	svc := newFakeService()
	srv := New(svc, Options{StreamPingInterval: time.Second}, log)

	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/notifications/stream", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read initial snapshot: %v", err)
	}
	if msg.Type != StreamMessageSnapshot || len(msg.Data.Notifications) != 1 {
		t.Fatalf("unexpected initial message %+v", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	svc.publish(feed.Snapshot{Notifications: []notifications.Notification{}, UnreadCount: 0})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read update: %v", err)
	}
	if len(msg.Data.Notifications) != 0 || msg.Data.Connected {
		t.Errorf("unexpected update %+v", msg.Data)
	}

	_ = srv.Shutdown(context.Background())
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected stream to close on shutdown")
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	srv := New(newFakeService(), Options{AllowedOrigins: []string{"http://localhost:5173"}}, log)

	server := httptest.NewServer(srv.Handler())
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/notifications/stream", header)
	if err == nil {
		t.Fatal("expected upgrade to be rejected")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}
