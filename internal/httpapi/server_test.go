package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/offlineagent/internal/agent"
	"github.com/agentworkforce/offlineagent/internal/cachestore"
	"github.com/agentworkforce/offlineagent/internal/notify"
	"github.com/agentworkforce/offlineagent/internal/writequeue"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "test-secret"

type stubFetcher struct {
	mu     sync.Mutex
	routes map[string]string
}

func (f *stubFetcher) Fetch(_ context.Context, req agent.Request) (agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.routes[req.URL]
	if !ok {
		return agent.Response{Status: http.StatusNotFound, Header: http.Header{}, Source: agent.SourceNetwork}, nil
	}
	return agent.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body), Source: agent.SourceNetwork}, nil
}

type replayRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *replayRecorder) Replay(_ context.Context, op writequeue.PendingOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, op.ID)
	return nil
}

type testEnv struct {
	server     *Server
	lifecycle  *agent.Lifecycle
	queue      *writequeue.Queue
	hub        *Hub
	dispatcher *notify.Dispatcher
	replays    *replayRecorder
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	origin, _ := url.Parse("https://app.example")
	fetcher := &stubFetcher{routes: map[string]string{
		"https://app.example/static/app.js": "app",
		"https://app.example/offline/":      "offline",
	}}
	store := cachestore.NewStore(cachestore.NewMemoryBackend(), "memory", logger)
	lifecycle := agent.NewLifecycle(store, fetcher, agent.LifecycleOptions{Origin: origin, Logger: logger})
	replays := &replayRecorder{}
	queue := writequeue.New(writequeue.NewMemoryBackend(0), replays, writequeue.Options{
		Tags:   []string{"evaluation-sync"},
		Logger: logger,
	})
	hub := NewHub(lifecycle, logger)
	dispatcher, err := notify.New(hub, hub, notify.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	cfg.JWTSecret = testSecret
	cfg.Logger = logger
	server := NewServer(Deps{
		Lifecycle:  lifecycle,
		Queue:      queue,
		Dispatcher: dispatcher,
		Hub:        hub,
	}, cfg)
	return &testEnv{server: server, lifecycle: lifecycle, queue: queue, hub: hub, dispatcher: dispatcher, replays: replays}
}

type request struct {
	method  string
	path    string
	token   string
	body    any
	rawBody string
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch {
	case r.rawBody != "":
		bodyBytes = []byte(r.rawBody)
	case r.body != nil:
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.Header.Set("X-Correlation-Id", "corr_test")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"aud":    aud,
		"exp":    exp.Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func allScopesToken(t *testing.T) string {
	return mustTestJWT(t, testSecret, "operator", []string{
		"lifecycle:read", "lifecycle:write", "queue:read", "queue:write",
		"push:write", "notify:read", "notify:write", "clients:connect",
	}, tokenAudience, time.Now().Add(time.Hour))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestHealthIsPublicAndV1RequiresAuth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	if rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on health, got %d", rec.Code)
	}
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/lifecycle"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != "unauthorized" || body["correlationId"] != "corr_test" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestScopeAudienceAndExpiryEnforced(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	readOnly := mustTestJWT(t, testSecret, "reader", []string{"queue:read"}, tokenAudience, time.Now().Add(time.Hour))
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/push", token: readOnly})
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "push:write") {
		t.Fatalf("expected 403 missing push:write, got %d (%s)", rec.Code, rec.Body.String())
	}

	wrongAud := mustTestJWT(t, testSecret, "reader", []string{"queue:read"}, "someone-else", time.Now().Add(time.Hour))
	if rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/queue", token: wrongAud}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", rec.Code)
	}
	expired := mustTestJWT(t, testSecret, "reader", []string{"queue:read"}, tokenAudience, time.Now().Add(-time.Minute))
	if rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/queue", token: expired}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	forged := mustTestJWT(t, "other-secret", "reader", []string{"queue:read"}, tokenAudience, time.Now().Add(time.Hour))
	if rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/queue", token: forged}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestInstallActivateAndSkipWaitingMessage(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := allScopesToken(t)

	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/install", token: token, body: map[string]any{
		"generation": "v1",
		"urls":       []string{"/static/app.js", "/offline/"},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on install, got %d (%s)", rec.Code, rec.Body.String())
	}
	var gen agent.Generation
	decodeBody(t, rec, &gen)
	if gen.Tag != "v1" || gen.Phase != agent.PhaseActive {
		t.Fatalf("expected v1 active, got %+v", gen)
	}

	env.lifecycle.AttachClient()
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/install", token: token, body: map[string]any{
		"generation": "v2",
		"urls":       []string{"/static/app.js"},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on second install, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/activate", token: token})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while clients attached, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/messages", token: token, body: map[string]string{"type": MessageSkipWaiting}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on skip waiting, got %d (%s)", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &gen)
	if gen.Tag != "v2" {
		t.Fatalf("expected v2 active after skip waiting, got %+v", gen)
	}

	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/lifecycle", token: token})
	var status lifecycleResponse
	decodeBody(t, rec, &status)
	if status.Lifecycle.Active == nil || status.Lifecycle.Active.Tag != "v2" || status.Lifecycle.Clients != 1 {
		t.Fatalf("unexpected lifecycle status %+v", status.Lifecycle)
	}
}

func TestInstallFailureKeepsActiveGeneration(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := allScopesToken(t)
	doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/install", token: token, body: map[string]any{
		"generation": "v1",
		"urls":       []string{"/static/app.js"},
	}})
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/install", token: token, body: map[string]any{
		"generation": "v2",
		"urls":       []string{"/static/app.js", "/static/missing.js"},
	}})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on failed install, got %d (%s)", rec.Code, rec.Body.String())
	}
	if gen, ok := env.lifecycle.Acquire(); !ok || gen.Tag != "v1" {
		t.Fatalf("expected v1 to remain active, got %+v", gen)
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/install", token: token, body: map[string]any{"generation": "v3"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for manifest without urls, got %d", rec.Code)
	}
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/lifecycle/install", token: token})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without body or manifest loader, got %d", rec.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := allScopesToken(t)

	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/queue", token: token, body: map[string]any{
		"tag":    "evaluation-sync",
		"method": "POST",
	}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without endpoint, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/queue", token: token, body: map[string]any{
		"tag":      "evaluation-sync",
		"method":   "GET",
		"endpoint": "https://app.example/api/evaluations",
	}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for GET, got %d", rec.Code)
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/queue", token: token, body: map[string]any{
		"id":          "op_1",
		"tag":         "evaluation-sync",
		"method":      "POST",
		"endpoint":    "https://app.example/api/evaluations",
		"payload":     `{"score":5}`,
		"contentType": "application/json",
		"credential":  "Bearer secret-user-token",
	}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on enqueue, got %d (%s)", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-user-token") {
		t.Fatalf("credential must not be echoed: %s", rec.Body.String())
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/queue", token: token, body: map[string]any{
		"id":       "op_1",
		"tag":      "evaluation-sync",
		"method":   "POST",
		"endpoint": "https://app.example/api/evaluations",
	}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate id, got %d", rec.Code)
	}

	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/queue?tag=evaluation-sync", token: token})
	var listed struct {
		Items []queueItem `json:"items"`
		Depth int         `json:"depth"`
	}
	decodeBody(t, rec, &listed)
	if listed.Depth != 1 || len(listed.Items) != 1 || listed.Items[0].ID != "op_1" || listed.Items[0].PayloadBytes != len(`{"score":5}`) {
		t.Fatalf("unexpected queue listing %+v", listed)
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync/evaluation-sync", token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on sync, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result writequeue.DrainResult
	decodeBody(t, rec, &result)
	if result.Succeeded != 1 || result.Remaining != 0 {
		t.Fatalf("unexpected drain result %+v", result)
	}
	if len(env.replays.ids) != 1 || env.replays.ids[0] != "op_1" {
		t.Fatalf("expected op_1 replayed once, got %v", env.replays.ids)
	}

	if rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/sync/unknown-sync", token: token}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tag, got %d", rec.Code)
	}
	if rec := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/queue/op_missing", token: token}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 purging missing op, got %d", rec.Code)
	}
	if rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/queue/op_missing/requeue", token: token}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 requeueing missing op, got %d", rec.Code)
	}
}

func TestPushAndNotificationInteractions(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := allScopesToken(t)

	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/push", token: token, rawBody: `{"message":"Evaluation ready"}`})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on push, got %d (%s)", rec.Code, rec.Body.String())
	}
	var n notify.Notification
	decodeBody(t, rec, &n)
	if n.Descriptor.Body != "Evaluation ready" || n.State != notify.StateDisplayed {
		t.Fatalf("unexpected notification %+v", n)
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/push", token: token, rawBody: `not json`})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected malformed push to still display, got %d", rec.Code)
	}
	var fallback notify.Notification
	decodeBody(t, rec, &fallback)
	if fallback.Descriptor.Body != notify.DefaultDescriptor().Body {
		t.Fatalf("expected default body, got %q", fallback.Descriptor.Body)
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/notifications/" + fallback.ID + "/click", token: token, body: map[string]string{"action": "view"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on click, got %d (%s)", rec.Code, rec.Body.String())
	}
	if route := env.hub.PendingRoute(); route != "/notifications/" {
		t.Fatalf("expected navigation deferred to /notifications/, got %q", route)
	}

	rec = doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/notifications/" + fallback.ID + "/close", token: token})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 closing an activated notification, got %d", rec.Code)
	}
	if rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/notifications/missing/close", token: token}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing notification, got %d", rec.Code)
	}

	rec = doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/notifications", token: token})
	var listed struct {
		Items []notify.Notification `json:"items"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Items) != 2 {
		t.Fatalf("expected two notifications, got %d", len(listed.Items))
	}
}

func TestUnknownMessageRejected(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/messages", token: allScopesToken(t), body: map[string]string{"type": "RELOAD"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRateLimitPerSubject(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := allScopesToken(t)
	for i := 0; i < 2; i++ {
		if rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/notifications", token: token}); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/notifications", token: token})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
}

func TestClientWebsocketAttachesAndReceivesNotifications(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := allScopesToken(t)
	srv := httptest.NewServer(env.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/clients/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var hello hubFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil || hello.Type != "hello" || hello.ClientID == "" {
		t.Fatalf("expected hello frame, got %+v err=%v", hello, err)
	}
	if clients := env.lifecycle.Status().Clients; clients != 1 {
		t.Fatalf("expected one attached client, got %d", clients)
	}

	if _, err := env.dispatcher.Push(ctx, []byte(`{"message":"hi there"}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	var shown hubFrame
	if err := wsjson.Read(ctx, conn, &shown); err != nil {
		t.Fatalf("read show frame: %v", err)
	}
	if shown.Type != "notification.show" || shown.Notification == nil || shown.Notification.Descriptor.Body != "hi there" {
		t.Fatalf("unexpected frame %+v", shown)
	}

	if err := wsjson.Write(ctx, conn, ClientMessage{Type: MessageNotificationClick, RequestID: "r1", ID: shown.Notification.ID}); err != nil {
		t.Fatalf("write click: %v", err)
	}
	var closed, focus, ack hubFrame
	if err := wsjson.Read(ctx, conn, &closed); err != nil || closed.Type != "notification.close" || closed.ID != shown.Notification.ID {
		t.Fatalf("expected close frame, got %+v err=%v", closed, err)
	}
	if err := wsjson.Read(ctx, conn, &focus); err != nil || focus.Type != "focus" {
		t.Fatalf("expected focus frame, got %+v err=%v", focus, err)
	}
	if err := wsjson.Read(ctx, conn, &ack); err != nil || ack.Type != "ack" || ack.RequestID != "r1" {
		t.Fatalf("expected ack, got %+v err=%v", ack, err)
	}

	if err := wsjson.Write(ctx, conn, ClientMessage{Type: "bogus", RequestID: "r2"}); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	var errFrame hubFrame
	if err := wsjson.Read(ctx, conn, &errFrame); err != nil || errFrame.Type != "error" || errFrame.Code != "bad_request" {
		t.Fatalf("expected error frame, got %+v err=%v", errFrame, err)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for env.lifecycle.Status().Clients != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected client detached after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientWebsocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/clients/ws"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
