package pushfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/offlineagent/internal/notify"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []string
	got      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) Push(_ context.Context, payload []byte) (notify.Notification, error) {
	s.mu.Lock()
	s.payloads = append(s.payloads, string(payload))
	s.mu.Unlock()
	s.got <- struct{}{}
	return notify.Notification{ID: "n"}, nil
}

func (s *recordingSink) Payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
}

func TestNewRejectsNonWebsocketURL(t *testing.T) {
	if _, err := New("http://example.com/feed", newRecordingSink(), Options{}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL, got %v", err)
	}
}

func TestSubscriberDeliversPayloadsWithBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"message":"first"}`))
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"message":"second"}`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	sink := newRecordingSink()
	sub, err := New(wsURL(srv), sink, Options{Token: "feed-token", Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	waitFor(t, sink.got, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	payloads := sink.Payloads()
	if len(payloads) != 2 || payloads[0] != `{"message":"first"}` || payloads[1] != `{"message":"second"}` {
		t.Fatalf("unexpected payloads %v", payloads)
	}
	if auth, _ := gotAuth.Load().(string); auth != "Bearer feed-token" {
		t.Fatalf("expected bearer token on dial, got %q", auth)
	}
	if sub.Received() != 2 {
		t.Fatalf("expected received count 2, got %d", sub.Received())
	}
}

func TestSubscriberReconnectsAfterServerClose(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"message":"before"}`))
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer conn.CloseNow()
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"message":"after"}`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	sink := newRecordingSink()
	sub, err := New(wsURL(srv), sink, Options{
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	waitFor(t, sink.got, 2)
	cancel()
	<-done
	if dials.Load() < 2 {
		t.Fatalf("expected a redial, got %d dials", dials.Load())
	}
	payloads := sink.Payloads()
	if payloads[len(payloads)-1] != `{"message":"after"}` {
		t.Fatalf("expected payload from second session, got %v", payloads)
	}
}
