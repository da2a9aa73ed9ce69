// Package pushfeed subscribes to the push-delivery channel over a websocket
// and hands every message to the notification dispatcher.
package pushfeed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/offlineagent/internal/notify"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrInvalidURL = errors.New("push feed url must be ws:// or wss://")

// Sink receives raw push payloads.
type Sink interface {
	Push(ctx context.Context, payload []byte) (notify.Notification, error)
}

type Options struct {
	// Token is sent as a bearer credential on every dial.
	Token           string
	MaxPayloadBytes int64
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	Logger          *zap.Logger
}

type Subscriber struct {
	url        string
	header     http.Header
	sink       Sink
	readLimit  int64
	initial    time.Duration
	maxBackoff time.Duration
	log        *zap.Logger

	connected atomic.Bool
	received  atomic.Int64
}

func New(rawURL string, sink Sink, opts Options) (*Subscriber, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "ws://") && !strings.HasPrefix(rawURL, "wss://") {
		return nil, ErrInvalidURL
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	readLimit := opts.MaxPayloadBytes
	if readLimit <= 0 {
		readLimit = 64 << 10
	}
	initial := opts.BackoffInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxBackoff := opts.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		url:        rawURL,
		header:     header,
		sink:       sink,
		readLimit:  readLimit,
		initial:    initial,
		maxBackoff: maxBackoff,
		log:        logger,
	}, nil
}

// Run keeps a subscription open until ctx is done, redialing with
// exponential backoff after every failure.
func (s *Subscriber) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.maxBackoff
	b.Reset()
	for {
		err := s.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		s.log.Warn("push feed disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context, b *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit)
	s.connected.Store(true)
	defer s.connected.Store(false)
	b.Reset()
	s.log.Info("push feed connected", zap.String("url", s.url))

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			}
			return err
		}
		s.received.Add(1)
		n, err := s.sink.Push(ctx, payload)
		if err != nil {
			s.log.Warn("push delivery failed", zap.Error(err))
			continue
		}
		s.log.Debug("push delivered", zap.String("notification", n.ID), zap.String("tag", n.Descriptor.Tag))
	}
}

func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Received counts messages read since start.
func (s *Subscriber) Received() int64 {
	return s.received.Load()
}
