package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/offlineagent/internal/cachestore"
	"github.com/agentworkforce/offlineagent/internal/manifest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActive     Phase = "active"
	PhaseRedundant  Phase = "redundant"
)

const (
	logicalStatic  = "static"
	logicalDynamic = "dynamic"
)

type Generation struct {
	Tag         string    `json:"tag"`
	Static      string    `json:"static"`
	Dynamic     string    `json:"dynamic"`
	Phase       Phase     `json:"phase"`
	URLs        []string  `json:"urls"`
	InstalledAt time.Time `json:"installedAt"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// InstallError reports the pre-population fetch or cache write that aborted
// an install. Status is set when the upstream answered with a non-2xx code.
type InstallError struct {
	Generation string
	URL        string
	Status     int
	Err        error
}

func (e *InstallError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("install %s: %s returned http %d", e.Generation, e.URL, e.Status)
	case e.URL != "":
		return fmt.Sprintf("install %s: %s: %v", e.Generation, e.URL, e.Err)
	default:
		return fmt.Sprintf("install %s: %v", e.Generation, e.Err)
	}
}

func (e *InstallError) Is(target error) bool {
	return target == ErrInstallationFailed
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

type LifecycleStatus struct {
	Active  *Generation `json:"active,omitempty"`
	Waiting *Generation `json:"waiting,omitempty"`
	Clients int         `json:"clients"`
	Claimed bool        `json:"claimed"`
}

type LifecycleOptions struct {
	// Prefix is the first segment of every namespace name.
	Prefix string
	// Origin resolves relative manifest URLs.
	Origin      *url.URL
	Concurrency int
	Logger      *zap.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
}

// Lifecycle owns the generation state machine. Installs are serialized and
// all-or-nothing; the active generation only changes on activation.
type Lifecycle struct {
	store       *cachestore.Store
	fetcher     Fetcher
	prefix      string
	origin      *url.URL
	concurrency int
	log         *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	installMu sync.Mutex

	mu      sync.RWMutex
	active  *Generation
	waiting *Generation
	clients int
	claimed bool
}

func NewLifecycle(store *cachestore.Store, fetcher Fetcher, opts LifecycleOptions) *Lifecycle {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "edge"
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Lifecycle{
		store:       store,
		fetcher:     fetcher,
		prefix:      prefix,
		origin:      opts.Origin,
		concurrency: concurrency,
		log:         logger,
		tracer:      tracer,
		now:         now,
	}
}

func (l *Lifecycle) NamespaceFor(logical, generation string) string {
	return l.prefix + "-" + logical + "-" + generation
}

// Install pre-populates the static namespace of m.Generation. Every URL
// must answer 2xx before anything is published; on failure the active
// generation is untouched. The new generation activates at once when
// nothing is active yet or no host clients are attached.
func (l *Lifecycle) Install(ctx context.Context, m manifest.Manifest) (Generation, error) {
	m = m.Normalize()
	if err := m.Validate(); err != nil {
		return Generation{}, &InstallError{Generation: m.Generation, Err: err}
	}
	ctx, span := l.tracer.Start(ctx, "lifecycle.install", trace.WithAttributes(
		attribute.String("generation", m.Generation),
		attribute.Int("urls", len(m.URLs)),
	))
	defer span.End()

	l.installMu.Lock()
	defer l.installMu.Unlock()

	l.mu.RLock()
	if l.active != nil && l.active.Tag == m.Generation {
		gen := *l.active
		l.mu.RUnlock()
		return gen, nil
	}
	if l.waiting != nil && l.waiting.Tag == m.Generation {
		gen := *l.waiting
		l.mu.RUnlock()
		return gen, nil
	}
	l.mu.RUnlock()

	gen := Generation{
		Tag:     m.Generation,
		Static:  l.NamespaceFor(logicalStatic, m.Generation),
		Dynamic: l.NamespaceFor(logicalDynamic, m.Generation),
		Phase:   PhaseInstalling,
		URLs:    append([]string(nil), m.URLs...),
	}
	l.log.Info("installing generation", zap.String("generation", gen.Tag), zap.Int("urls", len(gen.URLs)))

	entries, err := l.prefetch(ctx, gen)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prefetch failed")
		l.log.Warn("install aborted, active generation unchanged", zap.String("generation", gen.Tag), zap.Error(err))
		return Generation{}, err
	}
	if err := l.store.PutAll(ctx, gen.Static, entries); err != nil {
		installErr := &InstallError{Generation: gen.Tag, Err: err}
		span.RecordError(installErr)
		span.SetStatus(codes.Error, "publish failed")
		return Generation{}, installErr
	}
	if err := l.store.Open(ctx, gen.Dynamic); err != nil {
		return Generation{}, &InstallError{Generation: gen.Tag, Err: err}
	}
	gen.Phase = PhaseInstalled
	gen.InstalledAt = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiting != nil {
		l.log.Info("waiting generation replaced", zap.String("generation", l.waiting.Tag), zap.String("by", gen.Tag))
	}
	l.waiting = &gen
	l.log.Info("generation installed", zap.String("generation", gen.Tag), zap.Int("entries", len(entries)))
	if l.active == nil || l.clients == 0 {
		return l.activateLocked(ctx), nil
	}
	return gen, nil
}

func (l *Lifecycle) prefetch(ctx context.Context, gen Generation) ([]cachestore.Entry, error) {
	entries := make([]cachestore.Entry, len(gen.URLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, raw := range gen.URLs {
		g.Go(func() error {
			target, err := l.resolve(raw)
			if err != nil {
				return &InstallError{Generation: gen.Tag, URL: raw, Err: err}
			}
			resp, err := l.fetcher.Fetch(gctx, Request{
				Method: http.MethodGet,
				URL:    target,
				Header: http.Header{"Accept": []string{"*/*"}},
			})
			if err != nil {
				return &InstallError{Generation: gen.Tag, URL: target, Err: err}
			}
			if resp.Status < 200 || resp.Status > 299 {
				return &InstallError{Generation: gen.Tag, URL: target, Status: resp.Status}
			}
			entries[i] = cachestore.Entry{
				Method: http.MethodGet,
				URL:    target,
				Status: resp.Status,
				Header: resp.Header,
				Body:   resp.Body,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Lifecycle) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if l.origin == nil {
		return "", fmt.Errorf("%w: relative url %q without an origin", ErrInvalidInput, raw)
	}
	return l.origin.ResolveReference(ref).String(), nil
}

// Activate promotes the waiting generation. It is refused while host
// clients are attached; SkipWaiting overrides that.
func (l *Lifecycle) Activate(ctx context.Context) (Generation, error) {
	l.installMu.Lock()
	defer l.installMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiting == nil {
		return Generation{}, ErrNoWaitingGeneration
	}
	if l.clients > 0 {
		return Generation{}, fmt.Errorf("%w: %d attached", ErrClientsAttached, l.clients)
	}
	return l.activateLocked(ctx), nil
}

// SkipWaiting activates the waiting generation regardless of attached
// clients. Without a waiting generation it returns the active one.
func (l *Lifecycle) SkipWaiting(ctx context.Context) (Generation, error) {
	l.installMu.Lock()
	defer l.installMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiting == nil {
		if l.active == nil {
			return Generation{}, ErrNoWaitingGeneration
		}
		return *l.active, nil
	}
	l.log.Info("skip waiting requested", zap.String("generation", l.waiting.Tag), zap.Int("clients", l.clients))
	return l.activateLocked(ctx), nil
}

// activateLocked requires installMu and mu to be held.
func (l *Lifecycle) activateLocked(ctx context.Context) Generation {
	next := l.waiting
	l.waiting = nil
	if l.active != nil {
		l.active.Phase = PhaseRedundant
		l.log.Info("generation retired", zap.String("generation", l.active.Tag))
	}
	next.Phase = PhaseActive
	next.ActivatedAt = l.now()
	l.active = next
	l.claimed = true
	l.evictStale(ctx, next)
	l.log.Info("generation activated", zap.String("generation", next.Tag))
	return *next
}

// evictStale deletes every namespace other than the active pair. Failures
// are logged and retried on the next activation.
func (l *Lifecycle) evictStale(ctx context.Context, gen *Generation) {
	names, err := l.store.Namespaces(ctx)
	if err != nil {
		l.log.Warn("list namespaces for eviction failed", zap.Error(err))
		return
	}
	for _, name := range names {
		if name == gen.Static || name == gen.Dynamic {
			continue
		}
		if _, err := l.store.Delete(ctx, name); err != nil {
			l.log.Warn("evict stale namespace failed", zap.String("namespace", name), zap.Error(err))
		}
	}
}

// Acquire returns the generation that serves requests. ok is false until
// the first activation claims requests.
func (l *Lifecycle) Acquire() (Generation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.claimed || l.active == nil {
		return Generation{}, false
	}
	return *l.active, true
}

// Retired reports whether gen has been replaced by a newer active
// generation.
func (l *Lifecycle) Retired(gen Generation) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active != nil && l.active.Tag != gen.Tag
}

func (l *Lifecycle) AttachClient() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients++
	return l.clients
}

// DetachClient releases a host client. When the last one leaves, a waiting
// generation is activated.
func (l *Lifecycle) DetachClient(ctx context.Context) (int, error) {
	l.mu.Lock()
	if l.clients > 0 {
		l.clients--
	}
	remaining := l.clients
	pending := l.waiting != nil
	l.mu.Unlock()
	if remaining > 0 || !pending {
		return remaining, nil
	}
	if _, err := l.Activate(ctx); err != nil && !isBenignActivateErr(err) {
		return remaining, err
	}
	return remaining, nil
}

func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status := LifecycleStatus{Clients: l.clients, Claimed: l.claimed}
	if l.active != nil {
		gen := *l.active
		status.Active = &gen
	}
	if l.waiting != nil {
		gen := *l.waiting
		status.Waiting = &gen
	}
	return status
}

func isBenignActivateErr(err error) bool {
	return errors.Is(err, ErrNoWaitingGeneration) || errors.Is(err, ErrClientsAttached)
}
