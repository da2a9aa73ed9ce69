package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/agentworkforce/offlineagent/internal/cachestore"
	"github.com/agentworkforce/offlineagent/internal/writequeue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// SyncRoute sends failed mutations under a path prefix to a drain tag.
type SyncRoute struct {
	Prefix string
	Tag    string
}

// ParseSyncRoutes reads "prefix=tag" pairs.
func ParseSyncRoutes(pairs []string) ([]SyncRoute, error) {
	routes := make([]SyncRoute, 0, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		prefix, tag, ok := strings.Cut(pair, "=")
		prefix, tag = strings.TrimSpace(prefix), strings.TrimSpace(tag)
		if !ok || prefix == "" || tag == "" {
			return nil, fmt.Errorf("%w: sync route %q must be prefix=tag", ErrInvalidInput, pair)
		}
		routes = append(routes, SyncRoute{Prefix: prefix, Tag: tag})
	}
	return routes, nil
}

type Options struct {
	Selector   *Selector
	Strategies map[Class]Strategy
	SyncRoutes []SyncRoute
	DefaultTag string
	// OfflinePath is resolved against the request origin to find the cached
	// offline document.
	OfflinePath string
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// Agent resolves intercepted requests: lifecycle gate, selector, strategy,
// and deferred writes for mutations that cannot reach the network.
type Agent struct {
	lifecycle   *Lifecycle
	store       *cachestore.Store
	fetcher     Fetcher
	queue       *writequeue.Queue
	selector    *Selector
	strategies  map[Class]Strategy
	syncRoutes  []SyncRoute
	defaultTag  string
	offlinePath string
	log         *zap.Logger
	tracer      trace.Tracer
}

func New(lifecycle *Lifecycle, store *cachestore.Store, fetcher Fetcher, queue *writequeue.Queue, opts Options) *Agent {
	selector := opts.Selector
	if selector == nil {
		selector = NewSelector(DefaultSelectorConfig())
	}
	strategies := DefaultStrategies()
	for class, s := range opts.Strategies {
		strategies[class] = s
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	offlinePath := strings.TrimSpace(opts.OfflinePath)
	if offlinePath == "" {
		offlinePath = "/offline/"
	}
	routes := append([]SyncRoute(nil), opts.SyncRoutes...)
	sort.SliceStable(routes, func(i, j int) bool { return len(routes[i].Prefix) > len(routes[j].Prefix) })
	defaultTag := strings.TrimSpace(opts.DefaultTag)
	if defaultTag == "" {
		defaultTag = "default-sync"
	}
	if queue != nil {
		queue.RegisterTag(defaultTag)
		for _, r := range routes {
			queue.RegisterTag(r.Tag)
		}
	}
	return &Agent{
		lifecycle:   lifecycle,
		store:       store,
		fetcher:     fetcher,
		queue:       queue,
		selector:    selector,
		strategies:  strategies,
		syncRoutes:  routes,
		defaultTag:  defaultTag,
		offlinePath: offlinePath,
		log:         logger,
		tracer:      tracer,
	}
}

func (a *Agent) Lifecycle() *Lifecycle {
	return a.lifecycle
}

// Handle starts resolving req and returns its task.
func (a *Agent) Handle(ctx context.Context, req Request) *Task {
	return startTask(ctx, func(ctx context.Context) (Response, error) {
		return a.resolve(ctx, req)
	})
}

func (a *Agent) resolve(ctx context.Context, req Request) (Response, error) {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() {
		return Response{}, fmt.Errorf("%w: request url %q", ErrInvalidInput, req.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Response{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	ctx, span := a.tracer.Start(ctx, "agent.resolve", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("url.full", u.Redacted()),
	))
	defer span.End()

	resp, strategy, err := a.dispatch(ctx, u, req)
	span.SetAttributes(attribute.String("edge.strategy", strategy))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unresolved")
		return Response{}, err
	}
	span.SetAttributes(
		attribute.String("edge.source", string(resp.Source)),
		attribute.Int("http.status_code", resp.Status),
	)
	return resp, nil
}

func (a *Agent) dispatch(ctx context.Context, u *url.URL, req Request) (Response, string, error) {
	if req.Method != http.MethodGet {
		resp, err := a.passthrough(ctx, u, req)
		return resp, "passthrough", err
	}
	gen, claimed := a.lifecycle.Acquire()
	if !claimed {
		resp, err := NetworkOnly{}.Resolve(ctx, Scope{Fetcher: a.fetcher}, req, cachestore.Key{})
		return resp, "unclaimed", err
	}
	key, err := cachestore.KeyFor(req.Method, req.URL)
	if err != nil {
		return Response{}, "", err
	}
	class, rule := a.selector.Classify(u, req)
	strategy, ok := a.strategies[class]
	if !ok {
		strategy = NetworkOnly{}
	}
	scope := Scope{
		Store:      a.store,
		Fetcher:    a.fetcher,
		Generation: gen,
		Lifecycle:  a.lifecycle,
		OfflineURL: (&url.URL{Scheme: u.Scheme, Host: u.Host}).ResolveReference(&url.URL{Path: a.offlinePath}).String(),
		Log:        a.log.With(zap.String("class", string(class)), zap.String("rule", rule)),
	}
	resp, err := strategy.Resolve(ctx, scope, req, key)
	return resp, strategy.Name(), err
}

// passthrough sends non-GET requests to the network. Mutations that fail
// for lack of connectivity are queued and answered with 202.
func (a *Agent) passthrough(ctx context.Context, u *url.URL, req Request) (Response, error) {
	resp, err := a.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, ErrNetworkUnavailable) || !isMutation(req.Method) || a.queue == nil {
		return Response{}, err
	}
	tag := a.tagFor(u.Path)
	op, qErr := a.queue.Enqueue(ctx, writequeue.PendingOperation{
		ID:          req.Header.Get("X-Operation-Id"),
		Tag:         tag,
		Endpoint:    req.URL,
		Method:      req.Method,
		Payload:     req.Body,
		ContentType: req.Header.Get("Content-Type"),
		Credential:  req.Header.Get("Authorization"),
	})
	if qErr != nil {
		a.log.Warn("mutation could not be queued", zap.String("url", u.Redacted()), zap.Error(qErr))
		return Response{}, fmt.Errorf("%w: %w", ErrUnavailable, qErr)
	}
	body, _ := json.Marshal(map[string]string{"status": "queued", "id": op.ID, "tag": op.Tag})
	return Response{
		Status: http.StatusAccepted,
		Header: http.Header{
			"Content-Type":   []string{"application/json"},
			"Cache-Control":  []string{"no-store"},
			"X-Operation-Id": []string{op.ID},
		},
		Body:   body,
		Source: SourceQueued,
	}, nil
}

func (a *Agent) tagFor(path string) string {
	for _, r := range a.syncRoutes {
		if strings.HasPrefix(path, r.Prefix) {
			return r.Tag
		}
	}
	return a.defaultTag
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
