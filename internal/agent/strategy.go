package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/offlineagent/internal/cachestore"
	"go.uber.org/zap"
)

// Scope is everything a strategy may touch while resolving one request.
type Scope struct {
	Store      *cachestore.Store
	Fetcher    Fetcher
	Generation Generation
	// OfflineURL is the absolute URL of the cached offline document.
	OfflineURL string
	// Lifecycle, when set, lets writes detect that Generation was retired
	// while the request was in flight.
	Lifecycle *Lifecycle
	Log       *zap.Logger
}

type Strategy interface {
	Name() string
	Resolve(ctx context.Context, scope Scope, req Request, key cachestore.Key) (Response, error)
}

// CacheFirst answers from the static namespace and only goes to the network
// on a miss.
type CacheFirst struct{}

func (CacheFirst) Name() string { return "cache-first" }

func (CacheFirst) Resolve(ctx context.Context, scope Scope, req Request, key cachestore.Key) (Response, error) {
	entry, ok, err := scope.Store.Match(ctx, scope.Generation.Static, key)
	if err != nil {
		scope.Log.Warn("static cache lookup failed", zap.String("url", key.URL), zap.Error(err))
	}
	if ok {
		return responseFromEntry(entry, SourceCache), nil
	}
	resp, err := scope.Fetcher.Fetch(ctx, req)
	if err != nil {
		if errors.Is(err, ErrResponseTooLarge) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, key.URL, err)
	}
	// Error statuses are returned but never pinned in the static namespace.
	if resp.Status >= 200 && resp.Status <= 299 {
		storeCopy(ctx, scope, scope.Generation.Static, key, resp)
	}
	return resp, nil
}

// NetworkFirst tries the network and falls back to the dynamic then static
// namespace. Every delivered response, error statuses included, is written
// through to the dynamic namespace. With Placeholder set, a miss yields the
// offline document.
type NetworkFirst struct {
	Placeholder bool
}

func (s NetworkFirst) Name() string {
	if s.Placeholder {
		return "network-first-placeholder"
	}
	return "network-first"
}

func (s NetworkFirst) Resolve(ctx context.Context, scope Scope, req Request, key cachestore.Key) (Response, error) {
	resp, fetchErr := scope.Fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		storeCopy(ctx, scope, scope.Generation.Dynamic, key, resp)
		return resp, nil
	}
	if !errors.Is(fetchErr, ErrNetworkUnavailable) {
		return Response{}, fetchErr
	}
	entry, _, ok, err := scope.Store.MatchFirst(ctx, key, scope.Generation.Dynamic, scope.Generation.Static)
	if err != nil {
		scope.Log.Warn("fallback cache lookup failed", zap.String("url", key.URL), zap.Error(err))
	}
	if ok {
		return responseFromEntry(entry, SourceCache), nil
	}
	if s.Placeholder {
		return offlinePlaceholder(ctx, scope), nil
	}
	return Response{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, key.URL, fetchErr)
}

// NetworkOnly passes the request through untouched.
type NetworkOnly struct{}

func (NetworkOnly) Name() string { return "network-only" }

func (NetworkOnly) Resolve(ctx context.Context, scope Scope, req Request, _ cachestore.Key) (Response, error) {
	return scope.Fetcher.Fetch(ctx, req)
}

// DefaultStrategies maps each class to its strategy.
func DefaultStrategies() map[Class]Strategy {
	return map[Class]Strategy{
		ClassStatic:     CacheFirst{},
		ClassAPI:        NetworkFirst{},
		ClassNavigation: NetworkFirst{Placeholder: true},
		ClassOther:      NetworkOnly{},
	}
}

// storeCopy writes resp to namespace, replacing any earlier entry. Write
// failures never change the response. A namespace recreated after its
// generation was retired is evicted again.
func storeCopy(ctx context.Context, scope Scope, namespace string, key cachestore.Key, resp Response) {
	err := scope.Store.Put(ctx, namespace, cachestore.Entry{
		Method: key.Method,
		URL:    key.URL,
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	})
	if err != nil {
		scope.Log.Warn("cache write failed", zap.String("namespace", namespace), zap.String("url", key.URL), zap.Error(err))
		return
	}
	if scope.Lifecycle != nil && scope.Lifecycle.Retired(scope.Generation) {
		if _, err := scope.Store.Delete(ctx, namespace); err != nil {
			scope.Log.Warn("evict retired namespace failed", zap.String("namespace", namespace), zap.Error(err))
		}
	}
}

func responseFromEntry(entry cachestore.Entry, source Source) Response {
	return Response{
		Status: entry.Status,
		Header: entry.Header.Clone(),
		Body:   entry.Body,
		Source: source,
	}
}

const placeholderHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not available without a connection. It will load again once the network is back.</p>
</main>
</body>
</html>
`

func offlinePlaceholder(ctx context.Context, scope Scope) Response {
	if scope.OfflineURL != "" {
		if key, err := cachestore.KeyFor(http.MethodGet, scope.OfflineURL); err == nil {
			entry, ok, err := scope.Store.Match(ctx, scope.Generation.Static, key)
			if err != nil {
				scope.Log.Warn("offline document lookup failed", zap.Error(err))
			}
			if ok {
				return responseFromEntry(entry, SourcePlaceholder)
			}
		}
	}
	return Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":       []string{"text/html; charset=utf-8"},
			"Cache-Control":      []string{"no-store"},
			"X-Edge-Unavailable": []string{"1"},
		},
		Body:   []byte(placeholderHTML),
		Source: SourcePlaceholder,
	}
}

// UnavailableResponse is the synthetic answer for requests that could be
// served neither from the network nor from a cache.
func UnavailableResponse() Response {
	return Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":       []string{"text/plain; charset=utf-8"},
			"Cache-Control":      []string{"no-store"},
			"X-Edge-Unavailable": []string{"1"},
		},
		Body:   []byte("Offline"),
		Source: SourceSynthetic,
	}
}
