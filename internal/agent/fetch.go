package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnsupportedScheme   = errors.New("unsupported url scheme")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrUnavailable         = errors.New("unavailable")
	ErrInstallationFailed  = errors.New("installation failed")
	ErrClientsAttached     = errors.New("host clients are still attached")
	ErrNoWaitingGeneration = errors.New("no waiting generation")
	ErrResponseTooLarge    = errors.New("response body exceeds limit")
)

type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourcePlaceholder Source = "placeholder"
	SourceQueued      Source = "queued"
	SourceSynthetic   Source = "synthetic"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r Request) accepts(mediaType string) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, mediaType) {
			return true
		}
	}
	return false
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Fetcher performs one network round trip. Transport failures are reported
// as ErrNetworkUnavailable; any delivered response, whatever its status, is
// a success.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

type HTTPFetcher struct {
	httpClient   *http.Client
	maxBodyBytes int64
}

func NewHTTPFetcher(httpClient *http.Client, maxBodyBytes int64) *HTTPFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 32 << 20
	}
	return &HTTPFetcher{httpClient: httpClient, maxBodyBytes: maxBodyBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrNetworkUnavailable, err)
	}
	if int64(len(payload)) > f.maxBodyBytes {
		return Response{}, fmt.Errorf("%w: %s over %d bytes", ErrResponseTooLarge, req.URL, f.maxBodyBytes)
	}
	return Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   payload,
		Source: SourceNetwork,
	}, nil
}
