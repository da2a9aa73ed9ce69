package agent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type ProxyConfig struct {
	// Upstream resolves origin-form request targets. Absolute-form targets
	// are used as-is.
	Upstream     *url.URL
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Proxy is the interception point: every request through it is handed to
// the agent as a Task and answered from the task's outcome.
type Proxy struct {
	agent        *Agent
	upstream     *url.URL
	maxBodyBytes int64
	log          *zap.Logger
}

func NewProxy(agent *Agent, cfg ProxyConfig) *Proxy {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{agent: agent, upstream: cfg.Upstream, maxBodyBytes: maxBody, log: logger}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	target, ok := p.target(r)
	if !ok {
		writeProxyError(w, http.StatusBadRequest, "bad_request", "request target is not absolute and no upstream is configured", correlationID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, p.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeProxyError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return
		}
		writeProxyError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return
	}

	header := r.Header.Clone()
	stripHopByHop(header)
	header.Set("X-Correlation-Id", correlationID)

	task := p.agent.Handle(r.Context(), Request{
		Method: r.Method,
		URL:    target,
		Header: header,
		Body:   body,
	})
	resp, err := task.Await(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedScheme), errors.Is(err, ErrInvalidInput):
			writeProxyError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		case errors.Is(err, ErrResponseTooLarge):
			writeProxyError(w, http.StatusBadGateway, "upstream_too_large", "upstream response exceeds configured limit", correlationID)
			return
		case r.Context().Err() != nil:
			return
		}
		p.log.Debug("request unresolved",
			zap.String("method", r.Method),
			zap.String("url", target),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		resp = UnavailableResponse()
	}
	writeResponse(w, resp, correlationID)
}

func (p *Proxy) target(r *http.Request) (string, bool) {
	if r.URL.IsAbs() {
		return r.URL.String(), true
	}
	if p.upstream == nil {
		return "", false
	}
	ref := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return p.upstream.ResolveReference(ref).String(), true
}

func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func writeResponse(w http.ResponseWriter, resp Response, correlationID string) {
	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	stripHopByHop(header)
	header.Del("Content-Length")
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	header.Set("X-Edge-Source", string(resp.Source))
	header.Set("X-Correlation-Id", correlationID)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func writeProxyError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-Id", correlationID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
