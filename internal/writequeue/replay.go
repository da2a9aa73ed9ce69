package writequeue

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

var ErrReplayFailed = errors.New("replay failed")

// ReplayError reports a replay that did not reach a 2xx response. StatusCode
// is zero when the transport failed.
type ReplayError struct {
	OperationID string
	StatusCode  int
	Message     string
	Err         error
}

func (e *ReplayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("replay %s: http %d: %s", e.OperationID, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("replay %s: %v", e.OperationID, e.Err)
	}
	return fmt.Sprintf("replay %s failed", e.OperationID)
}

func (e *ReplayError) Is(target error) bool {
	return target == ErrReplayFailed
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// HTTPReplayer sends the operation exactly once with its original method,
// payload and credential snapshot.
type HTTPReplayer struct {
	httpClient *http.Client
}

func NewHTTPReplayer(httpClient *http.Client) *HTTPReplayer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPReplayer{httpClient: httpClient}
}

func (r *HTTPReplayer) Replay(ctx context.Context, op PendingOperation) error {
	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, op.Endpoint, body)
	if err != nil {
		return &ReplayError{OperationID: op.ID, Err: err}
	}
	if op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}
	if op.Credential != "" {
		req.Header.Set("Authorization", op.Credential)
	}
	req.Header.Set("X-Operation-Id", op.ID)
	req.Header.Set("X-Replay-Attempt", fmt.Sprintf("%d", op.RetryCount+1))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &ReplayError{OperationID: op.ID, Err: err}
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &ReplayError{
		OperationID: op.ID,
		StatusCode:  resp.StatusCode,
		Message:     strings.TrimSpace(string(payload)),
	}
}
