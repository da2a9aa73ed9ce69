package writequeue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrNotImplemented     = errors.New("not implemented")
	ErrUnknownTag         = errors.New("unknown sync tag")
	ErrDuplicateOperation = errors.New("duplicate operation id")
	ErrQueueFull          = errors.New("write queue is full")
	ErrStorage            = errors.New("queue storage failure")
)

const (
	StatePending      = "pending"
	StateDeadLettered = "dead_lettered"

	defaultCapacity = 10000
)

// PendingOperation is one mutating request captured while the upstream was
// unreachable. Payload and Credential are snapshots taken at enqueue time.
type PendingOperation struct {
	ID            string     `json:"id" bson:"_id"`
	Tag           string     `json:"tag" bson:"tag"`
	Endpoint      string     `json:"endpoint" bson:"endpoint"`
	Method        string     `json:"method" bson:"method"`
	Payload       []byte     `json:"payload,omitempty" bson:"payload,omitempty"`
	ContentType   string     `json:"contentType,omitempty" bson:"content_type,omitempty"`
	Credential    string     `json:"credential,omitempty" bson:"credential,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" bson:"created_at"`
	RetryCount    int        `json:"retryCount" bson:"retry_count"`
	LastError     string     `json:"lastError,omitempty" bson:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty" bson:"next_attempt_at,omitempty"`
	State         string     `json:"state" bson:"state"`
}

// Backend persists operations. List returns operations in enqueue order;
// an empty tag lists every tag.
type Backend interface {
	Append(ctx context.Context, op PendingOperation) error
	List(ctx context.Context, tag string) ([]PendingOperation, error)
	Get(ctx context.Context, id string) (PendingOperation, bool, error)
	Update(ctx context.Context, op PendingOperation) error
	Remove(ctx context.Context, id string) (bool, error)
	Depth(ctx context.Context) (int, error)
	Capacity() int
	Close() error
}

// Replayer sends a queued operation to its original endpoint.
type Replayer interface {
	Replay(ctx context.Context, op PendingOperation) error
}

type ReplayerFunc func(ctx context.Context, op PendingOperation) error

func (f ReplayerFunc) Replay(ctx context.Context, op PendingOperation) error {
	return f(ctx, op)
}

type Options struct {
	Tags []string
	// MaxAttempts dead-letters an operation after that many failed replays.
	// Zero keeps failing operations queued indefinitely.
	MaxAttempts int
	// BackoffInitial delays the next attempt after a failure. Zero retries
	// on every drain.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

type DrainResult struct {
	Tag          string `json:"tag"`
	Attempted    int    `json:"attempted"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	DeadLettered int    `json:"deadLettered"`
	Deferred     int    `json:"deferred"`
	Remaining    int    `json:"remaining"`
}

type Queue struct {
	backend  Backend
	replayer Replayer
	log      *zap.Logger
	now      func() time.Time

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration

	tagsMu sync.RWMutex
	tags   map[string]*sync.Mutex
}

func New(backend Backend, replayer Replayer, opts Options) *Queue {
	if backend == nil {
		backend = NewMemoryBackend(0)
	}
	if replayer == nil {
		replayer = NewHTTPReplayer(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	backoffMax := opts.BackoffMax
	if opts.BackoffInitial > 0 && backoffMax < opts.BackoffInitial {
		backoffMax = 32 * opts.BackoffInitial
	}
	q := &Queue{
		backend:        backend,
		replayer:       replayer,
		log:            logger,
		now:            now,
		maxAttempts:    opts.MaxAttempts,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     backoffMax,
		tags:           map[string]*sync.Mutex{},
	}
	for _, tag := range opts.Tags {
		q.RegisterTag(tag)
	}
	return q
}

// RegisterTag makes tag a recognized drain trigger.
func (q *Queue) RegisterTag(tag string) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	q.tagsMu.Lock()
	defer q.tagsMu.Unlock()
	if _, ok := q.tags[tag]; !ok {
		q.tags[tag] = &sync.Mutex{}
	}
}

func (q *Queue) Tags() []string {
	q.tagsMu.RLock()
	defer q.tagsMu.RUnlock()
	tags := make([]string, 0, len(q.tags))
	for tag := range q.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (q *Queue) tagLock(tag string) (*sync.Mutex, bool) {
	q.tagsMu.RLock()
	defer q.tagsMu.RUnlock()
	mu, ok := q.tags[tag]
	return mu, ok
}

// Enqueue persists op with a zero retry count. A missing ID is generated.
func (q *Queue) Enqueue(ctx context.Context, op PendingOperation) (PendingOperation, error) {
	op.Tag = strings.TrimSpace(op.Tag)
	op.Endpoint = strings.TrimSpace(op.Endpoint)
	op.Method = strings.ToUpper(strings.TrimSpace(op.Method))
	if op.Endpoint == "" || op.Method == "" || op.Method == http.MethodGet || op.Method == http.MethodHead {
		return PendingOperation{}, fmt.Errorf("%w: operation needs a mutating method and an endpoint", ErrInvalidInput)
	}
	if _, ok := q.tagLock(op.Tag); !ok {
		return PendingOperation{}, fmt.Errorf("%w: %q", ErrUnknownTag, op.Tag)
	}
	op.ID = strings.TrimSpace(op.ID)
	if op.ID == "" {
		op.ID = ksuid.New().String()
	}
	op.CreatedAt = q.now()
	op.RetryCount = 0
	op.LastError = ""
	op.NextAttemptAt = nil
	op.State = StatePending
	op.Payload = append([]byte(nil), op.Payload...)
	if err := q.backend.Append(ctx, op); err != nil {
		return PendingOperation{}, storageErr("append", err)
	}
	q.log.Info("operation queued",
		zap.String("id", op.ID),
		zap.String("tag", op.Tag),
		zap.String("method", op.Method),
		zap.String("endpoint", op.Endpoint),
	)
	return op, nil
}

// Drain replays every pending operation of tag once, in enqueue order.
// Replay failures stay queued and are reported in the result, not as an
// error. Concurrent drains of the same tag are serialized.
func (q *Queue) Drain(ctx context.Context, tag string) (DrainResult, error) {
	tag = strings.TrimSpace(tag)
	mu, ok := q.tagLock(tag)
	if !ok {
		return DrainResult{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	mu.Lock()
	defer mu.Unlock()

	result := DrainResult{Tag: tag}
	ops, err := q.backend.List(ctx, tag)
	if err != nil {
		return result, storageErr("list", err)
	}
	now := q.now()
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if op.State == StateDeadLettered {
			continue
		}
		if op.NextAttemptAt != nil && op.NextAttemptAt.After(now) {
			result.Deferred++
			result.Remaining++
			continue
		}
		result.Attempted++
		replayErr := q.replayer.Replay(ctx, op)
		if replayErr == nil {
			if _, err := q.backend.Remove(ctx, op.ID); err != nil {
				return result, storageErr("remove", err)
			}
			result.Succeeded++
			q.log.Info("operation replayed", zap.String("id", op.ID), zap.String("tag", tag))
			continue
		}
		result.Failed++
		op = q.recordFailure(op, replayErr)
		if op.State == StateDeadLettered {
			result.DeadLettered++
		} else {
			result.Remaining++
		}
		if err := q.backend.Update(ctx, op); err != nil {
			return result, storageErr("update", err)
		}
		q.log.Warn("operation replay failed",
			zap.String("id", op.ID),
			zap.String("tag", tag),
			zap.Int("retryCount", op.RetryCount),
			zap.String("state", op.State),
			zap.Error(replayErr),
		)
	}
	if result.Attempted > 0 {
		q.log.Info("drain finished",
			zap.String("tag", tag),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("remaining", result.Remaining),
		)
	}
	return result, nil
}

// DrainAll drains every registered tag concurrently. A failing tag does
// not cancel its siblings; every tag's error is joined into the result.
func (q *Queue) DrainAll(ctx context.Context) ([]DrainResult, error) {
	tags := q.Tags()
	results := make([]DrainResult, len(tags))
	errs := make([]error, len(tags))
	var g errgroup.Group
	for i, tag := range tags {
		g.Go(func() error {
			results[i], errs[i] = q.Drain(ctx, tag)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Pending lists queued operations for tag, or for every tag when tag is
// empty. Dead-lettered operations are included.
func (q *Queue) Pending(ctx context.Context, tag string) ([]PendingOperation, error) {
	ops, err := q.backend.List(ctx, strings.TrimSpace(tag))
	if err != nil {
		return nil, storageErr("list", err)
	}
	return ops, nil
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth, err := q.backend.Depth(ctx)
	if err != nil {
		return 0, storageErr("depth", err)
	}
	return depth, nil
}

func (q *Queue) Capacity() int {
	return q.backend.Capacity()
}

// Purge removes an operation regardless of its state.
func (q *Queue) Purge(ctx context.Context, id string) error {
	removed, err := q.backend.Remove(ctx, strings.TrimSpace(id))
	if err != nil {
		return storageErr("remove", err)
	}
	if !removed {
		return ErrNotFound
	}
	q.log.Info("operation purged", zap.String("id", id))
	return nil
}

// Requeue returns a dead-lettered operation to the pending state with a
// fresh retry count.
func (q *Queue) Requeue(ctx context.Context, id string) (PendingOperation, error) {
	op, ok, err := q.backend.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return PendingOperation{}, storageErr("get", err)
	}
	if !ok {
		return PendingOperation{}, ErrNotFound
	}
	if op.State != StateDeadLettered {
		return PendingOperation{}, ErrInvalidState
	}
	op.State = StatePending
	op.RetryCount = 0
	op.LastError = ""
	op.NextAttemptAt = nil
	if err := q.backend.Update(ctx, op); err != nil {
		return PendingOperation{}, storageErr("update", err)
	}
	q.log.Info("operation requeued", zap.String("id", op.ID), zap.String("tag", op.Tag))
	return op, nil
}

func (q *Queue) Close() error {
	return q.backend.Close()
}

func (q *Queue) recordFailure(op PendingOperation, replayErr error) PendingOperation {
	op.RetryCount++
	op.LastError = replayErr.Error()
	op.NextAttemptAt = nil
	if q.maxAttempts > 0 && op.RetryCount >= q.maxAttempts {
		op.State = StateDeadLettered
		return op
	}
	if delay := q.retryDelay(op.RetryCount); delay > 0 {
		next := q.now().Add(delay)
		op.NextAttemptAt = &next
	}
	return op
}

func (q *Queue) retryDelay(retryCount int) time.Duration {
	if q.backoffInitial <= 0 || retryCount <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.backoffInitial
	b.MaxInterval = q.backoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, ErrQueueFull) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
