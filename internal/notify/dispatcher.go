package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

var (
	ErrMalformedPushPayload = errors.New("malformed push payload")
	ErrNotFound             = errors.New("notification not found")
	ErrInvalidState         = errors.New("notification is not displayed")
)

type State string

const (
	StateIdle      State = "idle"
	StateDisplayed State = "displayed"
	StateActivated State = "activated"
	StateDismissed State = "dismissed"
)

const defaultHistory = 100

type Notification struct {
	ID           string     `json:"id"`
	Descriptor   Descriptor `json:"descriptor"`
	State        State      `json:"state"`
	ActionID     string     `json:"actionId,omitempty"`
	SupersededBy string     `json:"supersededBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Displayer is the surface notifications are shown on.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, id string) error
}

// Navigator routes interactions back into the host application.
type Navigator interface {
	// Focus brings an attached host client forward and reports whether one
	// existed.
	Focus(ctx context.Context) (bool, error)
	Open(ctx context.Context, route string) error
}

type Options struct {
	Defaults *Descriptor
	History  int
	Logger   *zap.Logger
	Now      func() time.Time
}

type Dispatcher struct {
	displayer Displayer
	navigator Navigator
	parser    *parser
	log       *zap.Logger
	now       func() time.Time
	history   int

	mu            sync.Mutex
	notifications map[string]*Notification
	order         []string
}

func New(displayer Displayer, navigator Navigator, opts Options) (*Dispatcher, error) {
	if displayer == nil || navigator == nil {
		return nil, fmt.Errorf("displayer and navigator are required")
	}
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, fmt.Errorf("compile push payload schema: %w", err)
	}
	defaults := DefaultDescriptor()
	if opts.Defaults != nil {
		defaults = cloneDescriptor(*opts.Defaults)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	history := opts.History
	if history <= 0 {
		history = defaultHistory
	}
	return &Dispatcher{
		displayer: displayer,
		navigator: navigator,
		parser: &parser{
			defaults: defaults,
			schema:   schema,
			policy:   bluemonday.StrictPolicy(),
		},
		log:           logger,
		now:           now,
		history:       history,
		notifications: map[string]*Notification{},
	}, nil
}

// Push renders payload and displays it. Malformed payloads are logged and
// displayed with the default text. A displayed notification sharing the
// correlation tag is closed and superseded.
func (d *Dispatcher) Push(ctx context.Context, payload []byte) (Notification, error) {
	desc, parseErr := d.parser.parse(payload)
	if parseErr != nil {
		d.log.Warn("push payload rejected, using default text", zap.Error(parseErr))
	}
	now := d.now()
	n := &Notification{
		ID:         ksuid.New().String(),
		Descriptor: desc,
		State:      StateDisplayed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := d.displayer.Show(ctx, *n); err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}

	d.mu.Lock()
	var superseded []string
	if desc.Tag != "" {
		for _, id := range d.order {
			prev := d.notifications[id]
			if prev.State == StateDisplayed && prev.Descriptor.Tag == desc.Tag {
				prev.State = StateDismissed
				prev.SupersededBy = n.ID
				prev.UpdatedAt = now
				superseded = append(superseded, prev.ID)
			}
		}
	}
	d.notifications[n.ID] = n
	d.order = append(d.order, n.ID)
	d.trimLocked()
	out := copyNotification(n)
	d.mu.Unlock()

	for _, id := range superseded {
		if err := d.displayer.Close(ctx, id); err != nil {
			d.log.Warn("close superseded notification failed", zap.String("id", id), zap.Error(err))
		}
	}
	d.log.Info("notification displayed",
		zap.String("id", n.ID),
		zap.String("tag", desc.Tag),
		zap.Int("superseded", len(superseded)),
	)
	return out, nil
}

// Interact handles a click on a displayed notification. actionID selects one
// of the descriptor's actions; an empty or unknown id runs the default
// action, which focuses an attached client or opens "/".
func (d *Dispatcher) Interact(ctx context.Context, id, actionID string) (Notification, error) {
	d.mu.Lock()
	n, ok := d.notifications[id]
	if !ok {
		d.mu.Unlock()
		return Notification{}, ErrNotFound
	}
	if n.State != StateDisplayed {
		d.mu.Unlock()
		return Notification{}, ErrInvalidState
	}
	action, recognized := findAction(n.Descriptor.Actions, actionID)
	n.State = StateActivated
	if recognized {
		n.ActionID = action.ID
	} else {
		n.ActionID = ""
	}
	n.UpdatedAt = d.now()
	out := copyNotification(n)
	d.mu.Unlock()

	if err := d.displayer.Close(ctx, id); err != nil {
		d.log.Warn("close notification failed", zap.String("id", id), zap.Error(err))
	}

	switch {
	case recognized && action.Route != "":
		route := expandRoute(action.Route, out.Descriptor.Tag)
		if err := d.navigator.Open(ctx, route); err != nil {
			return out, fmt.Errorf("open %s: %w", route, err)
		}
		d.log.Info("notification action opened route", zap.String("id", id), zap.String("action", action.ID), zap.String("route", route))
	case recognized:
		d.log.Info("notification action closed", zap.String("id", id), zap.String("action", action.ID))
	default:
		focused, err := d.navigator.Focus(ctx)
		if err != nil {
			return out, fmt.Errorf("focus client: %w", err)
		}
		if !focused {
			if err := d.navigator.Open(ctx, "/"); err != nil {
				return out, fmt.Errorf("open /: %w", err)
			}
		}
		d.log.Info("notification default action", zap.String("id", id), zap.Bool("focused", focused))
	}
	return out, nil
}

// Dismiss records that the user closed a displayed notification and closes
// its view on every surface.
func (d *Dispatcher) Dismiss(ctx context.Context, id string) (Notification, error) {
	d.mu.Lock()
	n, ok := d.notifications[id]
	if !ok {
		d.mu.Unlock()
		return Notification{}, ErrNotFound
	}
	if n.State != StateDisplayed {
		d.mu.Unlock()
		return Notification{}, ErrInvalidState
	}
	n.State = StateDismissed
	n.UpdatedAt = d.now()
	out := copyNotification(n)
	d.mu.Unlock()

	if err := d.displayer.Close(ctx, id); err != nil {
		d.log.Warn("close notification failed", zap.String("id", id), zap.Error(err))
	}
	d.log.Info("notification dismissed", zap.String("id", id))
	return out, nil
}

func (d *Dispatcher) Get(id string) (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.notifications[id]
	if !ok {
		return Notification{}, false
	}
	return copyNotification(n), true
}

// List returns retained notifications, oldest first.
func (d *Dispatcher) List() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, copyNotification(d.notifications[id]))
	}
	return out
}

// trimLocked drops the oldest settled notifications beyond the history
// limit. Displayed notifications are never dropped.
func (d *Dispatcher) trimLocked() {
	excess := len(d.order) - d.history
	if excess <= 0 {
		return
	}
	kept := d.order[:0]
	for _, id := range d.order {
		if excess > 0 && d.notifications[id].State != StateDisplayed {
			delete(d.notifications, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}

func findAction(actions []Action, id string) (Action, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Action{}, false
	}
	for _, a := range actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

func expandRoute(route, tag string) string {
	return strings.ReplaceAll(route, "{tag}", url.PathEscape(tag))
}

func copyNotification(n *Notification) Notification {
	out := *n
	out.Descriptor = cloneDescriptor(n.Descriptor)
	return out
}
