package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/offlineagent/internal/notify"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const hubWriteTimeout = 5 * time.Second

// ClientMessage is a frame sent by an attached host client.
type ClientMessage struct {
	Type      string `json:"type" validate:"required"`
	RequestID string `json:"requestId,omitempty"`
	ID        string `json:"id,omitempty"`
	Action    string `json:"action,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

type hubFrame struct {
	Type         string               `json:"type"`
	RequestID    string               `json:"requestId,omitempty"`
	ClientID     string               `json:"clientId,omitempty"`
	ID           string               `json:"id,omitempty"`
	Route        string               `json:"route,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Result       any                  `json:"result,omitempty"`
	Code         string               `json:"code,omitempty"`
	Message      string               `json:"message,omitempty"`
}

// ClientAttacher counts host clients for activation gating.
type ClientAttacher interface {
	AttachClient() int
	DetachClient(ctx context.Context) (int, error)
}

type hubClient struct {
	id   string
	conn *websocket.Conn
}

// Hub tracks attached host clients. It is the display surface and
// navigation target for notifications.
type Hub struct {
	attacher ClientAttacher
	log      *zap.Logger

	mu           sync.Mutex
	clients      map[string]*hubClient
	order        []string
	pendingRoute string
}

func NewHub(attacher ClientAttacher, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{attacher: attacher, log: logger, clients: map[string]*hubClient{}}
}

// Serve runs one client session until the connection ends. Every inbound
// message goes to handle and its outcome is written back.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, handle func(ctx context.Context, msg ClientMessage) (any, error)) {
	client := &hubClient{id: ksuid.New().String(), conn: conn}
	count, route := h.register(client)
	defer h.unregister(ctx, client)
	h.log.Info("host client attached", zap.String("client", client.id), zap.Int("clients", count))

	h.write(ctx, client, hubFrame{Type: "hello", ClientID: client.id})
	if route != "" {
		h.write(ctx, client, hubFrame{Type: "navigate", Route: route})
	}

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.log.Debug("host client read ended", zap.String("client", client.id), zap.Error(err))
			}
			return
		}
		result, err := handle(ctx, msg)
		if err != nil {
			_, code := errorStatus(err)
			h.write(ctx, client, hubFrame{Type: "error", RequestID: msg.RequestID, Code: code, Message: err.Error()})
			continue
		}
		h.write(ctx, client, hubFrame{Type: "ack", RequestID: msg.RequestID, Result: result})
	}
}

func (h *Hub) register(client *hubClient) (int, string) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.order = append(h.order, client.id)
	count := len(h.order)
	route := h.pendingRoute
	h.pendingRoute = ""
	h.mu.Unlock()
	if h.attacher != nil {
		count = h.attacher.AttachClient()
	}
	return count, route
}

func (h *Hub) unregister(ctx context.Context, client *hubClient) {
	h.mu.Lock()
	delete(h.clients, client.id)
	for i, id := range h.order {
		if id == client.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	if h.attacher == nil {
		return
	}
	remaining, err := h.attacher.DetachClient(context.WithoutCancel(ctx))
	if err != nil {
		h.log.Warn("activation after last detach failed", zap.Error(err))
	}
	h.log.Info("host client detached", zap.String("client", client.id), zap.Int("clients", remaining))
}

// Clients returns attached client ids, most recently attached last.
func (h *Hub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *Hub) latest() *hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.order) == 0 {
		return nil
	}
	return h.clients[h.order[len(h.order)-1]]
}

func (h *Hub) snapshot() []*hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubClient, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.clients[id])
	}
	return out
}

func (h *Hub) write(ctx context.Context, client *hubClient, frame hubFrame) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hubWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, client.conn, frame); err != nil {
		h.log.Debug("write to host client failed", zap.String("client", client.id), zap.String("frame", frame.Type), zap.Error(err))
		return false
	}
	return true
}

func (h *Hub) broadcast(ctx context.Context, frame hubFrame) {
	for _, client := range h.snapshot() {
		h.write(ctx, client, frame)
	}
}

// Show implements notify.Displayer.
func (h *Hub) Show(ctx context.Context, n notify.Notification) error {
	h.broadcast(ctx, hubFrame{Type: "notification.show", Notification: &n})
	return nil
}

// Close implements notify.Displayer.
func (h *Hub) Close(ctx context.Context, id string) error {
	h.broadcast(ctx, hubFrame{Type: "notification.close", ID: id})
	return nil
}

// Focus implements notify.Navigator.
func (h *Hub) Focus(ctx context.Context) (bool, error) {
	client := h.latest()
	if client == nil {
		return false, nil
	}
	return h.write(ctx, client, hubFrame{Type: "focus"}), nil
}

// Open implements notify.Navigator. Without an attached client the route
// is handed to the next client that attaches.
func (h *Hub) Open(ctx context.Context, route string) error {
	client := h.latest()
	if client != nil && h.write(ctx, client, hubFrame{Type: "navigate", Route: route}) {
		return nil
	}
	h.mu.Lock()
	h.pendingRoute = route
	h.mu.Unlock()
	h.log.Info("navigation deferred until a host client attaches", zap.String("route", route))
	return nil
}

// PendingRoute is the navigation waiting for the next client, if any.
func (h *Hub) PendingRoute() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingRoute
}
