// Package frametap is an optional debug/observability tool: it
// broadcasts a JSON summary of every Request, Response, and Push frame
// a Server observes to any number of connected WebSocket viewers, so a
// developer can watch live traffic without a packet capture. It has no
// part in the wire protocol itself — spec.md §8 lists a "frame
// inspector" as an explicit Non-goal for the core transport, but
// nothing stops it from existing as bolt-on tooling, same as the
// teacher's internal/websocket package served its PHP-worker event
// stream to browser clients.
package frametap

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Direction records whether a tapped frame was received from, or sent
// to, the remote peer.
type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// FrameEvent is the JSON shape pushed to every connected viewer.
type FrameEvent struct {
	ConnectionID string    `json:"connection_id"`
	Direction    Direction `json:"direction"`
	Opcode       string    `json:"opcode"`
	SequenceID   uint32    `json:"sequence_id,omitempty"`
	PayloadSize  int       `json:"payload_size"`
	PayloadHex   string    `json:"payload_hex,omitempty"`
}

const maxPayloadPreviewBytes = 64

// NewFrameEvent builds a FrameEvent, truncating the payload preview so
// a single large frame can't blow up a viewer's render.
func NewFrameEvent(connectionID string, dir Direction, opcode string, sequenceID uint32, payload []byte) FrameEvent {
	preview := payload
	if len(preview) > maxPayloadPreviewBytes {
		preview = preview[:maxPayloadPreviewBytes]
	}
	return FrameEvent{
		ConnectionID: connectionID,
		Direction:    dir,
		Opcode:       opcode,
		SequenceID:   sequenceID,
		PayloadSize:  len(payload),
		PayloadHex:   hex.EncodeToString(preview),
	}
}

// viewer is a single connected WebSocket observer, optionally scoped
// to one connection ID.
type viewer struct {
	conn         *websocket.Conn
	connectionID string // empty means "every connection"
	mu           sync.Mutex
}

func (v *viewer) send(ev FrameEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn.WriteJSON(ev)
}

// Manager fans FrameEvents out to every connected viewer, generalized
// from the teacher's websocket.Manager (rooms keyed by connection ID
// replace that Manager's chat rooms; Publish replaces BroadcastToRoom
// plus Broadcast).
type Manager struct {
	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	logger  *slog.Logger
}

// NewManager constructs an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{viewers: make(map[*viewer]struct{}), logger: logger}
}

// Publish fans ev out to every viewer watching either every connection
// or specifically ev.ConnectionID.
func (m *Manager) Publish(ev FrameEvent) {
	m.mu.RLock()
	targets := make([]*viewer, 0, len(m.viewers))
	for v := range m.viewers {
		if v.connectionID == "" || v.connectionID == ev.ConnectionID {
			targets = append(targets, v)
		}
	}
	m.mu.RUnlock()

	for _, v := range targets {
		if err := v.send(ev); err != nil {
			m.logger.Debug("frametap: dropping viewer after send failure", "error", err)
			m.remove(v)
			v.conn.Close()
		}
	}
}

func (m *Manager) add(v *viewer) {
	m.mu.Lock()
	m.viewers[v] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) remove(v *viewer) {
	m.mu.Lock()
	delete(m.viewers, v)
	m.mu.Unlock()
}

// ViewerCount returns the number of currently connected viewers.
func (m *Manager) ViewerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.viewers)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to WebSocket viewers of a Manager's
// frame stream. A "connection_id" query parameter scopes the viewer
// to a single tapped connection.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler constructs a Handler serving viewers of manager.
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("frametap: upgrade failed", "error", err)
		return
	}

	v := &viewer{conn: conn, connectionID: r.URL.Query().Get("connection_id")}
	h.manager.add(v)
	h.logger.Debug("frametap: viewer connected", "connection_id", v.connectionID)

	go h.discardInbound(v)
}

// discardInbound drains (and ignores) any messages the viewer sends,
// so the connection's read deadline/control frames keep working and a
// closed viewer socket is noticed promptly.
func (h *Handler) discardInbound(v *viewer) {
	defer func() {
		h.manager.remove(v)
		v.conn.Close()
		h.logger.Debug("frametap: viewer disconnected", "connection_id", v.connectionID)
	}()

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
	}
}
