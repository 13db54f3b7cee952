// Package hub fans notification lifecycle events out to connected
// WebSocket sessions. Each authenticated user may hold several sessions
// (multiple tabs); events are broadcast to all of them. Per-session sends
// are serialized through a buffered channel and a single write pump, so
// events for one session are delivered in publish order.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rahulkhanna25/opensoc/pkg/models"
	"github.com/rahulkhanna25/opensoc/pkg/notify"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 45 * time.Second
)

// Broadcaster is the event-publishing surface the rest of the server uses.
type Broadcaster interface {
	PublishNew(userID uuid.UUID, n *models.Notification)
	PublishUpdated(userID uuid.UUID, n *models.Notification)
	PublishDeleted(userID uuid.UUID, id uuid.UUID)
	PublishRead(userID uuid.UUID, id uuid.UUID, readAt time.Time)
	PublishBulkRead(userID uuid.UUID)
	PublishUnreadCount(userID uuid.UUID, count int)
}

// Hub tracks live sessions per user.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*session]struct{}
}

type session struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{sessions: make(map[uuid.UUID]map[*session]struct{})}
}

// Register adopts an upgraded connection for the user and starts its read
// and write pumps. The read pump only services control frames; this channel
// is push-only.
func (h *Hub) Register(userID uuid.UUID, conn *websocket.Conn) {
	s := &session{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	h.mu.Unlock()

	slog.Info("notification session connected", "user_id", userID)

	go h.writePump(s)
	go h.readPump(s)
}

// SessionCount returns the number of live sessions for the user.
func (h *Hub) SessionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

func (h *Hub) unregister(s *session) {
	s.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.sessions[s.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.sessions, s.userID)
			}
		}
		h.mu.Unlock()
		close(s.send)
		s.conn.Close()
		slog.Info("notification session disconnected", "user_id", s.userID)
	})
}

func (h *Hub) readPump(s *session) {
	defer h.unregister(s)
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		// Clients do not send application messages; drain until error.
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(s)
	}()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// publish encodes the envelope once and queues it on every session of the
// user. A session whose buffer is full is dropped rather than allowed to
// stall delivery for the others.
func (h *Hub) publish(userID uuid.UUID, event string, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			slog.Error("encode hub event", "event", event, "error", err)
			return
		}
		raw = encoded
	}
	msg, err := json.Marshal(notify.Envelope{Event: event, Data: raw})
	if err != nil {
		slog.Error("encode hub envelope", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*session
	for s := range h.sessions[userID] {
		select {
		case s.send <- msg:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		slog.Warn("dropping slow notification session", "user_id", userID)
		h.unregister(s)
	}
}

func (h *Hub) PublishNew(userID uuid.UUID, n *models.Notification) {
	h.publish(userID, notify.EventNew, n)
}

func (h *Hub) PublishUpdated(userID uuid.UUID, n *models.Notification) {
	h.publish(userID, notify.EventUpdated, n)
}

func (h *Hub) PublishDeleted(userID uuid.UUID, id uuid.UUID) {
	h.publish(userID, notify.EventDeleted, notify.DeletedEvent{ID: id})
}

func (h *Hub) PublishRead(userID uuid.UUID, id uuid.UUID, readAt time.Time) {
	h.publish(userID, notify.EventRead, notify.ReadEvent{ID: id, ReadAt: readAt})
}

func (h *Hub) PublishBulkRead(userID uuid.UUID) {
	h.publish(userID, notify.EventBulkRead, nil)
}

func (h *Hub) PublishUnreadCount(userID uuid.UUID, count int) {
	h.publish(userID, notify.EventUnreadCount, notify.UnreadCountEvent{UnreadCount: count})
}

// Compile-time check that Hub implements Broadcaster.
var _ Broadcaster = (*Hub)(nil)
