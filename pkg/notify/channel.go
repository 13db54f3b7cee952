package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// ErrNotConnected is returned by Connect when the upgrade fails. Channel
// failure is non-fatal to the feature: callers fall back to fetch-only mode.
var ErrNotConnected = errors.New("notification channel not connected")

// Channel is a persistent push connection delivering notification lifecycle
// events. Handlers are registered before or after Connect; each Subscribe
// call returns an unsubscribe function. Dispatch runs on a single reader
// goroutine, so handlers observe events in receipt order.
type Channel struct {
	url    string
	apiKey string
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	nextToken int

	onNew         map[int]func(*models.Notification)
	onUpdated     map[int]func(*models.Notification)
	onDeleted     map[int]func(DeletedEvent)
	onRead        map[int]func(ReadEvent)
	onBulkRead    map[int]func()
	onUnreadCount map[int]func(UnreadCountEvent)
}

// NewChannel creates a Channel for the given API base URL (http/https) and
// API key. Nothing connects until Connect is called.
func NewChannel(baseURL, apiKey string) *Channel {
	return &Channel{
		url:           wsURL(baseURL) + "/api/v1/ws/notifications",
		apiKey:        apiKey,
		dialer:        websocket.DefaultDialer,
		onNew:         make(map[int]func(*models.Notification)),
		onUpdated:     make(map[int]func(*models.Notification)),
		onDeleted:     make(map[int]func(DeletedEvent)),
		onRead:        make(map[int]func(ReadEvent)),
		onBulkRead:    make(map[int]func()),
		onUnreadCount: make(map[int]func(UnreadCountEvent)),
	}
}

func wsURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Connect establishes the WebSocket connection and starts the read loop.
// On failure the caller can still use the ordinary list API.
func (c *Channel) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial %s: %v: %w", c.url, err, ErrNotConnected)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("channel already disconnected: %w", ErrNotConnected)
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Disconnect releases the connection. Safe to call even if Connect was
// never called or already failed.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				slog.Info("notification channel closed", "error", err)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env Envelope) {
	switch env.Event {
	case EventNew, EventUpdated:
		var n models.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			slog.Warn("malformed notification event", "event", env.Event, "error", err)
			return
		}
		c.mu.Lock()
		var handlers []func(*models.Notification)
		if env.Event == EventNew {
			handlers = collect(c.onNew)
		} else {
			handlers = collect(c.onUpdated)
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(&n)
		}
	case EventDeleted:
		var ev DeletedEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			slog.Warn("malformed deleted event", "error", err)
			return
		}
		c.mu.Lock()
		handlers := collect(c.onDeleted)
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	case EventRead:
		var ev ReadEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			slog.Warn("malformed read event", "error", err)
			return
		}
		c.mu.Lock()
		handlers := collect(c.onRead)
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	case EventBulkRead:
		c.mu.Lock()
		handlers := collect(c.onBulkRead)
		c.mu.Unlock()
		for _, h := range handlers {
			h()
		}
	case EventUnreadCount:
		var ev UnreadCountEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			slog.Warn("malformed unread count event", "error", err)
			return
		}
		c.mu.Lock()
		handlers := collect(c.onUnreadCount)
		c.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	default:
		slog.Debug("unknown channel event", "event", env.Event)
	}
}

func collect[T any](m map[int]T) []T {
	out := make([]T, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

// OnNew subscribes to newly created notifications.
func (c *Channel) OnNew(h func(*models.Notification)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.nextToken
	c.nextToken++
	c.onNew[tok] = h
	return func() { c.remove(func() { delete(c.onNew, tok) }) }
}

// OnUpdated subscribes to notification attribute updates.
func (c *Channel) OnUpdated(h func(*models.Notification)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.nextToken
	c.nextToken++
	c.onUpdated[tok] = h
	return func() { c.remove(func() { delete(c.onUpdated, tok) }) }
}

// OnDeleted subscribes to notification deletions.
func (c *Channel) OnDeleted(h func(DeletedEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.nextToken
	c.nextToken++
	c.onDeleted[tok] = h
	return func() { c.remove(func() { delete(c.onDeleted, tok) }) }
}

// OnRead subscribes to single-notification read confirmations.
func (c *Channel) OnRead(h func(ReadEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.nextToken
	c.nextToken++
	c.onRead[tok] = h
	return func() { c.remove(func() { delete(c.onRead, tok) }) }
}

// OnBulkRead subscribes to mark-all-read confirmations.
func (c *Channel) OnBulkRead(h func()) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.nextToken
	c.nextToken++
	c.onBulkRead[tok] = h
	return func() { c.remove(func() { delete(c.onBulkRead, tok) }) }
}

// OnUnreadCount subscribes to authoritative unread-count corrections.
func (c *Channel) OnUnreadCount(h func(UnreadCountEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := c.nextToken
	c.nextToken++
	c.onUnreadCount[tok] = h
	return func() { c.remove(func() { delete(c.onUnreadCount, tok) }) }
}

func (c *Channel) remove(del func()) {
	c.mu.Lock()
	del()
	c.mu.Unlock()
}
