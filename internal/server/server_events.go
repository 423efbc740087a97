package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/portgate/portgate/internal/domain"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const subscriberBuffer = 32

// eventHub fans lifecycle events out to websocket subscribers. It backs
// the status page's live view. Publish never blocks the lifecycle
// controller: slow subscribers drop events instead of applying
// backpressure to tunnel operations.
type eventHub struct {
	log  *slog.Logger
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan domain.Event
	once sync.Once
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		log:  logger,
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish implements [domain.EventSink].
func (h *eventHub) Publish(evt domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.send <- evt:
		default:
			// subscriber is not keeping up; drop the event for it
		}
	}
}

func (h *eventHub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *eventHub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.send)
		_ = sub.conn.Close()
	})
}

func (sub *subscriber) writeLoop() {
	for evt := range sub.send {
		if err := sub.conn.WriteJSON(evt); err != nil {
			_ = sub.conn.Close()
			return
		}
	}
}

// handleEvents upgrades the connection and streams lifecycle events until
// the subscriber disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan domain.Event, subscriberBuffer),
	}
	s.hub.add(sub)
	go sub.writeLoop()

	// Inbound messages are ignored; the read loop only detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.remove(sub)
}
