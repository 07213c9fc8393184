package eventbus

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gudax/autobot/internal/logging"
)

// WSSubscriber adapts a gorilla/websocket connection to Subscriber.
// Writes are serialized with a mutex since gorilla connections are not
// safe for concurrent writers.
type WSSubscriber struct {
	id    string
	conn  *websocket.Conn
	mu    sync.Mutex
	state atomic.Int32
}

func newWSSubscriber(id string, conn *websocket.Conn) *WSSubscriber {
	s := &WSSubscriber{id: id, conn: conn}
	s.state.Store(int32(StateConnected))
	return s
}

func (s *WSSubscriber) ID() string { return s.id }

func (s *WSSubscriber) State() State { return State(s.state.Load()) }

func (s *WSSubscriber) Send(msg Message, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *WSSubscriber) close() {
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()
}

// Handler upgrades incoming requests to the EventBus subscription
// protocol. One handler serves every /ws/{channel} route; channel
// comes from the URL and sets the subscriber's primary membership at
// connect time.
type Handler struct {
	bus      *Bus
	origin   string
	upgrader websocket.Upgrader
	log      *logging.Logger

	nextID atomic.Int64
}

func NewHandler(bus *Bus, origin string, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default
	}
	h := &Handler{bus: bus, origin: origin, log: log}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
	}
	return h
}

// ServeChannel upgrades the connection, subscribes it to channel plus
// "all", and loops reading inbound subscription-protocol messages
// until the connection closes.
func (h *Handler) ServeChannel(w http.ResponseWriter, r *http.Request, channel string) {
	ch := Channel(strings.ToLower(strings.TrimSpace(channel)))
	if !ValidChannel(ch) {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := strconv.FormatInt(h.nextID.Add(1), 10)
	sub := newWSSubscriber(id, conn)
	h.bus.Subscribe(ch, sub)
	defer func() {
		sub.close()
		h.bus.Evict(id)
	}()

	for {
		var inbound Message
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		h.bus.HandleInbound(sub, inbound)
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}
