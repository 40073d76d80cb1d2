package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeWait bounds each snapshot write so one stalled peer cannot
// block the mutation path that triggered the broadcast.
const writeWait = 10 * time.Second

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(value)
}

// Server streams cart snapshots to subscribed UI clients. Every local
// mutation broadcasts the fresh state to the session's subscribers, so
// optimistic updates reach every open view with zero extra latency.
type Server struct {
	Logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[*client]struct{}
}

func New(logger *zap.Logger) *Server {
	return &Server{
		Logger: logger,
		subs:   make(map[string]map[*client]struct{}),
	}
}

// Handle upgrades the connection, sends the initial snapshot and keeps
// the subscription open until the peer disconnects.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request, sessionID string, initial any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("ws upgrade failed", zap.Error(err))
		}
		return
	}

	c := &client{conn: conn}
	unsubscribe := s.subscribe(sessionID, c)
	defer func() {
		unsubscribe()
		_ = conn.Close()
	}()

	if initial != nil {
		if err := c.writeJSON(map[string]any{"type": "cart.state", "data": initial}); err != nil {
			return
		}
	}

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes a snapshot to every subscriber of the session.
func (s *Server) Broadcast(sessionID string, payload any) {
	s.mu.RLock()
	clientsMap := s.subs[sessionID]
	clients := make([]*client, 0, len(clientsMap))
	for c := range clientsMap {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	message := map[string]any{"type": "cart.state", "data": payload}
	for _, c := range clients {
		if err := c.writeJSON(message); err != nil {
			if s.Logger != nil {
				s.Logger.Debug("ws write failed, dropping subscriber", zap.Error(err))
			}
			s.drop(sessionID, c)
		}
	}
}

// drop removes a subscriber whose connection can no longer be written
// and closes it so its read loop unwinds.
func (s *Server) drop(sessionID string, c *client) {
	s.mu.Lock()
	clients := s.subs[sessionID]
	delete(clients, c)
	if len(clients) == 0 {
		delete(s.subs, sessionID)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) subscribe(sessionID string, c *client) (unsubscribe func()) {
	s.mu.Lock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*client]struct{})
	}
	s.subs[sessionID][c] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		clients := s.subs[sessionID]
		delete(clients, c)
		if len(clients) == 0 {
			delete(s.subs, sessionID)
		}
		s.mu.Unlock()
	}
}
