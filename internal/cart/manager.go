package cart

import (
	"context"
	"sync"
	"time"

	"cartsync-agent/internal/auth"
	"cartsync-agent/internal/netstatus"
	"cartsync-agent/internal/offline"
	"cartsync-agent/internal/orderapi"

	"go.uber.org/zap"
)

// Manager keys cart engines by session, constructs them lazily and
// tears them down on logout. It also owns the queue flush: once the
// gate reports a reconnect, queued mutations are replayed and the
// affected carts refreshed from the server.
type Manager struct {
	baseURL string
	timeout time.Duration
	cfg     Config
	creds   *auth.Store
	queue   *offline.Queue
	gate    *netstatus.Gate
	logger  *zap.Logger

	notify  func(sessionID string, snap Snapshot)
	publish func(routingKey string, payload any)

	mu      sync.RWMutex
	engines map[string]*Engine
}

type ManagerOptions struct {
	OrderServiceURL string
	RequestTimeout  time.Duration
	Engine          Config
	Credentials     *auth.Store
	Queue           *offline.Queue
	Gate            *netstatus.Gate
	Logger          *zap.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		baseURL: opts.OrderServiceURL,
		timeout: opts.RequestTimeout,
		cfg:     opts.Engine,
		creds:   opts.Credentials,
		queue:   opts.Queue,
		gate:    opts.Gate,
		logger:  opts.Logger,
		engines: make(map[string]*Engine),
	}
}

// SetNotifier wires the per-session snapshot broadcast (the WebSocket
// stream). Must be called before engines are created.
func (m *Manager) SetNotifier(fn func(sessionID string, snap Snapshot)) {
	m.notify = fn
}

// SetPublisher wires the optional event publisher.
func (m *Manager) SetPublisher(fn func(routingKey string, payload any)) {
	m.publish = fn
}

// Engine returns the cart engine for a session, creating it on first
// use.
func (m *Manager) Engine(sessionID string) *Engine {
	m.mu.RLock()
	engine, ok := m.engines[sessionID]
	m.mu.RUnlock()
	if ok {
		return engine
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if engine, ok := m.engines[sessionID]; ok {
		return engine
	}

	client := orderapi.New(m.baseURL, m.timeout, func() (string, error) {
		return m.creds.Token(sessionID)
	})
	hooks := Hooks{
		OnChange: func(snap Snapshot) {
			if m.notify != nil {
				m.notify(sessionID, snap)
			}
		},
		OnAuthExpired: func(sessionID string) {
			m.creds.ClearToken(sessionID)
		},
		OnEvent: func(routingKey string, payload any) {
			if m.publish != nil {
				m.publish(routingKey, payload)
			}
		},
	}
	engine = NewEngine(sessionID, client, m.queue, m.gate, m.cfg, m.logger, hooks)
	m.engines[sessionID] = engine
	return engine
}

// Drop tears down a session: the engine's timers are cancelled, its
// credential cleared, and any queued flush for it will be skipped as
// stale.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	engine, ok := m.engines[sessionID]
	delete(m.engines, sessionID)
	m.mu.Unlock()

	if ok {
		engine.Close()
	}
	m.creds.ClearToken(sessionID)
}

// CloseAll tears down every engine; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, engine := range m.engines {
		engines = append(engines, engine)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, engine := range engines {
		engine.Close()
	}
}

// FlushQueue replays queued mutations against the upstream. Entries
// whose session credential has gone stale are dropped rather than
// replayed, and entries tagged with a superseded line generation are
// discarded as stale.
func (m *Manager) FlushQueue(ctx context.Context) {
	if m.queue.Len() == 0 {
		return
	}

	touched := make(map[string]struct{})
	var touchedMu sync.Mutex

	m.queue.Flush(ctx, func(ctx context.Context, req offline.PendingRequest) error {
		if req.SessionID != "" && !m.creds.Valid(req.SessionID) {
			return &offline.PermanentError{Err: auth.ErrCredentialExpired}
		}

		if req.LineID != "" {
			m.mu.RLock()
			engine, ok := m.engines[req.SessionID]
			m.mu.RUnlock()
			if ok && engine.Generation(req.LineID) > req.Generation {
				return offline.ErrStale
			}
		}

		client := m.clientFor(req.SessionID)
		if err := client.Replay(ctx, req.Method, req.TargetURL, req.Body); err != nil {
			if apiErr, ok := err.(*orderapi.Error); ok {
				if apiErr.Retriable() {
					return &offline.TransientError{Err: err}
				}
				return &offline.PermanentError{Err: err}
			}
			return &offline.PermanentError{Err: err}
		}

		touchedMu.Lock()
		touched[req.SessionID] = struct{}{}
		touchedMu.Unlock()
		return nil
	})

	// Refresh the carts the flush touched; the server snapshot is the
	// source of truth for fees and for any drift a dropped entry left.
	for sessionID := range touched {
		m.mu.RLock()
		engine, ok := m.engines[sessionID]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if _, err := engine.Refresh(ctx); err != nil && m.logger != nil {
			m.logger.Warn("post-flush refresh failed",
				zap.String("session", sessionID), zap.Error(err))
		}
	}

	if m.publish != nil && len(touched) > 0 {
		m.publish("cart.flushed", map[string]any{"sessions": len(touched)})
	}
}

// QueueDepth reports how many mutations are waiting for connectivity.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

func (m *Manager) clientFor(sessionID string) *orderapi.Client {
	m.mu.RLock()
	engine, ok := m.engines[sessionID]
	m.mu.RUnlock()
	if ok {
		return engine.client
	}
	return orderapi.New(m.baseURL, m.timeout, func() (string, error) {
		return m.creds.Token(sessionID)
	})
}
