package netstatus

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc reports whether the upstream is reachable right now.
type ProbeFunc func(ctx context.Context) bool

// Gate answers point-in-time reachability queries and fires reconnect
// callbacks edge-triggered: once per transition from unreachable to
// reachable, never on every reachable poll.
type Gate struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	reachable bool
	known     bool
	callbacks []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(probe ProbeFunc, interval time.Duration, logger *zap.Logger) *Gate {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Gate{probe: probe, interval: interval, logger: logger}
}

// DialProbe probes reachability with a plain TCP dial of the upstream
// host. The default port matches the URL scheme.
func DialProbe(upstreamURL string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) bool {
		parsed, err := url.Parse(upstreamURL)
		if err != nil || parsed.Host == "" {
			return false
		}
		host := parsed.Host
		if parsed.Port() == "" {
			port := "80"
			if parsed.Scheme == "https" {
				port = "443"
			}
			host = net.JoinHostPort(parsed.Hostname(), port)
		}
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// IsReachable runs the probe now and records the result. A transition
// back to reachable fires the registered reconnect callbacks.
func (g *Gate) IsReachable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.interval)
	defer cancel()
	return g.observe(g.probe(ctx))
}

// OnReconnect registers a callback fired once per unreachable-to-
// reachable transition.
func (g *Gate) OnReconnect(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, fn)
}

// Start launches the background poll loop.
func (g *Gate) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, g.interval)
				g.observe(g.probe(probeCtx))
				cancel()
			}
		}
	}()
}

// Stop halts the poll loop and waits for it to exit.
func (g *Gate) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

func (g *Gate) observe(reachable bool) bool {
	g.mu.Lock()
	wasKnown := g.known
	wasReachable := g.reachable
	g.known = true
	g.reachable = reachable
	var fire []func()
	if reachable && wasKnown && !wasReachable {
		fire = append(fire, g.callbacks...)
	}
	g.mu.Unlock()

	if len(fire) > 0 && g.logger != nil {
		g.logger.Info("connectivity restored")
	}
	for _, fn := range fire {
		fn()
	}
	return reachable
}
