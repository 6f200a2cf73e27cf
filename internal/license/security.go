package license

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Guard tracks callers that keep presenting unknown keys. Implementations
// must be safe for concurrent use.
type Guard interface {
	// Blocked reports whether ip is currently refused
	Blocked(ctx context.Context, ip string) (bool, error)
	// RecordFailure counts a failed attempt and reports whether ip is now blocked
	RecordFailure(ctx context.Context, ip string) (bool, error)
	// Reset forgets the failures of ip
	Reset(ctx context.Context, ip string) error
}

// GuardConfig sets the blocking thresholds. MaxFailures failures within
// Window block the caller for BlockDuration.
type GuardConfig struct {
	MaxFailures   int
	Window        time.Duration
	BlockDuration time.Duration
}

// MemoryGuard is a process-local Guard
type MemoryGuard struct {
	attemptCounts map[string]int
	firstAttempts map[string]time.Time
	blockedIPs    map[string]time.Time

	mutex           sync.Mutex
	cfg             GuardConfig
	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

// NewMemoryGuard creates a guard and starts its cleanup loop. Call Stop to
// release it.
func NewMemoryGuard(cfg GuardConfig, logger *slog.Logger) *MemoryGuard {
	g := &MemoryGuard{
		attemptCounts:   make(map[string]int),
		firstAttempts:   make(map[string]time.Time),
		blockedIPs:      make(map[string]time.Time),
		cfg:             cfg,
		cleanupInterval: time.Minute,
		stopChan:        make(chan struct{}),
		now:             time.Now,
		logger:          logger.With(slog.String("component", "guard")),
	}

	go g.cleanup()

	return g
}

// Blocked checks if an ip is currently blocked
func (g *MemoryGuard) Blocked(_ context.Context, ip string) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if blockTime, exists := g.blockedIPs[ip]; exists {
		if g.now().Sub(blockTime) < g.cfg.BlockDuration {
			return true, nil
		}
		delete(g.blockedIPs, ip)
	}
	return false, nil
}

// RecordFailure counts a failed attempt within the sliding window
func (g *MemoryGuard) RecordFailure(ctx context.Context, ip string) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()

	if first, exists := g.firstAttempts[ip]; !exists || now.Sub(first) > g.cfg.Window {
		g.firstAttempts[ip] = now
		g.attemptCounts[ip] = 0
	}
	g.attemptCounts[ip]++

	if g.attemptCounts[ip] < g.cfg.MaxFailures {
		return false, nil
	}

	g.blockedIPs[ip] = now
	delete(g.attemptCounts, ip)
	delete(g.firstAttempts, ip)

	g.logger.WarnContext(ctx, "caller blocked after repeated unknown keys",
		slog.String("action", "security_violation"),
		slog.String("ip_address", ip),
		slog.Int("max_failures", g.cfg.MaxFailures),
		slog.Duration("block_duration", g.cfg.BlockDuration),
	)
	return true, nil
}

// Reset clears the failure history of ip. An active block stays in place.
func (g *MemoryGuard) Reset(_ context.Context, ip string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	delete(g.attemptCounts, ip)
	delete(g.firstAttempts, ip)
	return nil
}

// GetStats returns guard statistics
func (g *MemoryGuard) GetStats() map[string]interface{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return map[string]interface{}{
		"tracked_ips":    len(g.attemptCounts),
		"blocked_ips":    len(g.blockedIPs),
		"max_failures":   g.cfg.MaxFailures,
		"window":         g.cfg.Window.String(),
		"block_duration": g.cfg.BlockDuration.String(),
	}
}

// Stop ends the cleanup loop
func (g *MemoryGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

func (g *MemoryGuard) cleanup() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopChan:
			return
		}
	}
}

func (g *MemoryGuard) sweep() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.now()
	for ip, first := range g.firstAttempts {
		if now.Sub(first) > g.cfg.Window {
			delete(g.attemptCounts, ip)
			delete(g.firstAttempts, ip)
		}
	}
	for ip, blockTime := range g.blockedIPs {
		if now.Sub(blockTime) >= g.cfg.BlockDuration {
			delete(g.blockedIPs, ip)
		}
	}
}
