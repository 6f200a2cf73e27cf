package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// HealthStatus grades one component or the whole engine
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// severity orders statuses so the worst one wins
func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	default:
		return 2
	}
}

// ComponentHealth is the outcome of one component check
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckConfig tunes the component checks
type HealthCheckConfig struct {
	// StoreTimeout bounds the store ping and the guard check
	StoreTimeout time.Duration
	// AuditBacklog is the queue depth above which auditing reports degraded
	AuditBacklog int
}

// DefaultHealthCheckConfig returns the server defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{StoreTimeout: 2 * time.Second, AuditBacklog: 512}
}

// HealthCheckResult aggregates every component check
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary counts components per status
type HealthSummary struct {
	TotalComponents     int `json:"total_components"`
	HealthyComponents   int `json:"healthy_components"`
	DegradedComponents  int `json:"degraded_components"`
	UnhealthyComponents int `json:"unhealthy_components"`
}

type componentCheck func(context.Context, *ComponentHealth)

// HealthCheck checks the store, audit logger, catalog cache and guard
// behind a Manager
type HealthCheck struct {
	manager *Manager
	config  HealthCheckConfig
	checks  map[string]componentCheck
}

// NewHealthCheck creates a health check for manager
func NewHealthCheck(manager *Manager, config HealthCheckConfig) *HealthCheck {
	hc := &HealthCheck{manager: manager, config: config}
	hc.checks = map[string]componentCheck{
		"store":         hc.checkStore,
		"audit_logger":  hc.checkAudit,
		"catalog_cache": hc.checkCache,
		"guard":         hc.checkGuard,
	}
	return hc
}

// Perform runs all component checks concurrently. The overall status is the worst
// component status.
func (hc *HealthCheck) Perform(ctx context.Context) *HealthCheckResult {
	ctx, finish := startSpan(ctx, "license.health_check")

	started := time.Now()
	res := &HealthCheckResult{
		Timestamp:  started,
		Components: make(map[string]*ComponentHealth, len(hc.checks)),
		Summary:    &HealthSummary{},
	}

	var mu sync.Mutex
	var g errgroup.Group
	for name, run := range hc.checks {
		g.Go(func() error {
			c := &ComponentHealth{Status: HealthStatusHealthy, Timestamp: time.Now()}
			run(ctx, c)
			c.Duration = time.Since(c.Timestamp).String()

			mu.Lock()
			res.Components[name] = c
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res.OverallStatus = HealthStatusHealthy
	for _, c := range res.Components {
		res.Summary.add(c.Status)
		if c.Status.severity() > res.OverallStatus.severity() {
			res.OverallStatus = c.Status
		}
	}
	res.Duration = time.Since(started).String()
	res.Message = fmt.Sprintf("%d of %d components healthy", res.Summary.HealthyComponents, res.Summary.TotalComponents)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("health.overall_status", string(res.OverallStatus)),
		attribute.Int("health.unhealthy_components", res.Summary.UnhealthyComponents),
	)
	finish(nil)
	return res
}

// Ready reports whether the store answers within StoreTimeout
func (hc *HealthCheck) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hc.config.StoreTimeout)
	defer cancel()
	return hc.manager.store.Ping(ctx)
}

func (hc *HealthCheck) checkStore(ctx context.Context, c *ComponentHealth) {
	c.Metadata = map[string]interface{}{"timeout_ms": hc.config.StoreTimeout.Milliseconds()}
	if err := hc.Ready(ctx); err != nil {
		c.Status, c.Message, c.Error = HealthStatusUnhealthy, "Store unreachable", err.Error()
		return
	}
	c.Message = "Store reachable"
}

func (hc *HealthCheck) checkAudit(_ context.Context, c *ComponentHealth) {
	a := hc.manager.audit
	pending, failures := a.Pending(), a.Failures()
	c.Metadata = map[string]interface{}{"pending": pending, "written": a.Written(), "failures": failures}

	switch {
	case pending > hc.config.AuditBacklog:
		c.Status, c.Message = HealthStatusDegraded, fmt.Sprintf("Audit backlog of %d records", pending)
	case failures > 0:
		c.Status, c.Message = HealthStatusDegraded, fmt.Sprintf("%d validation records could not be persisted", failures)
	default:
		c.Message = "Audit logger keeping up"
	}
}

func (hc *HealthCheck) checkCache(_ context.Context, c *ComponentHealth) {
	c.Message = "Catalog cache operational"
	c.Metadata = hc.manager.catalog.stats()
}

func (hc *HealthCheck) checkGuard(ctx context.Context, c *ComponentHealth) {
	g := hc.manager.guard
	if g == nil {
		c.Message = "Guard disabled"
		return
	}
	if s, ok := g.(interface{ GetStats() map[string]interface{} }); ok {
		c.Metadata = s.GetStats()
	}

	ctx, cancel := context.WithTimeout(ctx, hc.config.StoreTimeout)
	defer cancel()
	if _, err := g.Blocked(ctx, "health-check"); err != nil {
		c.Status, c.Message, c.Error = HealthStatusDegraded, "Guard backend failing, requests are let through", err.Error()
		return
	}
	c.Message = "Guard operational"
}

func (s *HealthSummary) add(status HealthStatus) {
	s.TotalComponents++
	switch status {
	case HealthStatusHealthy:
		s.HealthyComponents++
	case HealthStatusDegraded:
		s.DegradedComponents++
	default:
		s.UnhealthyComponents++
	}
}
