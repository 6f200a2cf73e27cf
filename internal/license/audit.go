package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogWriter persists validation records
type LogWriter interface {
	AppendLog(ctx context.Context, entry *ValidationLog) error
}

// AuditConfig tunes the asynchronous writer
type AuditConfig struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
}

// AuditLogger persists validation records off the request path. Append
// never blocks on storage and never discards a record: when the queue is
// full the record is handed to a short-lived goroutine that waits for room,
// or writes it itself once Close has stopped the writers.
// A record that still cannot be written after the retries is reported
// through the log and metrics; the verdict it belongs to is unaffected.
type AuditLogger struct {
	writer  LogWriter
	cfg     AuditConfig
	logger  *slog.Logger
	metrics *Metrics

	queue chan ValidationLog
	stop  chan struct{}
	wg    sync.WaitGroup
	// overflow tracks Appends still handing their record over
	overflow sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending int
	idle    chan struct{}

	subsMu      sync.RWMutex
	subscribers []func(ValidationLog)

	written  atomic.Int64
	failures atomic.Int64

	closeOnce sync.Once
}

// NewAuditLogger starts cfg.Workers writers draining into w
func NewAuditLogger(w LogWriter, cfg AuditConfig, logger *slog.Logger, metrics *Metrics) *AuditLogger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	a := &AuditLogger{
		writer:  w,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "audit_logger")),
		metrics: metrics,
		queue:   make(chan ValidationLog, cfg.QueueSize),
		stop:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Subscribe registers fn to receive every record after it is persisted.
// fn runs on a writer goroutine and must not block.
func (a *AuditLogger) Subscribe(fn func(ValidationLog)) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// Append enqueues entry for persistence and returns immediately. After Close
// the record is written synchronously instead.
func (a *AuditLogger) Append(entry ValidationLog) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.write(context.Background(), entry)
		return
	}
	a.pending++
	if a.pending == 1 {
		a.idle = make(chan struct{})
	}
	a.overflow.Add(1)
	a.mu.Unlock()

	a.metrics.queueDelta(context.Background(), 1)

	select {
	case a.queue <- entry:
		a.overflow.Done()
	default:
		go a.enqueueLater(entry)
	}
}

// enqueueLater waits for room in the queue. Once the writers are stopped
// the record is written here instead.
func (a *AuditLogger) enqueueLater(entry ValidationLog) {
	defer a.overflow.Done()
	select {
	case a.queue <- entry:
	case <-a.stop:
		a.write(context.Background(), entry)
		a.done()
	}
}

// Flush blocks until every record appended so far has been handled
func (a *AuditLogger) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.pending == 0 {
		a.mu.Unlock()
		return nil
	}
	idle := a.idle
	a.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush: %d records pending: %w", a.Pending(), ctx.Err())
	}
}

// Close drains the queue and stops the writers. Records still pending when
// ctx expires are reported in the returned error.
func (a *AuditLogger) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	err := a.Flush(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit queue not drained before shutdown",
			slog.Int("pending", a.Pending()),
			slog.String("error", err.Error()))
	}

	a.closeOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.overflow.Wait()
	return err
}

// Pending returns the number of records not yet handled
func (a *AuditLogger) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Written returns the number of records persisted
func (a *AuditLogger) Written() int64 { return a.written.Load() }

// Failures returns the number of records given up on
func (a *AuditLogger) Failures() int64 { return a.failures.Load() }

func (a *AuditLogger) run() {
	defer a.wg.Done()
	for {
		select {
		case entry := <-a.queue:
			a.write(context.Background(), entry)
			a.done()
		case <-a.stop:
			return
		}
	}
}

func (a *AuditLogger) done() {
	a.metrics.queueDelta(context.Background(), -1)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending--
	if a.pending == 0 {
		close(a.idle)
	}
}

func (a *AuditLogger) write(ctx context.Context, entry ValidationLog) {
	var err error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.cfg.RetryBackoff * time.Duration(1<<(attempt-1)))
		}
		record := entry
		if err = a.writer.AppendLog(ctx, &record); err == nil {
			a.written.Add(1)
			a.metrics.recordAuditWrite(ctx, true)
			a.publish(record)
			return
		}
	}

	a.failures.Add(1)
	a.metrics.recordAuditWrite(ctx, false)
	a.logger.ErrorContext(ctx, "validation log write failed",
		slog.String("license_key", MaskKey(entry.LicenseKey)),
		slog.Bool("success", entry.Success),
		slog.String("reason", string(entry.Reason)),
		slog.Time("timestamp", entry.Timestamp),
		slog.Int("attempts", a.cfg.MaxRetries+1),
		slog.String("error", err.Error()))
}

func (a *AuditLogger) publish(record ValidationLog) {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	for _, fn := range a.subscribers {
		fn(record)
	}
}
