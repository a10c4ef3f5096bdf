package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/internal/uuid"
)

const (
	// DefaultQueueSize is the bounded capacity of the write queue.
	DefaultQueueSize = 4096
	// DefaultWriteTimeout bounds each store write made by the writer.
	DefaultWriteTimeout = 2 * time.Second
)

type queued struct {
	event   SecurityEvent
	barrier chan struct{}
}

// Log is the asynchronous front of a Store. Append never blocks and never
// fails from the caller's point of view: events go into a bounded queue
// drained by a single writer goroutine, which preserves arrival order.
// When the queue is full the event is dropped and reported through the
// drop handler.
type Log struct {
	store        Store
	logger       *slog.Logger
	audit        *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration
	onDrop       func(SecurityEvent)
	onWrite      func(SecurityEvent)

	queue  chan queued
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger for operational messages and audit lines.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithQueueSize sets the write queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan queued, n)
		}
	}
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Log) { l.writeTimeout = d }
}

// WithDropHandler is called for every event dropped on queue overflow.
func WithDropHandler(fn func(SecurityEvent)) Option {
	return func(l *Log) { l.onDrop = fn }
}

// WithWriteHandler is called after every accepted event is enqueued.
func WithWriteHandler(fn func(SecurityEvent)) Option {
	return func(l *Log) { l.onWrite = fn }
}

// NewLog starts a Log writing to store. Call Close to drain and stop it.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		writeTimeout: DefaultWriteTimeout,
		queue:        make(chan queued, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.audit = l.logger.With("component", "audit")
	l.logger = l.logger.With("component", "events")
	l.wg.Add(1)
	go l.loop()
	return l
}

// Append stamps e with an ID and timestamp when missing and queues it for
// persistence. It also writes an audit log line synchronously.
func (l *Log) Append(ctx context.Context, e SecurityEvent) {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.IP == "" {
		e.IP = UnknownIP
	}
	l.auditLine(ctx, e)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(e, "log closed")
		return
	}
	select {
	case l.queue <- queued{event: e}:
		if l.onWrite != nil {
			l.onWrite(e)
		}
	default:
		l.drop(e, "queue full")
	}
}

func (l *Log) drop(e SecurityEvent, reason string) {
	l.logger.Warn("dropping security event", "reason", reason, "event", string(e.Type), "id", e.ID)
	if l.onDrop != nil {
		l.onDrop(e)
	}
}

func (l *Log) auditLine(ctx context.Context, e SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("event_id", e.ID),
		slog.String("ip", e.IP),
		slog.String("timestamp", e.Timestamp.UTC().Format(time.RFC3339)),
	}
	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	l.audit.LogAttrs(ctx, slog.LevelInfo, "security event", attrs...)
}

// Flush blocks until every event appended before the call has been handed
// to the store, or ctx is done.
func (l *Log) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.queue <- queued{barrier: barrier}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queue and waits for the writer.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	l.wg.Wait()
}

// Query reads persisted events from the store.
func (l *Log) Query(ctx context.Context, f Filter) ([]SecurityEvent, error) {
	return l.store.Query(ctx, f)
}

// Prune removes persisted events older than before.
func (l *Log) Prune(ctx context.Context, before time.Time) (int, error) {
	return l.store.Prune(ctx, before)
}

func (l *Log) loop() {
	defer l.wg.Done()
	for item := range l.queue {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err := l.store.Append(ctx, item.event)
		cancel()
		if err != nil {
			l.logger.Warn("persisting security event failed",
				"event", string(item.event.Type), "id", item.event.ID, "error", err)
		}
	}
}

// RetentionSweeper returns a sweep function that prunes events older than
// retention. It plugs into the janitor.
func (l *Log) RetentionSweeper(retention time.Duration) func(ctx context.Context, now time.Time) (int, error) {
	return func(ctx context.Context, now time.Time) (int, error) {
		return l.store.Prune(ctx, now.Add(-retention))
	}
}
