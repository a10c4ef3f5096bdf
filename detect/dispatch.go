package detect

import (
	"context"
	"errors"
	"log/slog"
)

// Dispatcher delivers alerts to whoever needs to act on them.
type Dispatcher interface {
	Notify(ctx context.Context, alert Alert) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, alert Alert) error

func (f DispatcherFunc) Notify(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// LogDispatcher writes alerts to a structured logger.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher returns a dispatcher that logs through logger.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(ctx context.Context, a Alert) error {
	level := slog.LevelWarn
	if a.Critical() {
		level = slog.LevelError
	}
	d.logger.LogAttrs(ctx, level, "security alert",
		slog.String("alert_id", a.ID),
		slog.String("type", string(a.Type)),
		slog.String("severity", a.Severity.String()),
		slog.String("ip", a.IP),
		slog.String("user_id", a.UserID),
		slog.Any("details", a.Details),
	)
	return nil
}

// MultiDispatcher fans an alert out to every dispatcher and joins their
// errors.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
