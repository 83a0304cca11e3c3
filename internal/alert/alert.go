// Package alert is the outbound signal surface for operational problems:
// staleness buildup, error bursts, queue backlog. The interface is small so
// deployments can fan alerts into whatever they page with; the default
// implementation just logs at Warn/Error.
package alert

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Severity orders alerts for routing.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one emitted condition.
type Alert struct {
	Severity Severity
	// Kind groups alerts for threshold counting, e.g. "staleness",
	// "sweep_errors", "queue_backlog", "parse_failures".
	Kind    string
	Message string
	Fields  map[string]any
}

// Alerter receives alerts. Implementations must be safe for concurrent use.
type Alerter interface {
	Emit(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to a structured logger. Warning maps to Warn,
// critical to Error.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Emit(ctx context.Context, a Alert) {
	attrs := make([]any, 0, 2+2*len(a.Fields))
	attrs = append(attrs, slog.String("alert_kind", a.Kind), slog.String("severity", string(a.Severity)))

	for k, v := range a.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	if a.Severity == SeverityCritical {
		l.logger.ErrorContext(ctx, a.Message, attrs...)
		return
	}

	l.logger.WarnContext(ctx, a.Message, attrs...)
}

// Threshold wraps an Alerter and suppresses an alert kind until it has been
// observed more than limit times within the window. Counters reset when the
// window rolls over, so a sustained condition re-alerts once per window
// rather than once per tick.
type Threshold struct {
	next   Alerter
	clock  clockwork.Clock
	window time.Duration
	limit  int

	mu     gosync.Mutex
	counts map[string]int
	start  time.Time
}

// NewThreshold creates a thresholding wrapper. limit <= 0 passes everything
// through; a nil clock uses the real one.
func NewThreshold(next Alerter, limit int, window time.Duration, clock clockwork.Clock) *Threshold {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Threshold{
		next:   next,
		clock:  clock,
		window: window,
		limit:  limit,
		counts: make(map[string]int),
		start:  clock.Now(),
	}
}

func (t *Threshold) Emit(ctx context.Context, a Alert) {
	if t.limit <= 0 {
		t.next.Emit(ctx, a)
		return
	}

	t.mu.Lock()

	now := t.clock.Now()
	if now.Sub(t.start) > t.window {
		t.counts = make(map[string]int)
		t.start = now
	}

	t.counts[a.Kind]++
	fire := t.counts[a.Kind] == t.limit+1

	t.mu.Unlock()

	if fire {
		t.next.Emit(ctx, a)
	}
}
