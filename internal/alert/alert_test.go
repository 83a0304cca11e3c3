package alert

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

type countingAlerter struct {
	emitted []Alert
}

func (c *countingAlerter) Emit(_ context.Context, a Alert) {
	c.emitted = append(c.emitted, a)
}

func TestThreshold_SuppressesBelowLimit(t *testing.T) {
	ctx := t.Context()
	next := &countingAlerter{}
	th := NewThreshold(next, 2, time.Hour, clockwork.NewFakeClock())

	a := Alert{Severity: SeverityWarning, Kind: "staleness"}

	th.Emit(ctx, a)
	th.Emit(ctx, a)
	assert.Empty(t, next.emitted)

	th.Emit(ctx, a)
	assert.Len(t, next.emitted, 1, "fires once the limit is exceeded")

	// Repeats within the same window stay quiet.
	th.Emit(ctx, a)
	assert.Len(t, next.emitted, 1)
}

func TestThreshold_CountsPerKind(t *testing.T) {
	ctx := t.Context()
	next := &countingAlerter{}
	th := NewThreshold(next, 1, time.Hour, clockwork.NewFakeClock())

	th.Emit(ctx, Alert{Kind: "staleness"})
	th.Emit(ctx, Alert{Kind: "queue_backlog"})
	assert.Empty(t, next.emitted, "kinds do not share a counter")

	th.Emit(ctx, Alert{Kind: "staleness"})
	assert.Len(t, next.emitted, 1)
	assert.Equal(t, "staleness", next.emitted[0].Kind)
}

func TestThreshold_WindowRollover(t *testing.T) {
	ctx := t.Context()
	clock := clockwork.NewFakeClock()
	next := &countingAlerter{}
	th := NewThreshold(next, 1, time.Hour, clock)

	a := Alert{Kind: "sweep_errors"}

	th.Emit(ctx, a)
	th.Emit(ctx, a)
	assert.Len(t, next.emitted, 1)

	// A new window starts counting from zero, so a sustained condition
	// re-alerts once per window.
	clock.Advance(61 * time.Minute)

	th.Emit(ctx, a)
	assert.Len(t, next.emitted, 1)

	th.Emit(ctx, a)
	assert.Len(t, next.emitted, 2)
}

func TestThreshold_ZeroLimitPassesThrough(t *testing.T) {
	ctx := t.Context()
	next := &countingAlerter{}
	th := NewThreshold(next, 0, time.Hour, clockwork.NewFakeClock())

	th.Emit(ctx, Alert{Kind: "staleness"})
	assert.Len(t, next.emitted, 1)
}
