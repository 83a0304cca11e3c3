package sync

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestEvaluator_Stale(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	eval := NewEvaluator(clock)

	threshold := 12 * time.Hour

	tests := []struct {
		name     string
		synced   time.Time
		changed  time.Time
		expected bool
	}{
		{
			name:     "never synced",
			synced:   time.Time{},
			changed:  now.Add(-time.Hour),
			expected: true,
		},
		{
			name:     "no upstream timestamp",
			synced:   now.Add(-time.Hour),
			changed:  time.Time{},
			expected: false,
		},
		{
			name:     "upstream changed after sync",
			synced:   now.Add(-time.Hour),
			changed:  now.Add(-30 * time.Minute),
			expected: true,
		},
		{
			name:     "fresh within threshold",
			synced:   now.Add(-time.Hour),
			changed:  now.Add(-2 * time.Hour),
			expected: false,
		},
		{
			name:     "sync older than threshold",
			synced:   now.Add(-13 * time.Hour),
			changed:  now.Add(-24 * time.Hour),
			expected: true,
		},
		{
			name:     "sync exactly at threshold",
			synced:   now.Add(-threshold),
			changed:  now.Add(-24 * time.Hour),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, eval.Stale(tt.synced, tt.changed, threshold))
		})
	}
}

func TestEvaluator_ZeroThresholdDisablesAgeRule(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	eval := NewEvaluator(clockwork.NewFakeClockAt(now))

	// Synced a year ago, upstream unchanged since: without a threshold the
	// entity stays fresh.
	synced := now.Add(-365 * 24 * time.Hour)
	changed := synced.Add(-time.Hour)

	assert.False(t, eval.Stale(synced, changed, 0))
	assert.True(t, eval.Stale(synced, changed, 30*24*time.Hour))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"North Hall", "North_Hall"},
		{"a/b\\c:d", "a_b_c_d"},
		{"  spaced  ", "spaced"},
		{"", "unnamed"},
		{"...", "unnamed"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, sanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeName_TruncatesOnRuneBoundary(t *testing.T) {
	// 40 three-byte runes: the byte cap lands mid-rune unless the cut
	// backs off to a boundary.
	long := strings.Repeat("€", 40)

	got := sanitizeName(long)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxNameLen)
	assert.NotEmpty(t, got)
}
