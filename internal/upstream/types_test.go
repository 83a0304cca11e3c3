package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want time.Time
	}{
		{"zero means never", 0, time.Time{}},
		{"negative means never", -5, time.Time{}},
		{"unix seconds", 1700000000, time.Unix(1700000000, 0).UTC()},
		{"unix milliseconds", 1700000000123, time.UnixMilli(1700000000123).UTC()},
		{"threshold boundary is seconds", int64(1e10), time.Unix(int64(1e10), 0).UTC()},
		{"just above threshold is milliseconds", int64(1e10) + 1, time.UnixMilli(int64(1e10) + 1).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTimestamp(tt.in))
		})
	}
}
