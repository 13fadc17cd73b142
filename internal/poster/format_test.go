package poster

import (
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 Seconds"},
		{time.Second, "1 Second"},
		{61 * time.Second, "1 Minute 1 Second"},
		{2 * time.Hour, "2 Hours"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1 Day 2 Hours 3 Minutes 4 Seconds"},
		{48 * time.Hour, "2 Days"},
		{-time.Minute, "0 Seconds"},
	}
	for _, tt := range tests {
		if got := FormatUptime(tt.d); got != tt.want {
			t.Fatalf("FormatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatCadence(t *testing.T) {
	t.Parallel()
	if got := FormatCadence(2*time.Minute, nil); got != "2m" {
		t.Fatalf("got %q", got)
	}
	got := FormatCadence(90*time.Second, []time.Duration{30 * time.Second, time.Minute})
	if got != "1m30s (+30s/+1m)" {
		t.Fatalf("got %q", got)
	}
}
