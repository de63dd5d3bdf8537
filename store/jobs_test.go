package store

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 600 * time.Second}, // 960s capped
		{10, 600 * time.Second},
		{100, 600 * time.Second}, // must not overflow
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestBackoffMonotonicUntilCap(t *testing.T) {
	prev := Backoff(0)
	for i := 1; i < 8; i++ {
		cur := Backoff(i)
		if cur < prev {
			t.Errorf("Backoff(%d) = %v < Backoff(%d) = %v", i, cur, i-1, prev)
		}
		prev = cur
	}
}
