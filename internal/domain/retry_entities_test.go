package domain

import (
	"testing"
	"time"
)

func TestOriginalID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"bare", "scan-42", "scan-42"},
		{"one suffix", "scan-42-retry1", "scan-42"},
		{"chained suffixes", "scan-42-retry1-retry2-retry3", "scan-42"},
		{"suffix mid chain", "scan-retry-like", "scan-retry-like"},
		{"digits elsewhere", "j2-retry10", "j2"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OriginalID(tt.id); got != tt.want {
				t.Errorf("OriginalID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestOriginalIDStable(t *testing.T) {
	// Stripping is idempotent and every chain member maps to the same key.
	base := "dup-scan-7"
	chain := []string{base}
	for n := 1; n <= 4; n++ {
		chain = append(chain, RetryJobID(chain[len(chain)-1], n))
	}
	for _, id := range chain {
		if got := OriginalID(id); got != base {
			t.Errorf("OriginalID(%q) = %q, want %q", id, got, base)
		}
		if got := OriginalID(OriginalID(id)); got != base {
			t.Errorf("double strip of %q = %q, want %q", id, got, base)
		}
	}
}

func TestRetryJobID(t *testing.T) {
	if got := RetryJobID("j2", 1); got != "j2-retry1" {
		t.Fatalf("RetryJobID = %q", got)
	}
	if got := RetryJobID("j2", 12); got != "j2-retry12" {
		t.Fatalf("RetryJobID = %q", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Millisecond
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Millisecond},
		{2, 10 * time.Millisecond},
		{3, 20 * time.Millisecond},
		{4, 40 * time.Millisecond},
		{0, 5 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := BackoffDelay(base, tt.attempts); got != tt.want {
			t.Errorf("BackoffDelay(%v, %d) = %v, want %v", base, tt.attempts, got, tt.want)
		}
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", cfg.MaxAttempts)
	}
	if cfg.BaseDelay != 0 {
		t.Fatalf("BaseDelay = %v, want 0 (classifier-driven)", cfg.BaseDelay)
	}
	if AbsoluteMaxAttempts != 5 {
		t.Fatalf("AbsoluteMaxAttempts = %d, want 5", AbsoluteMaxAttempts)
	}
}
