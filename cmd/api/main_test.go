package main

import (
	"testing"
	"time"
)

func TestEnvDuration(t *testing.T) {
	const def = 15 * time.Minute

	t.Setenv("TEST_TTL", "")
	if got := envDuration("TEST_TTL", def); got != def {
		t.Fatalf("unset var: expected %v, got %v", def, got)
	}

	t.Setenv("TEST_TTL", "45m")
	if got := envDuration("TEST_TTL", def); got != 45*time.Minute {
		t.Fatalf("expected 45m, got %v", got)
	}

	t.Setenv("TEST_TTL", "336h")
	if got := envDuration("TEST_TTL", def); got != 14*24*time.Hour {
		t.Fatalf("expected 14 days, got %v", got)
	}

	// Garbage and non-positive values fall back to the default.
	for _, raw := range []string{"soon", "-5m", "0"} {
		t.Setenv("TEST_TTL", raw)
		if got := envDuration("TEST_TTL", def); got != def {
			t.Fatalf("%q: expected fallback %v, got %v", raw, def, got)
		}
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_N", "25")
	if got := envInt("TEST_N", 10); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
	t.Setenv("TEST_N", "lots")
	if got := envInt("TEST_N", 10); got != 10 {
		t.Fatalf("expected fallback 10, got %d", got)
	}
}
