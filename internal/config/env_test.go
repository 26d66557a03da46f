package config

import (
	"testing"
	"time"
)

func TestDurationAcceptsSecondsAndUnits(t *testing.T) {
	t.Setenv("EMUHUB_X_DELAY", "3")
	if got := Duration("EMUHUB_X_DELAY", time.Second); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	t.Setenv("EMUHUB_X_DELAY", "250ms")
	if got := Duration("EMUHUB_X_DELAY", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	t.Setenv("EMUHUB_X_DELAY", "soon")
	if got := Duration("EMUHUB_X_DELAY", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("EMUHUB_X_FLAG", "yes")
	if !Bool("EMUHUB_X_FLAG", false) {
		t.Fatal("expected true")
	}
	t.Setenv("EMUHUB_X_FLAG", "maybe")
	if Bool("EMUHUB_X_FLAG", false) {
		t.Fatal("expected fallback false")
	}
	t.Setenv("EMUHUB_X_PORT", " 5037 ")
	if got := Int("EMUHUB_X_PORT", 0); got != 5037 {
		t.Fatalf("expected 5037, got %d", got)
	}
}

func TestStringFallback(t *testing.T) {
	t.Setenv("EMUHUB_X_NAME", "   ")
	if got := String("EMUHUB_X_NAME", "adb"); got != "adb" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
