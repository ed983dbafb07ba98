package ratelimit

import (
	"testing"
	"time"
)

func TestSingleton(t *testing.T) {
	a := Get("test-family", 5, 30*time.Second)
	b := Get("test-family", 500, time.Second)
	if a != b {
		t.Error("expected the same limiter for the same family")
	}
}

func TestReconfigureMonotonic(t *testing.T) {
	l := Get("test-monotonic", 5, 30*time.Second)
	Reconfigure("test-monotonic", 50, 30*time.Second)
	if got := l.Burst(); got != 50 {
		t.Errorf("after upgrade: burst %d, want 50", got)
	}
	Reconfigure("test-monotonic", 5, 30*time.Second)
	if got := l.Burst(); got != 50 {
		t.Errorf("downgrade should be ignored: burst %d, want 50", got)
	}
}

func TestNVD(t *testing.T) {
	l := NVD(false)
	if got := l.Burst(); got != 5 && got != 50 {
		t.Errorf("unexpected NVD burst %d", got)
	}
	k := NVD(true)
	if l != k {
		t.Error("NVD limiter must be a process-wide singleton")
	}
	if got := k.Burst(); got != 50 {
		t.Errorf("with key: burst %d, want 50", got)
	}
}
