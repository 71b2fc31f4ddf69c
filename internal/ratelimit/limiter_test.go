package ratelimit

import (
	"testing"
	"time"
)

func TestFixedWindow(t *testing.T) {
	l := New()
	defer l.Stop()

	window := time.Minute
	for i := 0; i < 5; i++ {
		allowed, remaining, _ := l.Allow("route|1.2.3.4", window, 5)
		if !allowed {
			t.Errorf("request %d should be allowed", i)
		}
		if remaining != 5-i-1 {
			t.Errorf("expected remaining %d, got %d", 5-i-1, remaining)
		}
	}

	allowed, _, retryAfter := l.Allow("route|1.2.3.4", window, 5)
	if allowed {
		t.Error("6th request should be denied")
	}
	if retryAfter <= 0 || retryAfter > window {
		t.Errorf("retryAfter out of range: %v", retryAfter)
	}
}

func TestWindowBoundaryResets(t *testing.T) {
	l := New()
	defer l.Stop()

	window := 50 * time.Millisecond
	for i := 0; i < 3; i++ {
		l.Allow("k", window, 3)
	}
	if allowed, _, _ := l.Allow("k", window, 3); allowed {
		t.Fatal("should be over limit")
	}

	time.Sleep(60 * time.Millisecond)

	allowed, remaining, _ := l.Allow("k", window, 3)
	if !allowed {
		t.Error("new window should allow")
	}
	if remaining != 2 {
		t.Errorf("count should reset with the window, remaining = %d", remaining)
	}
}

func TestZeroWindowDisables(t *testing.T) {
	l := New()
	defer l.Stop()

	for i := 0; i < 100; i++ {
		if allowed, _, _ := l.Allow("k", 0, 1); !allowed {
			t.Fatal("zero window must disable limiting")
		}
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	defer l.Stop()

	l.Allow("route|a", time.Minute, 1)
	if allowed, _, _ := l.Allow("route|a", time.Minute, 1); allowed {
		t.Error("key a should be exhausted")
	}
	if allowed, _, _ := l.Allow("route|b", time.Minute, 1); !allowed {
		t.Error("key b should be untouched")
	}
}
