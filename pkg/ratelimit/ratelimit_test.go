package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiterAllowsBurstThenWaits(t *testing.T) {
	l := NewLocal(10, 2)
	ctx := context.Background()

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second Wait (within burst): %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 2 should not block, took %v", elapsed)
	}

	// A third call exceeds the burst and must wait roughly 1/rate seconds.
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("third Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("third call should have waited for a new token, took %v", elapsed)
	}
}

func TestLocalLimiterRespectsContextCancellation(t *testing.T) {
	l := NewLocal(1, 1)
	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := l.Wait(cctx); err == nil {
		t.Error("expected context deadline error while waiting for the next token")
	}
}

func TestLocalIdleCache(t *testing.T) {
	c := NewLocalIdleCache()
	ctx := context.Background()

	if _, ok, err := c.LastEvent(ctx); err != nil || ok {
		t.Fatalf("LastEvent on empty cache: ok=%v err=%v, want ok=false", ok, err)
	}

	first := time.Now().Add(-time.Minute)
	if err := c.Touch(ctx, first); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, ok, err := c.LastEvent(ctx)
	if err != nil || !ok {
		t.Fatalf("LastEvent: ok=%v err=%v", ok, err)
	}
	if !got.Equal(first) {
		t.Errorf("LastEvent = %v, want %v", got, first)
	}

	// An older touch must not regress the recorded timestamp.
	older := first.Add(-time.Hour)
	if err := c.Touch(ctx, older); err != nil {
		t.Fatalf("Touch (older): %v", err)
	}
	got, _, _ = c.LastEvent(ctx)
	if !got.Equal(first) {
		t.Errorf("an older Touch regressed LastEvent to %v, want unchanged %v", got, first)
	}

	newer := first.Add(time.Hour)
	if err := c.Touch(ctx, newer); err != nil {
		t.Fatalf("Touch (newer): %v", err)
	}
	got, _, _ = c.LastEvent(ctx)
	if !got.Equal(newer) {
		t.Errorf("LastEvent after newer Touch = %v, want %v", got, newer)
	}
}
