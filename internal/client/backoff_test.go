package client

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Grows(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 50; i++ {
		b.Reset()
		d := b.Next()
		if d < 400*time.Millisecond || d > 600*time.Millisecond {
			t.Fatalf("first delay %v outside [400ms, 600ms]", d)
		}
	}
}

func TestBackoff_Max(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	for i := 0; i < 10; i++ {
		if d := b.Next(); d > 5*time.Second {
			t.Errorf("delay %v exceeded max 5s", d)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()
	if b.Attempt() != 2 {
		t.Errorf("expected attempt 2, got %d", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("expected attempt 0 after reset, got %d", b.Attempt())
	}
}

func TestBackoff_WaitHonorsContext(t *testing.T) {
	b := &Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}
