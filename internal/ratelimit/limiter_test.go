package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct {
	calls int
}

func (f *failingStore) Take(context.Context, string, int, time.Duration, time.Time, bool) (int, time.Time, error) {
	f.calls++
	return 0, time.Time{}, errors.New("store down")
}

func (f *failingStore) Reset(context.Context, string) error {
	return errors.New("store down")
}

func TestCheckSlidingWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l := New(NewMemoryStore(), nil)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "fire:u1", 3, time.Minute, true)
		if err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		now = now.Add(time.Second)
	}

	res, err := l.Check(ctx, "fire:u1", 3, time.Minute, true)
	if err != nil {
		t.Fatalf("fourth check: %v", err)
	}
	if res.Allowed {
		t.Fatal("fourth request within window should be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("denied result must carry retry_after, got %s", res.RetryAfter)
	}

	// Oldest entry slides out of the window.
	now = base.Add(61 * time.Second)
	res, err = l.Check(ctx, "fire:u1", 3, time.Minute, true)
	if err != nil {
		t.Fatalf("check after window: %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after window slides should be allowed")
	}
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res, _ := l.Check(ctx, "fire:u1", 2, time.Minute, true); !res.Allowed {
			t.Fatal("u1 should be allowed")
		}
	}
	if res, _ := l.Check(ctx, "fire:u1", 2, time.Minute, true); res.Allowed {
		t.Fatal("u1 should be exhausted")
	}
	if res, _ := l.Check(ctx, "fire:u2", 2, time.Minute, true); !res.Allowed {
		t.Fatal("u2 must not inherit u1's window")
	}
}

func TestCheckFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &failingStore{}
	l := New(primary, NewMemoryStore())
	ctx := context.Background()

	res, err := l.Check(ctx, "fire:u1", 1, time.Minute, true)
	if err != nil {
		t.Fatalf("fallback path should not error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("first request via fallback should be allowed")
	}
	if primary.calls != 1 {
		t.Fatalf("primary should have been tried once, got %d", primary.calls)
	}

	// The fallback still enforces the limit.
	res, _ = l.Check(ctx, "fire:u1", 1, time.Minute, true)
	if res.Allowed {
		t.Fatal("fallback must enforce the window limit")
	}
}

func TestCheckFailsOpenWhenAllStoresDown(t *testing.T) {
	l := New(&failingStore{}, &failingStore{})

	res, err := l.Check(context.Background(), "fire:u1", 1, time.Minute, true)
	if err == nil {
		t.Fatal("expected surfaced store error")
	}
	if !res.Allowed {
		t.Fatal("limiter must fail open when every store is down")
	}
}

func TestCheckWithoutIncrementDoesNotConsume(t *testing.T) {
	l := New(NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if res, _ := l.Check(ctx, "fire:u1", 1, time.Minute, false); !res.Allowed {
			t.Fatal("probe checks must not consume window slots")
		}
	}
}
