package breaker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) *Breaker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test", threshold, cooldown)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, 3, 5*time.Minute)

	for i := 1; i <= 2; i++ {
		opened, err := b.RecordFailure(ctx, "main")
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if opened {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i)
		}
	}

	opened, err := b.RecordFailure(ctx, "main")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !opened {
		t.Fatal("breaker did not report the closed -> open transition at the threshold")
	}

	allow, err := b.Allow(ctx, "main")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allow {
		t.Error("Allow() = true while the breaker cooldown is running")
	}

	// Further failures while open must not report a second transition.
	opened, err = b.RecordFailure(ctx, "main")
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if opened {
		t.Error("RecordFailure() reported the open transition twice")
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, 1, 5*time.Minute)

	if _, err := b.RecordFailure(ctx, "main"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	// Backdate opened_at so the cooldown has elapsed.
	past := strconv.FormatInt(time.Now().Add(-6*time.Minute).Unix(), 10)
	if err := b.rdb.Set(ctx, b.openedKey("main"), past, 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	allow, err := b.Allow(ctx, "main")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allow {
		t.Fatal("Allow() = false after the cooldown elapsed, want a probe through")
	}

	closed, err := b.RecordSuccess(ctx, "main")
	if err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	if !closed {
		t.Error("RecordSuccess() did not report closing an open breaker")
	}

	state, err := b.State(ctx, "main")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Open || state.ConsecutiveFailures != 0 {
		t.Errorf("state after successful probe = %+v, want closed with zero failures", state)
	}
}

func TestBreaker_FailedProbeRestartsCooldown(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, 1, 5*time.Minute)

	if _, err := b.RecordFailure(ctx, "main"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	past := strconv.FormatInt(time.Now().Add(-6*time.Minute).Unix(), 10)
	if err := b.rdb.Set(ctx, b.openedKey("main"), past, 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Probe fails: opened_at is refreshed, so the breaker blocks again.
	if _, err := b.RecordFailure(ctx, "main"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	allow, err := b.Allow(ctx, "main")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allow {
		t.Error("Allow() = true right after a failed probe")
	}
}

func TestBreaker_SitesAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, 1, 5*time.Minute)

	if _, err := b.RecordFailure(ctx, "siteA"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}

	allowA, err := b.Allow(ctx, "siteA")
	if err != nil {
		t.Fatalf("Allow(siteA) error = %v", err)
	}
	allowB, err := b.Allow(ctx, "siteB")
	if err != nil {
		t.Fatalf("Allow(siteB) error = %v", err)
	}
	if allowA {
		t.Error("Allow(siteA) = true, breaker should be open")
	}
	if !allowB {
		t.Error("Allow(siteB) = false, other sites must be unaffected")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, 3, 5*time.Minute)

	b.RecordFailure(ctx, "main")
	b.RecordFailure(ctx, "main")
	if _, err := b.RecordSuccess(ctx, "main"); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}

	// Two more failures stay under the threshold again.
	b.RecordFailure(ctx, "main")
	b.RecordFailure(ctx, "main")
	allow, err := b.Allow(ctx, "main")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allow {
		t.Error("breaker opened even though the count was reset by a success")
	}
}
