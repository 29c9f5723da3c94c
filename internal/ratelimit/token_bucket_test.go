package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucket_StartsFull(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("token %d denied, want allowed", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("4th token allowed, want denied")
	}
}

func TestTokenBucket_RefillsAtRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 10, 2)

	if !b.Allow(10) {
		t.Fatalf("initial capacity denied")
	}
	if b.Allow(1) {
		t.Fatalf("empty bucket allowed")
	}

	clk.Advance(500 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected 1 token after 500ms at 2/s")
	}
	if b.Allow(1) {
		t.Fatalf("expected no second token after 500ms at 2/s")
	}
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 100)

	clk.Advance(time.Hour)
	if !b.Allow(2) {
		t.Fatalf("capacity denied after long idle")
	}
	if b.Allow(1) {
		t.Fatalf("bucket exceeded capacity after long idle")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("initial token denied")
	}

	clk.now = time.Unix(50, 0)
	if b.Allow(1) {
		t.Fatalf("allowed after clock went backwards, want denied")
	}
}

func TestTokenBucket_NonPositiveCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("zero cost denied")
	}
	if !b.Allow(-5) {
		t.Fatalf("negative cost denied")
	}
}
