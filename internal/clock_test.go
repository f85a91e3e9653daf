package internal

import "testing"

func TestRolledOver(t *testing.T) {
	now := int64(1000)
	previous := now + RolloverThresholdMS + 1
	if !RolledOver(now, previous) {
		t.Fatal("expected rollover to be detected")
	}
	if RolledOver(previous, now) {
		t.Fatal("forward jump must not be a rollover")
	}
	if RolledOver(now, now+1000) {
		t.Fatal("small backward jitter must not be a rollover")
	}
}

func TestNowMSMonotonicEnough(t *testing.T) {
	a := NowMS()
	b := NowMS()
	if b < a {
		t.Fatalf("time went backwards within the same test: %d then %d", a, b)
	}
}
