package auth

import (
	"testing"
	"time"
)

func TestNearExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	threshold := 5 * time.Minute

	cases := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"well before expiry", now.Add(time.Hour), false},
		{"exactly at threshold", now.Add(threshold), true},
		{"just inside threshold", now.Add(threshold - time.Second), true},
		{"just outside threshold", now.Add(threshold + time.Second), false},
		{"already expired", now.Add(-time.Minute), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := NearExpiry(c.expiresAt, now, threshold); got != c.want {
				t.Errorf("NearExpiry(%v) = %v, want %v", c.expiresAt, got, c.want)
			}
		})
	}
}

func TestTokenNearExpiryUsesDefaultThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := Token{ExpiresAt: now.Add(DefaultRefreshThreshold)}
	if !tok.NearExpiry(now) {
		t.Fatal("expected token at exactly the default threshold to be near-expiry")
	}
}
