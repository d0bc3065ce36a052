package token

import (
	"testing"
	"time"
)

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New("", time.Now().Add(time.Hour), "")
	if err != ErrEmptyToken {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
}

func TestNewRejectsZeroExpiry(t *testing.T) {
	_, err := New("tok", time.Time{}, "")
	if err != ErrZeroExpiry {
		t.Fatalf("expected ErrZeroExpiry, got %v", err)
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	tok, err := New("tok", now.Add(time.Minute), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tok.Expired(now) {
		t.Fatal("should not be expired yet")
	}
	if !tok.Expired(now.Add(2 * time.Minute)) {
		t.Fatal("should be expired")
	}
	if !tok.Expired(now.Add(time.Minute)) {
		t.Fatal("now == expires_at must count as expired")
	}
}

func TestNeedsRenewalWindow(t *testing.T) {
	now := time.Now()
	period := 30 * time.Minute
	// expires in 10 minutes; k=2 -> window 60 minutes -> needs renewal
	tok, err := New("tok", now.Add(10*time.Minute), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tok.NeedsRenewal(now, period, 2) {
		t.Fatal("expected renewal to be needed within k*period window")
	}

	// expires in 2 hours; not within a 60 minute window
	tok2, err := New("tok", now.Add(2*time.Hour), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tok2.NeedsRenewal(now, period, 2) {
		t.Fatal("expected renewal not yet needed")
	}
}

func TestNeedsRenewalDefaultsKTo2(t *testing.T) {
	now := time.Now()
	tok, err := New("tok", now.Add(10*time.Minute), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tok.NeedsRenewal(now, 30*time.Minute, 0) {
		t.Fatal("expected k<=0 to default to 2")
	}
}

func TestExpiredImpliesNeedsRenewal(t *testing.T) {
	now := time.Now()
	tok, err := New("tok", now.Add(-time.Second), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !tok.Expired(now) {
		t.Fatal("expected already-expired token")
	}
	if !tok.NeedsRenewal(now, time.Minute, 1) {
		t.Fatal("expired must imply needs_renewal for any k>=1")
	}
}

func TestHashOptional(t *testing.T) {
	tok, err := New("tok", time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tok.Hash() != "" {
		t.Fatal("expected empty hash")
	}
	tok2, err := New("tok", time.Now().Add(time.Hour), "uhs-value")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tok2.Hash() != "uhs-value" {
		t.Fatal("expected hash to be preserved")
	}
}
