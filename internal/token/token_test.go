package token

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateVerify(t *testing.T) {
	secret := []byte("secret")
	tok, err := Generate(Claims{ImpressionID: "i1", AdID: "ad1", SessionID: "s1", CreatorID: "cr1", SubID: "chat"}, secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := Verify(tok, secret, time.Minute)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.ImpressionID != "i1" || c.AdID != "ad1" || c.SessionID != "s1" || c.CreatorID != "cr1" || c.SubID != "chat" {
		t.Fatalf("unexpected claims: %+v", c)
	}
}

func TestVerifyExpired(t *testing.T) {
	secret := []byte("s")
	tok, err := Generate(Claims{ImpressionID: "i", IssuedAt: time.Now().Add(-2 * time.Hour)}, secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(tok, secret, time.Hour); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// zero ttl never expires
	if _, err := Verify(tok, secret, 0); err != nil {
		t.Fatalf("expected no expiry, got %v", err)
	}
}

func TestVerifyInvalid(t *testing.T) {
	secret := []byte("s")
	tok, _ := Generate(Claims{ImpressionID: "i"}, secret)
	if _, err := Verify(tok+"x", secret, time.Minute); err != ErrInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := Verify(tok, []byte("other"), time.Minute); err != ErrInvalid {
		t.Fatalf("expected invalid for wrong secret, got %v", err)
	}
	if _, err := Verify("no-dot", secret, time.Minute); err != ErrInvalid {
		t.Fatalf("expected invalid for malformed token, got %v", err)
	}
}

func TestGenerateValidation(t *testing.T) {
	secret := []byte("s")
	if _, err := Generate(Claims{}, secret); err == nil {
		t.Fatal("expected error for missing impression id")
	}
	if _, err := Generate(Claims{ImpressionID: "i", SubID: strings.Repeat("x", MaxSubIDLength+1)}, secret); err == nil {
		t.Fatal("expected error for long sub id")
	}
}
