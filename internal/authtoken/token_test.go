package authtoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/berthcare/core/internal/authkeys"
)

func genRSAPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return string(privPEM), string(pubPEM)
}

func testKeySet(t *testing.T) *authkeys.KeySet {
	t.Helper()
	priv, pub := genRSAPEM(t)
	ks, err := authkeys.Load("", priv, pub, "kid-1", "")
	if err != nil {
		t.Fatalf("authkeys.Load: %v", err)
	}
	return ks
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	svc := NewService(testKeySet(t))
	p := Principal{UserID: "u1", Role: "caregiver", ZoneID: "z1", DeviceID: "iphone-1", Email: "a@example.com"}

	tok, err := svc.MintAccessToken(p)
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}

	got, _, err := svc.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.UserID != p.UserID || got.Role != p.Role || got.ZoneID != p.ZoneID {
		t.Fatalf("principal mismatch: got %+v want %+v", got, p)
	}
}

func TestMintRefreshTokenHash(t *testing.T) {
	svc := NewService(testKeySet(t))
	p := Principal{UserID: "u1", Role: "caregiver", ZoneID: "z1", DeviceID: "iphone-1"}

	raw, hash, tokenID, err := svc.MintRefreshToken(p)
	if err != nil {
		t.Fatalf("MintRefreshToken: %v", err)
	}
	if tokenID == "" {
		t.Fatal("expected non-empty tokenID")
	}
	if hash != HashRefreshToken(raw) {
		t.Fatal("hash mismatch")
	}
	if hash == raw {
		t.Fatal("hash must not equal raw token")
	}

	got, gotTokenID, err := svc.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotTokenID != tokenID {
		t.Fatalf("expected tokenID %s, got %s", tokenID, gotTokenID)
	}
	if got.DeviceID != "iphone-1" {
		t.Fatalf("expected deviceId iphone-1, got %s", got.DeviceID)
	}
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	svc1 := NewService(testKeySet(t))
	svc2 := NewService(testKeySet(t))

	tok, err := svc1.MintAccessToken(Principal{UserID: "u1", Role: "caregiver"})
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}

	if _, _, err := svc2.Verify(tok); err == nil {
		t.Fatal("expected verification to fail against a different key set")
	}
}

func TestExpiresAt(t *testing.T) {
	svc := NewService(testKeySet(t))
	tok, err := svc.MintAccessToken(Principal{UserID: "u1", Role: "caregiver"})
	if err != nil {
		t.Fatalf("MintAccessToken: %v", err)
	}
	exp, err := ExpiresAt(tok)
	if err != nil {
		t.Fatalf("ExpiresAt: %v", err)
	}
	if time.Until(exp) > AccessTokenTTL || time.Until(exp) < AccessTokenTTL-time.Minute {
		t.Fatalf("unexpected expiry: %v", exp)
	}
}
