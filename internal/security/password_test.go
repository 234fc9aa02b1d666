package security

import "testing"

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("SecurePass123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !Verify(hash, "SecurePass123") {
		t.Fatal("expected verify to succeed with correct password")
	}
	if Verify(hash, "wrong-password") {
		t.Fatal("expected verify to fail with wrong password")
	}
}

func TestHashRejectsEmpty(t *testing.T) {
	if _, err := Hash(""); err != ErrBadInput {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestVerifyRejectsEmpty(t *testing.T) {
	if Verify("", "x") {
		t.Fatal("expected false for empty hash")
	}
	if Verify("x", "") {
		t.Fatal("expected false for empty password")
	}
}
