package objectstore

import "testing"

func TestPolicyValidate(t *testing.T) {
	photo, _ := PolicyFor(KindPhoto)

	if _, err := photo.Validate("image/jpeg", 2<<20); err != nil {
		t.Fatalf("expected valid jpeg under limit, got %v", err)
	}
	if _, err := photo.Validate("image/jpeg", 11<<20); err == nil {
		t.Fatal("expected rejection over the 10 MiB limit")
	}
	if _, err := photo.Validate("application/pdf", 1); err == nil {
		t.Fatal("expected rejection of a disallowed mime type for photos")
	}

	sig, _ := PolicyFor(KindSignature)
	if _, err := sig.Validate("image/png", 2<<20); err == nil {
		t.Fatal("expected rejection over the 1 MiB signature limit")
	}
}

func TestValidateKeyScope(t *testing.T) {
	if err := ValidateKeyScope(KindPhoto, "photos/user-1/123-abc.jpg", "user-1"); err != nil {
		t.Fatalf("expected key within scope to validate, got %v", err)
	}
	if err := ValidateKeyScope(KindPhoto, "photos/user-2/123-abc.jpg", "user-1"); err == nil {
		t.Fatal("expected key from a different user's scope to be rejected")
	}
	if err := ValidateKeyScope(KindSignature, "visits/v1/signatures/client-123.png", "v1"); err != nil {
		t.Fatalf("expected signature key within scope to validate, got %v", err)
	}
}

func TestPolicyTTLs(t *testing.T) {
	photo, _ := PolicyFor(KindPhoto)
	if photo.URLTTL.Minutes() != 60 {
		t.Fatalf("expected photo TTL 60m, got %v", photo.URLTTL)
	}
	sig, _ := PolicyFor(KindSignature)
	if sig.URLTTL.Minutes() != 10 {
		t.Fatalf("expected signature TTL 10m, got %v", sig.URLTTL)
	}
	doc, _ := PolicyFor(KindDocument)
	if doc.URLTTL.Minutes() != 60 {
		t.Fatalf("expected document TTL 60m, got %v", doc.URLTTL)
	}
}
