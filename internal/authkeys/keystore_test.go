package authkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func genPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return string(privPEM), string(pubPEM)
}

func TestLoadFromEnv(t *testing.T) {
	priv, pub := genPEM(t)

	ks, err := Load("", priv, pub, "kid-1", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ks.ActiveKid() != "kid-1" {
		t.Fatalf("expected active kid kid-1, got %s", ks.ActiveKid())
	}
	if ks.Active() == nil {
		t.Fatal("expected active key pair")
	}
	kp, ok := ks.ByKid("kid-1")
	if !ok || kp.PrivateKey == nil {
		t.Fatal("expected to find kid-1")
	}
}

func TestLoadDefaultsKidWhenUnset(t *testing.T) {
	priv, _ := genPEM(t)
	ks, err := Load("", priv, "", "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ks.ActiveKid() != "env-1" {
		t.Fatalf("expected default kid env-1, got %s", ks.ActiveKid())
	}
}

func TestLoadFailsWithNoSource(t *testing.T) {
	if _, err := Load("", "", "", "", ""); err == nil {
		t.Fatal("expected error when no key source configured")
	}
}

func TestLoadInlineMultipleKeys(t *testing.T) {
	priv1, _ := genPEM(t)
	priv2, _ := genPEM(t)
	blob := `{"activeKid":"b","keys":[{"kid":"a","privateKey":` + quote(priv1) + `},{"kid":"b","privateKey":` + quote(priv2) + `}]}`

	ks, err := Load(blob, "", "", "", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ks.ActiveKid() != "b" {
		t.Fatalf("expected active kid b, got %s", ks.ActiveKid())
	}
	if _, ok := ks.ByKid("a"); !ok {
		t.Fatal("expected prior key a to still be resolvable")
	}
	if len(ks.All()) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(ks.All()))
	}
}

func quote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '\n':
			out = append(out, '\\', 'n')
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, byte(r))
		}
	}
	out = append(out, '"')
	return string(out)
}
