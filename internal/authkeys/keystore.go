// Package authkeys loads and serves the RSA key pairs used to sign and
// verify access/refresh tokens. It is the one package allowed a
// process-wide singleton (per §9): keys are loaded once at init and
// fenced behind accessor methods on *KeySet, never a package-level
// mutable variable.
package authkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// KeyPair is one RSA key pair identified by a key ID (kid).
type KeyPair struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// KeySet holds the active signing key plus every known key (active and
// prior), so tokens signed before a rotation keep verifying until they
// expire. Reads are lock-free after construction: a KeySet is immutable
// once built.
type KeySet struct {
	activeKid string
	keys      map[string]*KeyPair
}

// ActiveKid returns the kid of the key signing always uses.
func (ks *KeySet) ActiveKid() string { return ks.activeKid }

// Active returns the key pair that new tokens are signed with.
func (ks *KeySet) Active() *KeyPair { return ks.keys[ks.activeKid] }

// ByKid returns a known key pair by kid, used when verifying a token whose
// header names a specific (possibly rotated-out) kid.
func (ks *KeySet) ByKid(kid string) (*KeyPair, bool) {
	kp, ok := ks.keys[kid]
	return kp, ok
}

// All returns every known public key, used as a fallback when a token's
// kid is missing or unrecognized (§4.2: "falling back to any known public
// key").
func (ks *KeySet) All() []*KeyPair {
	out := make([]*KeyPair, 0, len(ks.keys))
	for _, kp := range ks.keys {
		out = append(out, kp)
	}
	return out
}

// inlineKey is the shape accepted from JSON-configured keys, whether
// supplied inline or read from the managed-secret-store fallback file.
type inlineKey struct {
	Kid        string `json:"kid"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

type inlineKeySetJSON struct {
	ActiveKid string      `json:"activeKid"`
	Keys      []inlineKey `json:"keys"`
}

// Load builds a KeySet from the sources documented in §4.2, tried in
// precedence order: inline configured JSON, environment variables
// (JWT_PRIVATE_KEY/JWT_PUBLIC_KEY/JWT_KEY_ID), then a managed secret
// store. The process must fail to start if no usable active key results,
// so Load returns an error rather than a degraded KeySet.
func Load(inlineJSON, envPrivatePEM, envPublicPEM, envKid, managedSecretPath string) (*KeySet, error) {
	if inlineJSON != "" {
		return loadInline(inlineJSON)
	}
	if envPrivatePEM != "" {
		return loadFromEnv(envPrivatePEM, envPublicPEM, envKid)
	}
	if managedSecretPath != "" {
		return loadFromManagedSecret(managedSecretPath)
	}
	return nil, errors.New("authkeys: no key source configured (need inline JSON, JWT_PRIVATE_KEY, or a managed secret store)")
}

func loadInline(blob string) (*KeySet, error) {
	var parsed inlineKeySetJSON
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return nil, fmt.Errorf("authkeys: parse inline key set: %w", err)
	}
	return buildKeySet(parsed)
}

func loadFromEnv(privatePEM, publicPEM, kid string) (*KeySet, error) {
	if kid == "" {
		kid = "env-1"
	}
	return buildKeySet(inlineKeySetJSON{
		ActiveKid: kid,
		Keys: []inlineKey{
			{Kid: kid, PrivateKey: privatePEM, PublicKey: publicPEM},
		},
	})
}

// loadFromManagedSecret reads a JSON blob from a local path populated by
// the deployment's secret manager at container start (the repo's Go
// dependency pack carries no secrets-manager SDK for any cloud — see
// DESIGN.md — so this is the documented fallback rather than a direct
// API call).
func loadFromManagedSecret(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authkeys: read managed secret file: %w", err)
	}
	var parsed inlineKeySetJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("authkeys: parse managed secret file: %w", err)
	}
	return buildKeySet(parsed)
}

func buildKeySet(parsed inlineKeySetJSON) (*KeySet, error) {
	if len(parsed.Keys) == 0 {
		return nil, errors.New("authkeys: key set has no keys")
	}
	keys := make(map[string]*KeyPair, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kid == "" {
			return nil, errors.New("authkeys: key entry missing kid")
		}
		priv, err := parsePrivateKey(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("authkeys: kid %q: %w", k.Kid, err)
		}
		pub := &priv.PublicKey
		if k.PublicKey != "" {
			parsedPub, err := parsePublicKey(k.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("authkeys: kid %q public key: %w", k.Kid, err)
			}
			pub = parsedPub
		}
		keys[k.Kid] = &KeyPair{Kid: k.Kid, PrivateKey: priv, PublicKey: pub}
	}

	activeKid := parsed.ActiveKid
	if activeKid == "" {
		for kid := range keys {
			activeKid = kid
			break
		}
	}
	if _, ok := keys[activeKid]; !ok {
		return nil, fmt.Errorf("authkeys: active kid %q not found among loaded keys", activeKid)
	}

	return &KeySet{activeKid: activeKid, keys: keys}, nil
}

// NewInMemory generates a fresh RSA key pair and wraps it in a single-key
// KeySet, for tests in other packages that need a working token service
// without exercising the PEM/env/file loading paths covered directly by
// this package's own tests.
func NewInMemory(kid string) (*KeySet, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("authkeys: generate in-memory key: %w", err)
	}
	return &KeySet{
		activeKid: kid,
		keys:      map[string]*KeyPair{kid: {Kid: kid, PrivateKey: priv, PublicKey: &priv.PublicKey}},
	}, nil
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block for private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block for public key")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaKey, nil
}
