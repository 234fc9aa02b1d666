// Package authtoken mints and verifies the two token kinds BerthCare
// issues: short-lived access tokens and long-lived, device-bound refresh
// tokens (§4.2). Verification tries the token header's kid first, falling
// back to any known public key in the local key store.
package authtoken

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/berthcare/core/internal/authkeys"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	Issuer   = "berthcare-api"
	Audience = "berthcare-app"

	AccessTokenTTL  = time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// Sentinel verification errors. All are collapsed into a single generic
// API error code at the HTTP boundary (§4.7, §7) to avoid token
// enumeration; these are for internal logging only.
var (
	ErrMalformed       = errors.New("authtoken: malformed token")
	ErrSignatureInvalid = errors.New("authtoken: signature invalid")
	ErrExpired         = errors.New("authtoken: expired")
	ErrUnknownKid      = errors.New("authtoken: unknown kid")
)

// Principal is the materialized identity attached to a request context
// after successful verification (§4.5, GLOSSARY "Principal").
type Principal struct {
	UserID   string
	Role     string
	ZoneID   string // empty for admins without a zone
	DeviceID string
	Email    string
}

type claims struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	ZoneID   string `json:"zoneId,omitempty"`
	DeviceID string `json:"deviceId"`
	Email    string `json:"email,omitempty"`
	TokenID  string `json:"tokenId,omitempty"`
	jwt.RegisteredClaims
}

// Service mints and verifies tokens against a KeySet.
type Service struct {
	keys *authkeys.KeySet
}

func NewService(keys *authkeys.KeySet) *Service {
	return &Service{keys: keys}
}

// MintAccessToken signs a 1h access token (§4.2).
func (s *Service) MintAccessToken(p Principal) (string, error) {
	now := time.Now().UTC()
	c := claims{
		UserID:   p.UserID,
		Role:     p.Role,
		ZoneID:   p.ZoneID,
		DeviceID: p.DeviceID,
		Email:    p.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
		},
	}
	return s.sign(c)
}

// MintRefreshToken signs a 30d refresh token and returns both the raw
// token (returned to the client once) and its SHA-256 (persisted
// server-side in RefreshToken.token_hash, §4.2, §3).
func (s *Service) MintRefreshToken(p Principal) (raw string, hash string, tokenID string, err error) {
	now := time.Now().UTC()
	tokenID = uuid.NewString()
	c := claims{
		UserID:   p.UserID,
		Role:     p.Role,
		ZoneID:   p.ZoneID,
		DeviceID: p.DeviceID,
		TokenID:  tokenID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenTTL)),
		},
	}
	raw, err = s.sign(c)
	if err != nil {
		return "", "", "", err
	}
	return raw, HashRefreshToken(raw), tokenID, nil
}

func (s *Service) sign(c claims) (string, error) {
	active := s.keys.Active()
	if active == nil {
		return "", errors.New("authtoken: no active signing key")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = active.Kid
	return tok.SignedString(active.PrivateKey)
}

// HashRefreshToken returns the hex-encoded SHA-256 of a raw refresh token,
// the form persisted in RefreshToken.token_hash. Never persist or log the
// raw token itself.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Verify validates signature, issuer, audience and expiry and returns the
// claims as a Principal plus the refresh token's tokenID (empty for
// access tokens). Callers must still apply the revocation / blacklist
// checks described in §4.4/§4.7 — Verify only proves the JWT itself is
// well-formed and unexpired.
func (s *Service) Verify(tokenString string) (Principal, string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrMalformed, t.Header["alg"])
		}
		if kid, _ := t.Header["kid"].(string); kid != "" {
			if kp, ok := s.keys.ByKid(kid); ok {
				return kp.PublicKey, nil
			}
		}
		// Fall back to any known public key (§4.2) when the header's kid
		// is missing or has been rotated out of the store.
		for _, kp := range s.keys.All() {
			return kp.PublicKey, nil
		}
		return nil, ErrUnknownKid
	}, jwt.WithIssuer(Issuer), jwt.WithAudience(Audience))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, "", ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Principal{}, "", ErrSignatureInvalid
		default:
			return Principal{}, "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !parsed.Valid {
		return Principal{}, "", ErrSignatureInvalid
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.UserID == "" {
		return Principal{}, "", ErrMalformed
	}

	return Principal{
		UserID:   c.UserID,
		Role:     c.Role,
		ZoneID:   c.ZoneID,
		DeviceID: c.DeviceID,
		Email:    c.Email,
	}, c.TokenID, nil
}

// ExpiresAt parses only the expiry of a token already known to be
// well-formed, used by logout to compute the blacklist TTL (§4.4).
func ExpiresAt(tokenString string) (time.Time, error) {
	parser := jwt.NewParser()
	var c claims
	_, _, err := parser.ParseUnverified(tokenString, &c)
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt == nil {
		return time.Time{}, errors.New("authtoken: token has no exp claim")
	}
	return c.ExpiresAt.Time, nil
}
