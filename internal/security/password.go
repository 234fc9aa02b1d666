// Package security wraps bcrypt password hashing at the cost factor and
// input validation §4.1 requires.
package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Cost is the bcrypt cost factor. 12 costs roughly 200ms per hash on
// reference hardware; that latency is the point, not a performance bug.
const Cost = 12

var (
	// ErrBadInput is returned for empty or non-string password input.
	ErrBadInput = errors.New("password: empty or malformed input")
	// ErrHash is returned when bcrypt itself fails (e.g. password too long).
	ErrHash = errors.New("password: hash error")
)

// Hash bcrypt-hashes password at Cost. Callers must tolerate the ~200ms
// latency; it is not skippable.
func Hash(password string) (string, error) {
	if password == "" {
		return "", ErrBadInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", ErrHash
	}
	return string(hash), nil
}

// Verify performs a constant-time comparison between password and hash.
// bcrypt.CompareHashAndPassword does not branch on success/failure in a
// way that leaks timing, and callers must not add their own branching
// short-circuit (e.g. checking len(password) first) around this call.
func Verify(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
