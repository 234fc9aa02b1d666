// Package identity implements registration, login, token refresh, and
// logout (§4.7): a service struct wrapping *pgxpool.Pool with methods
// returning typed errs.Error values.
package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/audit"
	"github.com/berthcare/core/internal/authtoken"
	"github.com/berthcare/core/internal/blacklist"
	"github.com/berthcare/core/internal/errs"
	"github.com/berthcare/core/internal/security"
)

var AllowedRoles = map[string]bool{"caregiver": true, "coordinator": true, "admin": true}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Service implements §4.7's four identity operations.
type Service struct {
	pool      *pgxpool.Pool
	tokens    *authtoken.Service
	blacklist *blacklist.Blacklist
	audit     *audit.Writer
}

func New(pool *pgxpool.Pool, tokens *authtoken.Service, bl *blacklist.Blacklist, a *audit.Writer) *Service {
	return &Service{pool: pool, tokens: tokens, blacklist: bl, audit: a}
}

// RegisterInput is the user-creation request. Register does not check who
// is making it; the role field is only checked against AllowedRoles.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
	ZoneID    string
	DeviceID  string
}

// TokenPair is returned by every operation that mints tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ValidatePassword enforces ≥8 chars, ≥1 uppercase, ≥1 digit (§4.7).
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return errs.New(errs.CodeWeakPassword, "password must be at least 8 characters")
	}
	var hasUpper, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasDigit {
		return errs.New(errs.CodeWeakPassword, "password must contain at least one uppercase letter and one digit")
	}
	return nil
}

// Register creates a new user and issues an initial token pair.
func (s *Service) Register(ctx context.Context, in RegisterInput) (userID string, tokens TokenPair, err error) {
	if !emailPattern.MatchString(in.Email) {
		return "", TokenPair{}, errs.New(errs.CodeInvalidEmail, "email is not a valid address")
	}
	if err := ValidatePassword(in.Password); err != nil {
		return "", TokenPair{}, err
	}
	if !AllowedRoles[in.Role] {
		return "", TokenPair{}, errs.New(errs.CodeValidation, "role must be one of caregiver, coordinator, admin")
	}
	if in.Role != "admin" && in.ZoneID == "" {
		return "", TokenPair{}, errs.New(errs.CodeValidation, "zoneId is required for non-admin roles")
	}

	hash, err := security.Hash(in.Password)
	if err != nil {
		return "", TokenPair{}, errs.Internal(err)
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	var zoneID *string
	if in.ZoneID != "" {
		zoneID = &in.ZoneID
	}

	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, first_name, last_name, role, zone_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, email, hash, in.FirstName, in.LastName, in.Role, zoneID).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return "", TokenPair{}, errs.New(errs.CodeEmailExists, "an account with this email already exists")
		}
		return "", TokenPair{}, errs.Internal(err)
	}

	principal := authtoken.Principal{UserID: id, Role: in.Role, ZoneID: in.ZoneID, DeviceID: in.DeviceID, Email: email}
	tokens, err = s.mintAndPersist(ctx, principal)
	if err != nil {
		return "", TokenPair{}, err
	}

	s.audit.Write(ctx, audit.Entry{
		ActorUserID: id, ActorRole: in.Role, Action: "register", ObjectType: "user", ObjectID: id,
	})
	return id, tokens, nil
}

// Login authenticates a user by email/password and issues a fresh token
// pair, replacing any existing refresh token for the same device.
func (s *Service) Login(ctx context.Context, email, password, deviceID string) (tokens TokenPair, err error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var (
		id, passwordHash, role, firstName, lastName string
		zoneID                                       *string
		isActive                                     bool
	)
	err = s.pool.QueryRow(ctx, `
		SELECT id, password_hash, role, zone_id, is_active, first_name, last_name
		FROM users WHERE lower(email) = $1 AND deleted_at IS NULL
	`, email).Scan(&id, &passwordHash, &role, &zoneID, &isActive, &firstName, &lastName)

	if errors.Is(err, pgx.ErrNoRows) {
		// Same generic error as a wrong password, to prevent enumeration (§4.7).
		return TokenPair{}, errs.New(errs.CodeInvalidCredentials, "invalid email or password")
	}
	if err != nil {
		return TokenPair{}, errs.Internal(err)
	}

	ok := security.Verify(passwordHash, password)
	if !ok || !isActive {
		// AccountDisabled collapses into InvalidCredentials per the resolved
		// open question: distinguishing them in the response would itself
		// leak account existence.
		return TokenPair{}, errs.New(errs.CodeInvalidCredentials, "invalid email or password")
	}

	zone := ""
	if zoneID != nil {
		zone = *zoneID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return TokenPair{}, errs.Internal(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL
	`, id, deviceID); err != nil {
		return TokenPair{}, errs.Internal(err)
	}

	principal := authtoken.Principal{UserID: id, Role: role, ZoneID: zone, DeviceID: deviceID, Email: email}
	access, err := s.tokens.MintAccessToken(principal)
	if err != nil {
		return TokenPair{}, errs.Internal(err)
	}
	raw, hash, _, err := s.tokens.MintRefreshToken(principal)
	if err != nil {
		return TokenPair{}, errs.Internal(err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, device_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, id, hash, deviceID, time.Now().UTC().Add(authtoken.RefreshTokenTTL)); err != nil {
		return TokenPair{}, errs.Internal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return TokenPair{}, errs.Internal(err)
	}

	s.audit.Write(ctx, audit.Entry{ActorUserID: id, ActorRole: role, Action: "login", ObjectType: "user", ObjectID: id})
	return TokenPair{AccessToken: access, RefreshToken: raw}, nil
}

// Refresh mints a new access token from a still-valid refresh token,
// re-reading current user values rather than trusting token claims
// (§4.7 "current DB values, not token claims").
func (s *Service) Refresh(ctx context.Context, refreshToken string) (accessToken string, err error) {
	principal, _, verr := s.tokens.Verify(refreshToken)
	if verr != nil {
		return "", errs.New(errs.CodeInvalidToken, "refresh token is invalid or expired")
	}

	hash := authtoken.HashRefreshToken(refreshToken)

	var (
		revokedAt *time.Time
		expiresAt time.Time
		rowID     string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT id, revoked_at, expires_at FROM refresh_tokens WHERE token_hash = $1
	`, hash).Scan(&rowID, &revokedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.New(errs.CodeInvalidToken, "refresh token is invalid or expired")
	}
	if err != nil {
		return "", errs.Internal(err)
	}
	if revokedAt != nil {
		return "", errs.New(errs.CodeInvalidToken, "refresh token is invalid or expired")
	}
	if time.Now().After(expiresAt) {
		if _, derr := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, rowID); derr != nil {
			log.Warn().Err(derr).Msg("failed to delete expired refresh token row")
		}
		return "", errs.New(errs.CodeInvalidToken, "refresh token is invalid or expired")
	}

	var (
		role     string
		zoneID   *string
		isActive bool
		email    string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT role, zone_id, is_active, email FROM users WHERE id = $1 AND deleted_at IS NULL
	`, principal.UserID).Scan(&role, &zoneID, &isActive, &email)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !isActive) {
		return "", errs.New(errs.CodeInvalidToken, "refresh token is invalid or expired")
	}
	if err != nil {
		return "", errs.Internal(err)
	}

	zone := ""
	if zoneID != nil {
		zone = *zoneID
	}
	current := authtoken.Principal{UserID: principal.UserID, Role: role, ZoneID: zone, DeviceID: principal.DeviceID, Email: email}
	return s.tokens.MintAccessToken(current)
}

// Logout blacklists the presented access token and revokes any matching
// refresh token. Idempotent: a second call for the same token succeeds.
func (s *Service) Logout(ctx context.Context, accessToken string, principal authtoken.Principal) error {
	expiresAt, err := authtoken.ExpiresAt(accessToken)
	if err == nil {
		if berr := s.blacklist.Add(ctx, accessToken, expiresAt); berr != nil {
			log.Warn().Err(berr).Msg("failed to blacklist access token on logout")
		}
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked_at = now()
		WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL
	`, principal.UserID, principal.DeviceID); err != nil {
		log.Warn().Err(err).Msg("failed to revoke refresh token on logout")
	}

	s.audit.Write(ctx, audit.Entry{ActorUserID: principal.UserID, ActorRole: principal.Role, Action: "logout", ObjectType: "user", ObjectID: principal.UserID})
	return nil
}

func (s *Service) mintAndPersist(ctx context.Context, p authtoken.Principal) (TokenPair, error) {
	access, err := s.tokens.MintAccessToken(p)
	if err != nil {
		return TokenPair{}, errs.Internal(err)
	}
	raw, hash, _, err := s.tokens.MintRefreshToken(p)
	if err != nil {
		return TokenPair{}, errs.Internal(err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, device_id, expires_at)
		VALUES ($1, $2, $3, $4)
	`, p.UserID, hash, p.DeviceID, time.Now().UTC().Add(authtoken.RefreshTokenTTL)); err != nil {
		return TokenPair{}, errs.Internal(err)
	}
	return TokenPair{AccessToken: access, RefreshToken: raw}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
