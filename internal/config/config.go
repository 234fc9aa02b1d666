// Package config loads typed, validated configuration from the process
// environment. There are no package-level mutable config globals; Config
// is built once in the composition root (cmd/server/main.go) and passed
// down to every service explicitly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every setting the server needs to boot. Fields are grouped
// by the component that consumes them.
type Config struct {
	Env      string // "dev", "staging", "production"
	HTTPAddr string

	DatabaseURL string

	RedisURL string

	JWTPrivateKeyPEM string
	JWTPublicKeyPEM  string
	JWTKeyID         string
	JWTKeysSecretPath string // fallback "managed secret store" loader, see internal/authkeys

	AWSRegion          string
	PhotosBucket       string
	SignaturesBucket   string
	DocumentsBucket    string
	S3Endpoint         string // optional override for local/dev S3-compatible stores

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string

	GeocoderAPIKey string
	GeocoderURL    string

	PublicBaseURL      string   // this service's externally reachable origin, for Twilio status callbacks
	CORSAllowedOrigins []string

	EscalationWorkers    int
	EscalationQueueDepth int

	RequestBodyLimitBytes int64

	DBPoolMinConns int32
	DBPoolMaxConns int32 // hard cap 20 per §5, enforced in Load

	DBConnectTimeout time.Duration
	DBQueryTimeout   time.Duration
	RedisTimeout     time.Duration
	TwilioTimeout    time.Duration
	GeocodeTimeout   time.Duration
}

// required names an env var that must be non-empty for the given profile.
type required struct {
	name    string
	profile string // "" means required in every profile
}

// Load reads configuration from the environment. It fails fast (returns an
// error) if any variable required for the active profile is missing, per
// §6 "Start-up fails if any required variable is missing for the active
// profile."
func Load() (*Config, error) {
	cfg := &Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8080"),

		DatabaseURL: env("DATABASE_URL", ""),
		RedisURL:    env("REDIS_URL", ""),

		JWTPrivateKeyPEM:  env("JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPEM:   env("JWT_PUBLIC_KEY", ""),
		JWTKeyID:          env("JWT_KEY_ID", ""),
		JWTKeysSecretPath: env("JWT_KEYS_SECRET_PATH", ""),

		AWSRegion:        env("AWS_REGION", "ca-central-1"),
		PhotosBucket:     env("PHOTOS_BUCKET", ""),
		SignaturesBucket: env("SIGNATURES_BUCKET", ""),
		DocumentsBucket:  env("DOCUMENTS_BUCKET", ""),
		S3Endpoint:       env("S3_ENDPOINT", ""),

		TwilioAccountSID: env("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  env("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: env("TWILIO_FROM_NUMBER", ""),

		GeocoderAPIKey: env("GEOCODER_API_KEY", ""),
		GeocoderURL:    env("GEOCODER_URL", "https://maps.googleapis.com/maps/api/geocode/json"),

		PublicBaseURL:      env("PUBLIC_BASE_URL", "http://localhost:8080"),
		CORSAllowedOrigins: splitCSV(env("CORS_ALLOWED_ORIGINS", "*")),

		EscalationWorkers:    envInt("ESCALATION_WORKERS", 4),
		EscalationQueueDepth: envInt("ESCALATION_QUEUE_DEPTH", 100),

		RequestBodyLimitBytes: 10 << 20, // 10 MiB, §4.13

		DBPoolMinConns: int32(envInt("DB_POOL_MIN_CONNS", 2)),
		DBPoolMaxConns: int32(envInt("DB_POOL_MAX_CONNS", 10)),

		DBConnectTimeout: envDuration("DB_CONNECT_TIMEOUT", 2*time.Second),
		DBQueryTimeout:   envDuration("DB_QUERY_TIMEOUT", 30*time.Second),
		RedisTimeout:     envDuration("REDIS_TIMEOUT", 200*time.Millisecond),
		TwilioTimeout:    envDuration("TWILIO_TIMEOUT", 10*time.Second),
		GeocodeTimeout:   envDuration("GEOCODE_TIMEOUT", 5*time.Second),
	}

	if cfg.DBPoolMaxConns > 20 {
		cfg.DBPoolMaxConns = 20
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	isProd := c.Env == "production" || c.Env == "staging"

	reqs := []required{
		{"DATABASE_URL", ""},
		{"REDIS_URL", ""},
	}
	if isProd {
		reqs = append(reqs,
			required{"PHOTOS_BUCKET", "production"},
			required{"SIGNATURES_BUCKET", "production"},
			required{"DOCUMENTS_BUCKET", "production"},
			required{"TWILIO_ACCOUNT_SID", "production"},
			required{"TWILIO_AUTH_TOKEN", "production"},
			required{"TWILIO_FROM_NUMBER", "production"},
			required{"GEOCODER_API_KEY", "production"},
		)
	}

	var missing []string
	values := map[string]string{
		"DATABASE_URL":      c.DatabaseURL,
		"REDIS_URL":         c.RedisURL,
		"PHOTOS_BUCKET":     c.PhotosBucket,
		"SIGNATURES_BUCKET": c.SignaturesBucket,
		"DOCUMENTS_BUCKET":  c.DocumentsBucket,
		"TWILIO_ACCOUNT_SID": c.TwilioAccountSID,
		"TWILIO_AUTH_TOKEN":  c.TwilioAuthToken,
		"TWILIO_FROM_NUMBER": c.TwilioFromNumber,
		"GEOCODER_API_KEY":   c.GeocoderAPIKey,
	}
	for _, r := range reqs {
		if values[r.name] == "" {
			missing = append(missing, r.name)
		}
	}

	// JWT keys: at least one source (inline PEM or a managed-secret path)
	// must be configured. internal/authkeys re-validates precedence and
	// key usability at init; this only checks that *something* was given.
	if c.JWTPrivateKeyPEM == "" && c.JWTKeysSecretPath == "" {
		missing = append(missing, "JWT_PRIVATE_KEY or JWT_KEYS_SECRET_PATH")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables for profile %q: %s", c.Env, strings.Join(missing, ", "))
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
