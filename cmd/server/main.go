package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/audit"
	"github.com/berthcare/core/internal/authkeys"
	"github.com/berthcare/core/internal/authtoken"
	"github.com/berthcare/core/internal/blacklist"
	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/client"
	"github.com/berthcare/core/internal/config"
	"github.com/berthcare/core/internal/db"
	"github.com/berthcare/core/internal/geocode"
	"github.com/berthcare/core/internal/httpapi"
	"github.com/berthcare/core/internal/identity"
	"github.com/berthcare/core/internal/migrate"
	"github.com/berthcare/core/internal/notify"
	"github.com/berthcare/core/internal/objectstore"
	"github.com/berthcare/core/internal/ratelimit"
	"github.com/berthcare/core/internal/visit"
	"github.com/berthcare/core/internal/zones"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "berthcare-core").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()

	keys, err := authkeys.Load("", cfg.JWTPrivateKeyPEM, cfg.JWTPublicKeyPEM, cfg.JWTKeyID, cfg.JWTKeysSecretPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load JWT signing keys")
	}
	tokens := authtoken.NewService(keys)

	pool, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	migrationDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open migration connection")
	}
	if err := migrate.Up(migrationDB); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}
	migrationDB.Close()

	rdb, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	c := cache.New(rdb, cfg.RedisTimeout)
	bl := blacklist.New(rdb, cfg.RedisTimeout)

	loginLimiter := ratelimit.New(rdb, cfg.RedisTimeout, ratelimit.PolicyLogin)
	registerLimiter := ratelimit.New(rdb, cfg.RedisTimeout, ratelimit.PolicyRegister)
	genericLimiter := ratelimit.New(rdb, cfg.RedisTimeout, ratelimit.PolicyAuthGeneric)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS configuration")
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	objects := objectstore.New(s3Client, objectstore.Buckets{
		Photos: cfg.PhotosBucket, Signatures: cfg.SignaturesBucket, Documents: cfg.DocumentsBucket,
	})

	geo := geocode.New(cfg.GeocoderURL, cfg.GeocoderAPIKey, c, cfg.GeocodeTimeout)
	zoneLister := zones.New(pool, c)

	twilio := notify.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.TwilioTimeout)
	// contactLookup resolves a coordinator's phone for escalation calls;
	// users.phone is nullable so an unset number degrades to the
	// escalator's own no-phone-on-file path rather than erroring here.
	contactLookup := func(ctx context.Context, userID string) (string, error) {
		var phone *string
		if err := pool.QueryRow(ctx, `SELECT phone FROM users WHERE id = $1`, userID).Scan(&phone); err != nil {
			return "", err
		}
		if phone == nil {
			return "", nil
		}
		return *phone, nil
	}
	escalator := notify.NewEscalator(pool, twilio, contactLookup, cfg.PublicBaseURL, cfg.EscalationWorkers, cfg.EscalationQueueDepth)

	auditWriter := audit.New(pool)
	identitySvc := identity.New(pool, tokens, bl, auditWriter)
	clientSvc := client.New(pool, c, geo, zoneLister, auditWriter)
	visitSvc := visit.New(pool, c, objects, auditWriter)

	srv := &httpapi.Server{
		DB:                 pool,
		Cache:              c,
		Tokens:             tokens,
		Blacklist:          bl,
		Identity:           identitySvc,
		Clients:            clientSvc,
		Visits:             visitSvc,
		Escalator:          escalator,
		LoginLimiter:       loginLimiter,
		RegisterLimiter:    registerLimiter,
		GenericLimiter:     genericLimiter,
		TwilioAuthToken:    cfg.TwilioAuthToken,
		PublicBaseURL:      cfg.PublicBaseURL,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      http.MaxBytesHandler(srv.Routes(), cfg.RequestBodyLimitBytes),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
