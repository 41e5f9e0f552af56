// Package bootstrap wires the service's runtime dependencies in one place so
// both binaries initialize identically.
//
// Purpose:
//
//	Initialization order: secrets → Postgres → Redis → key ring → token
//	codec → credential stores → ban registry → mailer → audit. Close tears
//	down in reverse. ReadinessProbe backs the /readyz endpoint.
//
// Debugging Notes:
//   - Redis failures fail fast during initialization (2s ping timeout)
//   - With no REDIS_ADDR in a local/test environment, the token registry
//     falls back to an in-process store; any other environment requires Redis
//   - With no SMTP_HOST, or in a local environment, mail is logged
//   - With no KAFKA_BROKERS, audit events are logged
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/audit"
	"github.com/kheina-com/backend-sub000/internal/auth"
	"github.com/kheina-com/backend-sub000/internal/bans"
	"github.com/kheina-com/backend-sub000/internal/config"
	"github.com/kheina-com/backend-sub000/internal/keyring"
	"github.com/kheina-com/backend-sub000/internal/kv"
	"github.com/kheina-com/backend-sub000/internal/mailer"
	"github.com/kheina-com/backend-sub000/internal/schema"
	"github.com/kheina-com/backend-sub000/internal/secrets"
	"github.com/kheina-com/backend-sub000/internal/security"
	"github.com/kheina-com/backend-sub000/internal/storage/postgres"
	"github.com/kheina-com/backend-sub000/internal/token"
)

// Runtime bundles the initialized dependencies used by the service binaries.
// All fields are populated by Initialize and valid until Close.
type Runtime struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Secrets       *secrets.Store
	Postgres      *postgres.Store
	Redis         *redis.Client
	Ring          *keyring.Ring
	Codec         *token.Codec
	Hasher        *security.PasswordHasher
	Otp           *security.OtpStore
	Bans          *bans.Registry
	Schemas       *schema.Repo
	Mailer        mailer.Mailer
	Audit         audit.Emitter
	Authenticator *auth.Authenticator
	Flow          *auth.AccountFlow
}

// Initialize wires all dependencies from configuration.
func Initialize(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	sec, err := secrets.Parse(cfg.AuthSecrets, cfg.IPSalt)
	if err != nil {
		return nil, fmt.Errorf("bootstrap secrets: %w", err)
	}

	pgStore, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Secrets:  sec,
		Postgres: pgStore,
	}

	var registryKV, schemaKV kv.Store
	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rt.Redis.Ping(pingCtx).Err(); err != nil {
			pgStore.Close()
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}

		registryKV = kv.NewRedisStore(rt.Redis, "token")
		schemaKV = kv.NewRedisStore(rt.Redis, "avro_schemas")
	} else if cfg.IsLocal() {
		// Revocation state dies with the process; acceptable only where the
		// tokens do too.
		registryKV = kv.NewMemoryStore()
		schemaKV = kv.NewMemoryStore()
	} else {
		pgStore.Close()
		return nil, fmt.Errorf("bootstrap redis: REDIS_ADDR is required outside local environments")
	}

	rt.Ring = keyring.New(pgStore)
	rt.Codec, err = token.NewCodec(rt.Ring, token.NewRegistry(registryKV))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("bootstrap token codec: %w", err)
	}

	rt.Hasher = security.NewPasswordHasher(sec, security.Params{
		Time:    cfg.ArgonTime,
		Memory:  cfg.ArgonMemory,
		Threads: cfg.ArgonThreads,
	})
	rt.Otp = security.NewOtpStore(sec, rt.Hasher, pgStore)

	rt.Bans, err = bans.NewRegistry(pgStore, sec, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("bootstrap ban registry: %w", err)
	}

	rt.Schemas = schema.NewRepo(schemaKV)

	if cfg.SMTPHost != "" && !cfg.IsLocal() {
		rt.Mailer = mailer.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailSender, logger)
	} else {
		rt.Mailer = mailer.NewLogMailer(logger)
	}

	if cfg.KafkaBrokers != "" {
		rt.Audit = audit.NewKafkaEmitter(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, cfg.KafkaClientID, logger)
	} else {
		rt.Audit = audit.NewLoggerEmitter(logger)
	}

	rt.Authenticator = auth.NewAuthenticator(pgStore, sec, rt.Hasher, rt.Otp, rt.Codec, rt.Schemas, rt.Audit, logger)
	rt.Flow = auth.NewAccountFlow(rt.Authenticator, rt.Mailer, cfg.FrontendURL, logger)

	return rt, nil
}

// Close releases resources in reverse initialization order. Collects errors
// but returns only the first.
func (rt *Runtime) Close(_ context.Context) error {
	if rt == nil {
		return nil
	}
	var firstErr error
	if rt.Audit != nil {
		if err := rt.Audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.Postgres != nil {
		rt.Postgres.Close()
	}
	return firstErr
}

// ReadinessProbe checks Postgres and Redis health for /readyz.
func (rt *Runtime) ReadinessProbe(ctx context.Context) error {
	if rt.Postgres != nil {
		if err := rt.Postgres.Pool().Ping(ctx); err != nil {
			return fmt.Errorf("postgres not ready: %w", err)
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis not ready: %w", err)
		}
	}
	return nil
}
