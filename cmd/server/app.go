package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/and161185/securehub/internal/access"
	"github.com/and161185/securehub/internal/audit"
	"github.com/and161185/securehub/internal/blobstore"
	"github.com/and161185/securehub/internal/config"
	"github.com/and161185/securehub/internal/limiter"
	"github.com/and161185/securehub/internal/metrics"
	"github.com/and161185/securehub/internal/migrate"
	"github.com/and161185/securehub/internal/repository"
	"github.com/and161185/securehub/internal/repository/memory"
	"github.com/and161185/securehub/internal/repository/postgres"
	httpserver "github.com/and161185/securehub/internal/server/http"
	"github.com/and161185/securehub/internal/service"
	"github.com/and161185/securehub/internal/token"
	"github.com/and161185/securehub/internal/totp"
)

// adminPasswordEnv seeds an "admin" account when the server runs on the in-memory store.
const adminPasswordEnv = "SECUREHUB_ADMIN_PASSWORD"

type stores struct {
	users     repository.UserRepository
	groups    repository.GroupRepository
	docs      repository.DocumentRepository
	access    repository.AccessRepository
	refresh   repository.RefreshTokenRepository
	audit     repository.AuditRepository
	downloads repository.DownloadLogRepository
}

// app is the wired server. close releases pools and clients in reverse order.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every component selected by cfg.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger, getenv func(string) string) (*app, error) {
	a := &app{}
	checks := map[string]httpserver.CheckFunc{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var st stores
	var db *postgres.DB
	if cfg.DSN != "" {
		version, err := migrate.Up(ctx, cfg.DSN)
		if err != nil {
			return fail(fmt.Errorf("migrate up: %w", err))
		}
		log.Info("schema ready", zap.Int64("version", version))

		db, err = postgres.New(ctx, cfg.DSN)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, db.Close)
		checks["postgres"] = db.Ping
		st = stores{
			users:     postgres.NewUserRepo(db),
			groups:    postgres.NewGroupRepo(db),
			docs:      postgres.NewDocumentRepo(db),
			access:    postgres.NewAccessRepo(db),
			refresh:   postgres.NewRefreshTokenRepo(db),
			audit:     postgres.NewAuditRepo(db),
			downloads: postgres.NewDownloadLogRepo(db),
		}
	} else {
		log.Warn("no dsn configured, state is kept in memory")
		mem := memory.New(time.Now)
		st = stores{
			users: mem.Users(), groups: mem.Groups(), docs: mem.Documents(), access: mem.Access(),
			refresh: mem.RefreshTokens(), audit: mem.Audit(), downloads: mem.Downloads(),
		}
	}

	lim, err := newLimiter(cfg.Limiter, db, a, checks)
	if err != nil {
		return fail(err)
	}

	blobs, err := newBlobStore(ctx, cfg.Storage, checks)
	if err != nil {
		return fail(err)
	}
	if key := cfg.Storage.EncryptionKey; key != "" {
		if blobs, err = blobstore.NewSealed(blobs, []byte(key)); err != nil {
			return fail(err)
		}
		log.Info("blob encryption at rest enabled")
	}

	tokens, err := token.New(token.Config{
		SigningKey: []byte(cfg.Secret),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Issuer:     cfg.Issuer,
	}, time.Now)
	if err != nil {
		return fail(err)
	}
	otp := totp.New(cfg.OTPIssuer, time.Now)
	m := metrics.New()
	rec := audit.New(st.audit, log, m.AuditWriteFailures, time.Now)

	auth := service.NewAuthService(service.AuthDeps{
		Users: st.users, Refresh: st.refresh, Tokens: tokens, TOTP: otp,
		Limiter: lim, Audit: rec, Logins: m.LoginsTotal, Log: log, Now: time.Now,
	})
	dir := service.NewDirectoryService(st.users, st.groups, st.refresh, rec, log, time.Now)
	docs := service.NewDocumentService(service.DocumentDeps{
		Documents: st.docs,
		Downloads: st.downloads,
		Access:    access.New(st.access, st.docs, st.users),
		Blobs:     blobs,
		Audit:     rec,
		Log:       log,
		Now:       time.Now,
	})

	if db == nil {
		if pw := getenv(adminPasswordEnv); pw != "" {
			if _, err := dir.Bootstrap(ctx, "admin", pw); err != nil {
				return fail(fmt.Errorf("seed admin: %w", err))
			}
			log.Info("seeded in-memory admin", zap.String("username", "admin"))
		}
	}

	a.handler = httpserver.New(httpserver.Deps{
		Auth:           auth,
		TwoFactor:      service.NewTwoFactorService(st.users, otp, rec, time.Now),
		Directory:      dir,
		Documents:      docs,
		Metrics:        m,
		Checks:         checks,
		Log:            log,
		RefreshTTL:     cfg.RefreshTTL,
		CookieSecure:   cfg.CookieSecure,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}).Handler()
	return a, nil
}

func newLimiter(c config.LimiterConfig, db *postgres.DB, a *app, checks map[string]httpserver.CheckFunc) (limiter.Limiter, error) {
	policy := limiter.Policy{Window: c.Window, MaxFails: c.MaxFails, BlockFor: c.BlockFor}
	switch c.Backend {
	case config.LimiterNone:
		return limiter.Nop{}, nil
	case config.LimiterPostgres:
		if db == nil {
			return nil, errors.New("postgres limiter requires a dsn")
		}
		return limiter.NewPG(db.Pool, policy, time.Now), nil
	case config.LimiterRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return limiter.NewRedis(client, policy, c.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown limiter backend %q", c.Backend)
	}
}

func newBlobStore(ctx context.Context, c config.StorageConfig, checks map[string]httpserver.CheckFunc) (blobstore.Store, error) {
	switch c.Backend {
	case config.StorageMemory:
		return blobstore.NewMemory(), nil
	case config.StorageS3:
		s3, err := blobstore.NewS3(ctx, c.S3)
		if err != nil {
			return nil, err
		}
		checks["s3"] = s3.Ping
		return s3, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}
