// Package bootstrap turns configuration into the live collaborators the
// binaries share: the storage backend, the code resolver and the run lock.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/DeafMist/indication-mapper/backend/internal/config"
	"github.com/DeafMist/indication-mapper/backend/internal/elasticsearch"
	"github.com/DeafMist/indication-mapper/backend/internal/icd10"
	"github.com/DeafMist/indication-mapper/backend/internal/lock"
	"github.com/DeafMist/indication-mapper/backend/internal/pipeline"
	"github.com/DeafMist/indication-mapper/backend/internal/postgres"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

// Retry bounds the startup connection loop.
type Retry struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetry waits up to roughly three minutes for the store to come up.
var DefaultRetry = Retry{Attempts: 10, Delay: 2 * time.Second, MaxDelay: 30 * time.Second}

// OpenStore builds the configured backend and waits until it answers a ping.
func OpenStore(ctx context.Context, cfg config.Common, log *slog.Logger, retry Retry) (store.Backend, error) {
	backend, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}

	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	delay := retry.Delay

	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = backend.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if attempt >= retry.Attempts {
			_ = backend.Close()
			return nil, fmt.Errorf("connect to %s after %d attempts: %w", cfg.StoreBackend, attempt, err)
		}

		log.Warn("store ping failed, retrying",
			slog.String("backend", cfg.StoreBackend),
			slog.Any("err", err),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", retry.Attempts),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = backend.Close()
			return nil, ctx.Err()
		}
		delay *= 2
		if retry.MaxDelay > 0 && delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}

	if pg, ok := backend.(*postgres.Store); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	log.Info("connected to store", slog.String("backend", cfg.StoreBackend))
	return backend, nil
}

func newBackend(cfg config.Common, log *slog.Logger) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendElasticsearch, "":
		return elasticsearch.New(cfg.ElasticsearchAddr, cfg.IndexSuffix, log)
	case config.BackendPostgres:
		return postgres.Open(cfg.PostgresDSN, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewResolver loads the rule table and the model tier. A missing model
// endpoint is an error unless the tier is explicitly disabled.
func NewResolver(cfg config.Pipeline, log *slog.Logger) (*icd10.Resolver, error) {
	rules := icd10.DefaultRules()
	if cfg.RulesPath != "" {
		loaded, err := icd10.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	var model icd10.Classifier
	switch {
	case cfg.ModelDisabled:
		log.Warn("model tier disabled, unmatched indications stay unresolved")
	case cfg.ModelEndpoint == "":
		return nil, fmt.Errorf("model endpoint is required unless the model tier is disabled")
	default:
		client, err := icd10.NewInferenceClient(icd10.InferenceOptions{
			Endpoint: cfg.ModelEndpoint,
			Token:    cfg.ModelToken,
			Timeout:  cfg.ModelTimeout,
			Retries:  cfg.ModelRetries,
		})
		if err != nil {
			return nil, err
		}
		model = client
	}

	log.Info("resolver ready", slog.Int("rules", rules.Len()), slog.Bool("model", model != nil))
	return icd10.NewResolver(rules, model, cfg.ModelMaxLength, log), nil
}

// NewLocker returns a Redis lock when REDIS_ADDR is set and a no-op lock
// otherwise. The returned func closes the connection.
func NewLocker(ctx context.Context, cfg config.Pipeline) (pipeline.Locker, func() error, error) {
	if cfg.RedisAddr == "" {
		return lock.Nop{}, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return lock.NewRedis(client, cfg.RunLockTTL), client.Close, nil
}
