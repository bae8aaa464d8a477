package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bdobrica/kioku/common/crypto"
	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/consolidation"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/nlp"
)

func noClose() error { return nil }

// OpenLongTerm opens the configured long-term fragment store. db is the
// kioku SQLite database, used by the sqlite backend.
func OpenLongTerm(ctx context.Context, cfg config.MemoryConfig, db *sql.DB, logger zerolog.Logger) (memory.LongTermStore, func() error, error) {
	switch cfg.LongTerm {
	case config.LongTermSQLite:
		return memory.NewSQLiteLTM(db, logger), noClose, nil
	case config.LongTermPostgres:
		pg, err := memory.NewPostgresLTM(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() error { pg.Close(); return nil }, nil
	case config.LongTermBleve:
		b, err := memory.NewBleveLTM(cfg.Bleve.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.LongTermMemory:
		return memory.NewInMemoryLTM(), noClose, nil
	case config.LongTermNoop:
		return memory.NewNoopLTM(logger), noClose, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown long-term backend %q", cfg.LongTerm)
	}
}

// OpenShortTerm opens the configured short-term buffer store.
func OpenShortTerm(ctx context.Context, cfg config.MemoryConfig) (memory.ShortTermStore, func() error, error) {
	switch cfg.ShortTerm {
	case config.ShortTermMemory:
		return memory.NewInMemoryShortTerm(cfg.ShortTermCap), noClose, nil
	case config.ShortTermRedis:
		password, err := environment.Secret(cfg.Redis.PasswordEnv)
		if err != nil {
			return nil, nil, fmt.Errorf("app: redis password: %w", err)
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("app: redis ping %s: %w", cfg.Redis.Addr, err)
		}
		stm := memory.NewRedisShortTerm(client, memory.RedisShortTermConfig{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.TTL,
			Cap:    cfg.ShortTermCap,
		})
		return stm, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown short-term backend %q", cfg.ShortTerm)
	}
}

// newGenerator builds the completion backend. API keys come from the
// environment variable the config names.
func newGenerator(cfg config.GeneratorConfig) (nlp.Generator, error) {
	switch cfg.Provider {
	case config.ProviderEcho:
		return nlp.Echo{}, nil
	case config.ProviderOpenAI:
		key, err := environment.Secret(cfg.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("app: generator api key: %w", err)
		}
		return nlp.NewOpenAI(nlp.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}), nil
	case config.ProviderAnthropic:
		key, err := environment.Secret(cfg.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("app: generator api key: %w", err)
		}
		return nlp.NewAnthropic(nlp.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), nil
	default:
		return nil, fmt.Errorf("app: unknown generator provider %q", cfg.Provider)
	}
}

func newClassifier(cfg config.ClassifierConfig) (nlp.Classifier, error) {
	switch cfg.Provider {
	case config.ProviderNoop:
		return nlp.NoopClassifier{}, nil
	case config.ProviderKeyword:
		return nlp.NewKeywordClassifier(), nil
	case config.ProviderOpenAI:
		key, err := environment.Secret(cfg.APIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("app: classifier api key: %w", err)
		}
		return nlp.NewOpenAI(nlp.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), nil
	default:
		return nil, fmt.Errorf("app: unknown classifier provider %q", cfg.Provider)
	}
}

// newArchiver returns the S3 archive sink, or nil when no bucket is set.
func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (consolidation.Archiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	var sealer *crypto.Sealer
	if cfg.EncryptionKeyEnv != "" {
		raw, err := environment.Secret(cfg.EncryptionKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("app: archive encryption key: %w", err)
		}
		if sealer, err = crypto.ParseSealer(raw); err != nil {
			return nil, fmt.Errorf("app: archive encryption key: %w", err)
		}
	}
	a, err := consolidation.NewS3Archive(ctx, consolidation.S3ArchiveConfig{
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
		Sealer:   sealer,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
