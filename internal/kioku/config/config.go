// Package config loads kioku's configuration from defaults, an optional
// YAML file and KIOKU_-prefixed environment variables, in that order of
// precedence (lowest first).
//
// Secrets never live in the file: fields ending in _env name the
// environment variable that holds the secret.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/kioku/common/logging"
	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/internal/kioku/consolidation"
)

// EnvPrefix prefixes every environment override, e.g.
// KIOKU_MEMORY_LONG_TERM=postgres.
const EnvPrefix = "KIOKU"

// DefaultPath is the config file read when no path is given. It is
// optional; an explicitly given path is not.
const DefaultPath = "kioku.yaml"

// Config is the full configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Log           logging.Config      `mapstructure:"log" yaml:"log"`
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator" yaml:"orchestrator"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation" yaml:"consolidation"`
	Memory        MemoryConfig        `mapstructure:"memory" yaml:"memory"`
	Generator     GeneratorConfig     `mapstructure:"generator" yaml:"generator"`
	Classifier    ClassifierConfig    `mapstructure:"classifier" yaml:"classifier"`
	RateLimit     RateLimitConfig     `mapstructure:"ratelimit" yaml:"ratelimit"`
	Matrix        MatrixConfig        `mapstructure:"matrix" yaml:"matrix"`
	NATS          NATSConfig          `mapstructure:"nats" yaml:"nats"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr" yaml:"http_addr"`
	WSPath          string        `mapstructure:"ws_path" yaml:"ws_path"`
	ReadLimit       int64         `mapstructure:"read_limit" yaml:"read_limit"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type OrchestratorConfig struct {
	GenerateTimeout    time.Duration `mapstructure:"generate_timeout" yaml:"generate_timeout"`
	ConsolidateTimeout time.Duration `mapstructure:"consolidate_timeout" yaml:"consolidate_timeout"`
	MaxTokens          int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature        float64       `mapstructure:"temperature" yaml:"temperature"`
	SystemPrompt       string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	// IdleTimeout evicts instances after inactivity; 0 disables eviction.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Consolidation modes.
const (
	ModeEvent = "event"
	ModeSweep = "sweep"
)

type ConsolidationConfig struct {
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
	MaxAge     time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// Expression overrides the threshold rule when set.
	Expression string `mapstructure:"expression" yaml:"expression"`
	// Mode is "event" (check on input only) or "sweep" (also check on a
	// schedule, so idle conversations consolidate by age).
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	Summarise     bool          `mapstructure:"summarise" yaml:"summarise"`
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	Archive       ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// ArchiveConfig enables the S3 archive when Bucket is set.
type ArchiveConfig struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Region   string `mapstructure:"region" yaml:"region"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// EncryptionKeyEnv names the variable holding a hex AES-256 key. When
	// set, archived objects are encrypted.
	EncryptionKeyEnv string `mapstructure:"encryption_key_env" yaml:"encryption_key_env"`
}

// Memory backends.
const (
	ShortTermMemory = "memory"
	ShortTermRedis  = "redis"

	LongTermSQLite   = "sqlite"
	LongTermPostgres = "postgres"
	LongTermBleve    = "bleve"
	LongTermMemory   = "memory"
	LongTermNoop     = "noop"
)

type MemoryConfig struct {
	ShortTerm   string `mapstructure:"short_term" yaml:"short_term"`
	LongTerm    string `mapstructure:"long_term" yaml:"long_term"`
	LookupLimit int    `mapstructure:"lookup_limit" yaml:"lookup_limit"`
	// ShortTermCap bounds each instance's short-term buffer.
	ShortTermCap int            `mapstructure:"short_term_cap" yaml:"short_term_cap"`
	Redis        RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres     PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Bleve        BleveConfig    `mapstructure:"bleve" yaml:"bleve"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	DB          int           `mapstructure:"db" yaml:"db"`
	PasswordEnv string        `mapstructure:"password_env" yaml:"password_env"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type BleveConfig struct {
	// Path of the on-disk index; empty keeps the index in memory.
	Path string `mapstructure:"path" yaml:"path"`
}

// Generator and classifier providers.
const (
	ProviderEcho      = "echo"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderNoop      = "noop"
	ProviderKeyword   = "keyword"
)

type GeneratorConfig struct {
	Provider  string        `mapstructure:"provider" yaml:"provider"`
	Model     string        `mapstructure:"model" yaml:"model"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKeyEnv string        `mapstructure:"api_key_env" yaml:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ClassifierConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Model     string `mapstructure:"model" yaml:"model"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`
}

type RateLimitConfig struct {
	// PerMinute is the number of messages a session may send per minute;
	// 0 disables rate limiting.
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
}

type MatrixConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Homeserver     string   `mapstructure:"homeserver" yaml:"homeserver"`
	UserID         string   `mapstructure:"user_id" yaml:"user_id"`
	AccessTokenEnv string   `mapstructure:"access_token_env" yaml:"access_token_env"`
	Rooms          []string `mapstructure:"rooms" yaml:"rooms"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
	Queue   string `mapstructure:"queue" yaml:"queue"`
}

// Default returns the built-in configuration: a self-contained server with
// SQLite long-term memory and the offline echo generator.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			WSPath:          "/ws",
			ReadLimit:       64 << 10,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			AllowedOrigins:  []string{},
			ShutdownTimeout: 15 * time.Second,
		},
		Log:      logging.Config{Level: "info", Format: "json"},
		Database: DatabaseConfig{Path: "kioku.db"},
		Orchestrator: OrchestratorConfig{
			GenerateTimeout:    30 * time.Second,
			ConsolidateTimeout: 30 * time.Second,
			MaxTokens:          512,
			Temperature:        0.7,
			IdleTimeout:        30 * time.Minute,
		},
		Consolidation: ConsolidationConfig{
			MaxEntries:    consolidation.DefaultMaxEntries,
			MaxAge:        consolidation.DefaultMaxAge,
			Mode:          ModeEvent,
			SweepSchedule: consolidation.DefaultSweepSchedule,
			RetryAttempts: 3,
			Archive:       ArchiveConfig{Prefix: "kioku"},
		},
		Memory: MemoryConfig{
			ShortTerm:    ShortTermMemory,
			LongTerm:     LongTermSQLite,
			LookupLimit:  50,
			ShortTermCap: 1000,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "kioku:stm:",
				TTL:    24 * time.Hour,
			},
		},
		Generator: GeneratorConfig{
			Provider:  ProviderEcho,
			APIKeyEnv: "KIOKU_GENERATOR_API_KEY",
			Timeout:   60 * time.Second,
		},
		Classifier: ClassifierConfig{Provider: ProviderNoop, APIKeyEnv: "KIOKU_CLASSIFIER_API_KEY"},
		RateLimit:  RateLimitConfig{PerMinute: 30},
		Matrix: MatrixConfig{
			AccessTokenEnv: "KIOKU_MATRIX_ACCESS_TOKEN",
			Rooms:          []string{},
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Subject: "kioku.input",
			Queue:   "kioku",
		},
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "json" && f != "console" {
		bad("log.format: %q is not json or console", f)
	}
	if c.Server.HTTPAddr == "" {
		bad("server.http_addr is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		bad("server.ws_path: %q must start with /", c.Server.WSPath)
	}

	switch c.Consolidation.Mode {
	case ModeEvent, ModeSweep:
	default:
		bad("consolidation.mode: %q is not %s or %s", c.Consolidation.Mode, ModeEvent, ModeSweep)
	}
	if _, err := c.Consolidation.Policy(); err != nil {
		errs = append(errs, err)
	}

	switch c.Memory.ShortTerm {
	case ShortTermMemory, ShortTermRedis:
	default:
		bad("memory.short_term: unknown backend %q", c.Memory.ShortTerm)
	}
	switch c.Memory.LongTerm {
	case LongTermSQLite, LongTermBleve, LongTermMemory, LongTermNoop:
	case LongTermPostgres:
		if c.Memory.Postgres.DSN == "" {
			bad("memory.postgres.dsn is required for the postgres backend")
		}
	default:
		bad("memory.long_term: unknown backend %q", c.Memory.LongTerm)
	}
	if c.Memory.LongTerm == LongTermSQLite && c.Database.Path == "" {
		bad("database.path is required for the sqlite backend")
	}

	switch c.Generator.Provider {
	case ProviderEcho, ProviderOpenAI, ProviderAnthropic:
	default:
		bad("generator.provider: unknown provider %q", c.Generator.Provider)
	}
	switch c.Classifier.Provider {
	case ProviderNoop, ProviderKeyword, ProviderOpenAI:
	default:
		bad("classifier.provider: unknown provider %q", c.Classifier.Provider)
	}

	if c.Matrix.Enabled && (c.Matrix.Homeserver == "" || c.Matrix.UserID == "") {
		bad("matrix.homeserver and matrix.user_id are required when matrix is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		bad("nats.url is required when nats is enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
}

// Policy builds the consolidation policy the settings describe.
func (c ConsolidationConfig) Policy() (consolidation.Policy, error) {
	limits := consolidation.Threshold{MaxEntries: c.MaxEntries, MaxAge: c.MaxAge}
	return consolidation.NewPolicy(c.Expression, limits)
}

// Redacted returns the configuration as a nested map with secrets masked,
// for printing.
func (c Config) Redacted() (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return redact.Map(m), nil
}

// Source is a loaded configuration that can be watched for changes.
type Source struct {
	v    *viper.Viper
	path string

	mu  sync.RWMutex
	cfg Config
}

// Load builds a Source from defaults, the file at path and the
// environment. An empty path reads DefaultPath when it exists.
func Load(path string) (*Source, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		path = ""
	}

	s := &Source{v: v, path: path}
	cfg, err := s.decode()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// Config returns the current configuration.
func (s *Source) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Path returns the file the configuration was read from, or "" when only
// defaults and environment were used.
func (s *Source) Path() string {
	return s.path
}

// Watch calls onChange with the new configuration each time the file
// changes and still validates. Invalid edits are logged and ignored.
func (s *Source) Watch(logger zerolog.Logger, onChange func(Config)) {
	if s.path == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := s.decode()
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("config change rejected")
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		onChange(cfg)
	})
	s.v.WatchConfig()
}

func (s *Source) decode() (Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of Default() so that environment
// overrides apply to keys absent from the file.
func setDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&tree); err != nil {
		return fmt.Errorf("config: decode defaults: %w", err)
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}
