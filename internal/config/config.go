// Package config loads the scenepipe YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenepipe/internal/engine"
	"github.com/roach88/scenepipe/internal/ir"
	"github.com/roach88/scenepipe/internal/lockpool"
)

const (
	// Environment overrides
	EnvStorePath = "SCENEPIPE_DB"
	EnvBroker    = "SCENEPIPE_BROKER"

	defaultStorePath      = "scenepipe.db"
	defaultBrokerKind     = BrokerSQLite
	defaultTopicPrefix    = "scenepipe-"
	defaultPollInterval   = 500 * time.Millisecond
	defaultConcurrency    = 1
	defaultDownloadDir    = "data"
	defaultAdminListen    = "127.0.0.1:8089"
	defaultJanitorCron    = "@every 1m"
	defaultVisibility     = 30 * time.Minute
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultCommandTimeout = 2 * time.Hour
)

// Broker kinds.
const (
	BrokerSQLite = "sqlite"
	BrokerPubSub = "pubsub"
)

// Config represents the complete application configuration
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Broker      BrokerConfig      `yaml:"broker"`
	Workers     map[string]int    `yaml:"workers" validate:"dive,keys,activity_type,endkeys,gte=1"`
	Retry       RetryConfig       `yaml:"retry"`
	Locks       []LockPoolConfig  `yaml:"locks" validate:"dive"`
	Providers   []ProviderConfig  `yaml:"providers" validate:"dive"`
	Collections []CollectionRoute `yaml:"collections" validate:"dive"`
	Stages      StagesConfig      `yaml:"stages"`
	Pipelines   PipelinesConfig   `yaml:"pipelines"`
	Environment EnvironmentConfig `yaml:"environment"`
	Admin       AdminConfig       `yaml:"admin"`
	Janitor     JanitorConfig     `yaml:"janitor"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StoreConfig locates the shared SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// BrokerConfig selects the message broker.
type BrokerConfig struct {
	Kind         string        `yaml:"kind" validate:"oneof=sqlite pubsub"`
	Project      string        `yaml:"project" validate:"required_if=Kind pubsub"`
	TopicPrefix  string        `yaml:"topic_prefix"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

// RetryConfig tunes the retry policy. Stages without an override keep the
// built-in horizon.
type RetryConfig struct {
	FixedDelay time.Duration         `yaml:"fixed_delay" validate:"gte=0"`
	Stages     map[string]StageRetry `yaml:"stages" validate:"dive,keys,activity_type,endkeys"`
}

// StageRetry overrides the retry tunables of one stage.
type StageRetry struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	FixedDelay  time.Duration `yaml:"fixed_delay" validate:"gte=0"`
}

// LockPoolConfig declares a pool of rate-limited accounts.
type LockPoolConfig struct {
	Name          string          `yaml:"name" validate:"required"`
	PollInterval  time.Duration   `yaml:"poll_interval" validate:"gte=0"`
	MutexAttempts int             `yaml:"mutex_attempts" validate:"gte=0"`
	MutexBackoff  time.Duration   `yaml:"mutex_backoff" validate:"gte=0"`
	MutexTTL      time.Duration   `yaml:"mutex_ttl" validate:"gte=0"`
	LeaseTTL      time.Duration   `yaml:"lease_ttl" validate:"gte=0"`
	ForceClear    *bool           `yaml:"force_clear"`
	Accounts      []AccountConfig `yaml:"accounts" validate:"dive"`
}

// AccountConfig is one account of a pool.
type AccountConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Secret   string `yaml:"secret"`
	Capacity int    `yaml:"capacity" validate:"gte=1"`
}

// ProviderConfig registers an HTTP data source under ID.
type ProviderConfig struct {
	ID            string `yaml:"id" validate:"required"`
	URL           string `yaml:"url" validate:"required"`
	OfflineStatus []int  `yaml:"offline_status" validate:"dive,gte=100,lte=599"`
}

// CollectionRoute names the collections that downstream stages of an
// input collection write into.
type CollectionRoute struct {
	ID                        int64 `yaml:"id" validate:"gt=0"`
	CorrectionCollectionID    int64 `yaml:"correction_collection_id" validate:"gte=0"`
	HarmonizationCollectionID int64 `yaml:"harmonization_collection_id" validate:"gte=0"`
}

// StagesConfig defines the stage bodies.
type StagesConfig struct {
	DownloadDir string                   `yaml:"download_dir"`
	Commands    map[string]CommandConfig `yaml:"commands" validate:"dive,keys,activity_type,endkeys"`
	Upload      UploadConfig             `yaml:"upload"`
}

// CommandConfig runs an external program as a stage body.
type CommandConfig struct {
	Argv             []string      `yaml:"argv" validate:"min=1"`
	Dir              string        `yaml:"dir"`
	Env              []string      `yaml:"env"`
	Timeout          time.Duration `yaml:"timeout" validate:"gte=0"`
	OfflineExitCodes []int         `yaml:"offline_exit_codes"`
}

// UploadConfig replicates published assets to Cloud Storage. An empty
// bucket leaves the upload stage without a body.
type UploadConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// PipelinesConfig locates the CUE task-spec files.
type PipelinesConfig struct {
	Dir string `yaml:"dir"`
}

// EnvironmentConfig selects the variables captured on each execution.
type EnvironmentConfig struct {
	Prefixes []string `yaml:"prefixes"`
}

// AdminConfig holds the admin HTTP server settings.
type AdminConfig struct {
	Listen string `yaml:"listen" validate:"required"`
}

// JanitorConfig schedules the maintenance sweep.
type JanitorConfig struct {
	Schedule          string        `yaml:"schedule" validate:"required"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" validate:"gt=0"`
}

// LoggingConfig defines logging behavior settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets reasonable default values for optional fields
func (c *Config) SetDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = defaultBrokerKind
	}
	if c.Broker.TopicPrefix == "" {
		c.Broker.TopicPrefix = defaultTopicPrefix
	}
	if c.Broker.PollInterval == 0 {
		c.Broker.PollInterval = defaultPollInterval
	}
	if c.Retry.FixedDelay == 0 {
		c.Retry.FixedDelay = engine.DefaultRetryDelay
	}
	for i := range c.Locks {
		if c.Locks[i].ForceClear == nil {
			enabled := true
			c.Locks[i].ForceClear = &enabled
		}
	}
	if c.Stages.DownloadDir == "" {
		c.Stages.DownloadDir = defaultDownloadDir
	}
	for stage, cmd := range c.Stages.Commands {
		if cmd.Timeout == 0 {
			cmd.Timeout = defaultCommandTimeout
			c.Stages.Commands[stage] = cmd
		}
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = defaultAdminListen
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = defaultJanitorCron
	}
	if c.Janitor.VisibilityTimeout == 0 {
		c.Janitor.VisibilityTimeout = defaultVisibility
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

// ApplyEnv overrides the store path and broker from the environment.
// SCENEPIPE_BROKER is "sqlite" or "pubsub:<project>".
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if path, ok := lookup(EnvStorePath); ok && path != "" {
		c.Store.Path = path
	}
	broker, ok := lookup(EnvBroker)
	if !ok || broker == "" {
		return nil
	}
	kind, project, _ := strings.Cut(broker, ":")
	switch kind {
	case BrokerSQLite:
		c.Broker.Kind = BrokerSQLite
	case BrokerPubSub:
		c.Broker.Kind = BrokerPubSub
		if project != "" {
			c.Broker.Project = project
		}
	default:
		return ir.Misconfigured("%s: unknown broker %q", EnvBroker, broker)
	}
	return nil
}

// Load reads the YAML config file at path, applies environment overrides
// and defaults, and validates the result. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte, lookup func(string) (string, bool)) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, ir.Misconfigured("parse config: %v", err)
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Concurrency returns the worker count of stage t, at least one.
func (c Config) Concurrency(t ir.ActivityType) int {
	if n, ok := c.Workers[t.String()]; ok && n > 0 {
		return n
	}
	return defaultConcurrency
}

// RetryPolicy builds the engine retry policy with the configured delay and
// per-stage overrides.
func (c Config) RetryPolicy() engine.Policy {
	policy := engine.DefaultPolicy(c.Retry.FixedDelay)
	for name, override := range c.Retry.Stages {
		t, err := ir.ParseActivityType(name)
		if err != nil {
			continue
		}
		sp := policy.For(t)
		if override.MaxAttempts > 0 {
			sp.MaxAttempts = override.MaxAttempts
		}
		if override.FixedDelay > 0 {
			sp.Delay = override.FixedDelay
		}
		policy.Stages[t] = sp
	}
	return policy
}

// LockPool returns the lock manager configuration of pool.
func (p LockPoolConfig) LockPool() lockpool.Config {
	return lockpool.Config{
		Pool:          p.Name,
		PollInterval:  p.PollInterval,
		MutexAttempts: p.MutexAttempts,
		MutexBackoff:  p.MutexBackoff,
		MutexTTL:      p.MutexTTL,
		LeaseTTL:      p.LeaseTTL,
		ForceClear:    p.ForceClear == nil || *p.ForceClear,
	}
}

// RouteArgs returns the collection routing args of input collection id,
// or nil when no route is configured.
func (c Config) RouteArgs(id int64) ir.Args {
	for _, r := range c.Collections {
		if r.ID != id {
			continue
		}
		args := ir.Args{}
		if r.CorrectionCollectionID > 0 {
			args[ir.ArgCorrectionTarget] = r.CorrectionCollectionID
		}
		if r.HarmonizationCollectionID > 0 {
			args[ir.ArgHarmonizeTarget] = r.HarmonizationCollectionID
		}
		return args
	}
	return nil
}
