package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type CommitMode string

const (
	CommitAuto CommitMode = "auto" // mark as soon as the frame is emitted
	CommitE2E  CommitMode = "e2e"  // mark once every sink acked the frame
)

const envPrefix = "SCRIPTFLOW_KAFKA__"

type BackPressureCfg struct {
	Capacity int64 `koanf:"capacity"` // max frames emitted but not yet marked
}

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"`
}

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	CommitMode   CommitMode      `koanf:"commit_mode"`
	BackPressure BackPressureCfg `koanf:"backpressure"`
	Checkpoint   CheckpointCfg   `koanf:"checkpoint"`
}

// LoadConfig reads the YAML file at path (a missing file is fine), overlays
// SCRIPTFLOW_KAFKA__* variables with `__` separating nested keys (e.g.
// SCRIPTFLOW_KAFKA__BACKPRESSURE__CAPACITY), applies defaults and validates.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("kafka config %s: %w", path, err)
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka schema_version %q not supported (want v1)", sv)
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	cfg.withDefaults()
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

func (c *Config) withDefaults() {
	if c.CommitMode == "" {
		c.CommitMode = CommitAuto
	}
	if c.StartFrom == "" {
		c.StartFrom = "newest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.BackPressure.Capacity == 0 {
		c.BackPressure.Capacity = 30_000
	}
	if c.Checkpoint.CommitInt == 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers must not be empty"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("topics must not be empty"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group_id must not be empty"))
	}
	if c.CommitMode != CommitAuto && c.CommitMode != CommitE2E {
		errs = append(errs, fmt.Errorf("commit_mode must be auto or e2e, got %q", c.CommitMode))
	}
	if c.StartFrom != "oldest" && c.StartFrom != "newest" {
		errs = append(errs, fmt.Errorf("start_from must be oldest or newest, got %q", c.StartFrom))
	}
	if c.BackPressure.Capacity < 0 {
		errs = append(errs, errors.New("backpressure.capacity must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafka source: %w", err)
	}
	return nil
}
