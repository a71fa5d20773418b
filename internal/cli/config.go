package cli

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/scope"
)

// EntityConfig declares one tracked table.
type EntityConfig struct {
	Table      string   `yaml:"table"`
	KeyField   string   `yaml:"key_field"`
	SyncFields []string `yaml:"sync_fields"`
}

// ActionConfig declares one write action. Actions defined in configuration
// have no custom validator; embedders who need one use the library directly.
type ActionConfig struct {
	Name           string               `yaml:"name"`
	Tables         []string             `yaml:"tables"`
	Operations     []harmonic.Operation `yaml:"operations"`
	Batch          bool                 `yaml:"batch"`
	AllowPartial   bool                 `yaml:"allow_partial"`
	OfflineCapable bool                 `yaml:"offline_capable"`
}

// DispatchConfig tunes the broadcast loop.
type DispatchConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// RetentionConfig tunes log pruning. Keep is the number of newest entries
// always retained; zero disables pruning entirely.
type RetentionConfig struct {
	PruneInterval time.Duration `yaml:"prune_interval"`
	Keep          int64         `yaml:"keep"`
}

// ServerConfig is the serve command's configuration file.
type ServerConfig struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Namespace string          `yaml:"namespace"`
	Scope     scope.Config    `yaml:"scope"`
	Entities  []EntityConfig  `yaml:"entities"`
	Actions   []ActionConfig  `yaml:"actions"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:    ":8080",
		DBPath:    "harmonic.db",
		Namespace: "harmonic",
		Scope:     scope.Config{Strategy: scope.StrategyNone},
		Dispatch: DispatchConfig{
			ScanInterval: 500 * time.Millisecond,
			BatchSize:    256,
		},
		Retention: RetentionConfig{
			PruneInterval: time.Hour,
		},
	}
}

// LoadServerConfig reads and validates a YAML configuration file.
// Unknown keys are errors: a typo that silently disables a setting is worse
// than a failed start.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if len(c.Entities) == 0 {
		return fmt.Errorf("at least one entity is required")
	}

	tables := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if e.Table == "" || e.KeyField == "" {
			return fmt.Errorf("entity %q: table and key_field are required", e.Table)
		}
		if len(e.SyncFields) == 0 {
			return fmt.Errorf("entity %q: sync_fields must not be empty", e.Table)
		}
		if tables[e.Table] {
			return fmt.Errorf("duplicate entity %q", e.Table)
		}
		tables[e.Table] = true
	}

	names := make(map[string]bool, len(c.Actions))
	for _, a := range c.Actions {
		if a.Name == "" {
			return fmt.Errorf("action name is required")
		}
		if names[a.Name] {
			return fmt.Errorf("duplicate action %q", a.Name)
		}
		names[a.Name] = true
		for _, table := range a.Tables {
			if !tables[table] {
				return fmt.Errorf("action %q: table %q is not a declared entity", a.Name, table)
			}
		}
		for _, op := range a.Operations {
			if err := harmonic.ValidateOperation(op); err != nil {
				return fmt.Errorf("action %q: %w", a.Name, err)
			}
		}
	}

	if c.Retention.Keep < 0 {
		return fmt.Errorf("retention.keep must not be negative")
	}
	return nil
}
