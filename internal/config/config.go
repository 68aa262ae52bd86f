// Package config defines the resolved configuration record the ingestion
// core runs with. The core never loads TOML or environment variables
// itself; an external collaborator resolves those into a Config and hands
// it to the runtime. DefaultConfig supplies the baseline this package
// merges caller-supplied overrides onto via dario.cat/mergo.
package config

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/flyingrobots/blacklight/internal/ingesterr"
	"github.com/flyingrobots/blacklight/internal/model"
)

// BackupMode selects which CAS backend internal/cas uses.
type BackupMode string

const (
	BackupModeSimple BackupMode = "simple"
	BackupModeGitCAS BackupMode = "gitcas"
)

// SourceConfig is one entry of the `sources` array in the resolved config
// record.
type SourceConfig struct {
	Name      string
	Path      string
	Kind      model.SourceKind
	CASPrefix string
}

// Config is the single resolved data structure passed to the core. Every
// field here corresponds to a key in the external config record contract.
type Config struct {
	DBPath              string
	BackupDir           string
	BackupMode          BackupMode
	MaterializedDir     string
	Sources             []SourceConfig
	SkipDirs            []string
	DedupThresholdBytes int
	IndexThinkingBlocks bool // default false, see SPEC_FULL open question on thinking-block FTS
	BatchSize           int
	BusyTimeoutMS       int
}

// DefaultConfig returns the baseline config. Values here match the
// constants named explicitly in the component contracts (256-byte dedup
// threshold, ~500-record batches, 5s busy timeout).
func DefaultConfig() Config {
	return Config{
		BackupMode:          BackupModeSimple,
		SkipDirs:            []string{"node_modules", ".git", "__pycache__", ".cache"},
		DedupThresholdBytes: 256,
		IndexThinkingBlocks: false,
		BatchSize:           500,
		BusyTimeoutMS:       5000,
	}
}

// Resolve merges a caller-supplied partial Config onto DefaultConfig,
// filling in anything the caller left zero-valued, then validates the
// result.
func Resolve(override Config) (Config, error) {
	cfg := DefaultConfig()
	if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the core requires before it will open a
// database or start an indexer run. A failure here is always a KindConfig
// error: fatal at startup, never retried.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return ingesterr.New(ingesterr.KindConfig, fmt.Errorf("db_path is required"))
	}
	if c.BackupMode != BackupModeSimple && c.BackupMode != BackupModeGitCAS {
		return ingesterr.New(ingesterr.KindConfig, fmt.Errorf("unknown backup_mode %q", c.BackupMode))
	}
	if c.DedupThresholdBytes <= 0 {
		return ingesterr.New(ingesterr.KindConfig, fmt.Errorf("dedup_threshold_bytes must be positive"))
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" || s.Path == "" {
			return ingesterr.New(ingesterr.KindConfig, fmt.Errorf("source entry missing name or path"))
		}
		switch s.Kind {
		case model.SourceClaude, model.SourceGemini, model.SourceCodex:
		default:
			return ingesterr.New(ingesterr.KindConfig, fmt.Errorf("source %q: unknown kind %q", s.Name, s.Kind))
		}
		if seen[s.Name] {
			return ingesterr.New(ingesterr.KindConfig, fmt.Errorf("duplicate source name %q", s.Name))
		}
		seen[s.Name] = true
	}
	return nil
}
