package vef

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CaseMode is the process-wide identifier case setting for database and
// table names. It mirrors the host's lower_case_table_names variable and is
// read once at startup; normalization assumes it never changes afterwards.
type CaseMode int

const (
	// CasePreserve keeps database and table names as written and compares
	// them case-sensitively.
	CasePreserve CaseMode = 0
	// CaseFoldStore folds names to lower case for storage and comparison.
	CaseFoldStore CaseMode = 1
	// CaseFoldCompare stores names as written but folds for comparison.
	// Normalization treats it the same as CaseFoldStore.
	CaseFoldCompare CaseMode = 2
)

// Config is the process-level configuration of the extension framework.
type Config struct {
	// BaseDir is the directory holding .veb archives and the _expanded/
	// cache. Defaults to the platform extension directory.
	BaseDir string `yaml:"base_dir"`

	// NameCase is the identifier case setting for database and table names.
	NameCase CaseMode `yaml:"name_case"`
}

// DefaultConfig returns the configuration used when no config file is given.
func DefaultConfig() Config {
	return Config{
		BaseDir:  defaultBaseDir(),
		NameCase: CasePreserve,
	}
}

// ConfigFromFile reads a YAML config file, filling unset fields from
// DefaultConfig.
func ConfigFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vef: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vef: parse config %s: %w", path, err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = defaultBaseDir()
	}
	if cfg.NameCase < CasePreserve || cfg.NameCase > CaseFoldCompare {
		return Config{}, fmt.Errorf("vef: config %s: name_case must be 0, 1 or 2, got %d", path, cfg.NameCase)
	}
	return cfg, nil
}

func defaultBaseDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "villagesql", "extensions")
	}
	return filepath.Join(os.TempDir(), "villagesql", "extensions")
}
