package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"crucible/internal/domain"
)

type Config struct {
	Addr    string        `toml:"addr"`
	DBPath  string        `toml:"db_path"`
	Workdir string        `toml:"workdir"`
	Engine  EngineConfig  `toml:"engine"`
	Agents  AgentsConfig  `toml:"agents"`
	Quality QualityConfig `toml:"quality"`
	Backend BackendConfig `toml:"backend"`
	Tracing TracingConfig `toml:"tracing"`
	Path    string        `toml:"-"`
}

type EngineConfig struct {
	MaxIterations         int `toml:"max_iterations"`
	RepeatedFailureLimit  int `toml:"repeated_failure_limit"`
	TaskTimeoutMinutes    int `toml:"task_timeout_minutes"`
	CheckpointEveryWaves  int `toml:"checkpoint_every_waves"`
	CheckpointKeep        int `toml:"checkpoint_keep"`
	InfraRetryLimit       int `toml:"infra_retry_limit"`
	ReplanMaxPerFeature   int `toml:"replan_max_per_feature"`
	FeatureTimeBudgetMult int `toml:"feature_time_budget_mult"`
}

type AgentsConfig struct {
	MaxParallel int            `toml:"max_parallel"`
	PerType     map[string]int `toml:"per_type"`
}

type QualityConfig struct {
	BuildCommand  string `toml:"build_command"`
	LintCommand   string `toml:"lint_command"`
	TestCommand   string `toml:"test_command"`
	ReviewCommand string `toml:"review_command"`
}

type BackendConfig struct {
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	TimeoutMS int      `toml:"timeout_ms"`
}

type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8787"
	}
	if c.DBPath == "" {
		c.DBPath = "crucible.db"
	}
	if c.Workdir == "" {
		c.Workdir = "."
	}
	if c.Engine.MaxIterations <= 0 {
		c.Engine.MaxIterations = 20
	}
	if c.Engine.RepeatedFailureLimit <= 0 {
		c.Engine.RepeatedFailureLimit = 3
	}
	if c.Engine.TaskTimeoutMinutes <= 0 {
		c.Engine.TaskTimeoutMinutes = 30
	}
	if c.Engine.CheckpointEveryWaves <= 0 {
		c.Engine.CheckpointEveryWaves = 1
	}
	if c.Engine.CheckpointKeep <= 0 {
		c.Engine.CheckpointKeep = 10
	}
	if c.Engine.InfraRetryLimit <= 0 {
		c.Engine.InfraRetryLimit = 3
	}
	if c.Engine.ReplanMaxPerFeature <= 0 {
		c.Engine.ReplanMaxPerFeature = 2
	}
	if c.Engine.FeatureTimeBudgetMult <= 0 {
		c.Engine.FeatureTimeBudgetMult = 3
	}
	if c.Agents.MaxParallel <= 0 {
		c.Agents.MaxParallel = 4
	}
	if c.Quality.BuildCommand == "" {
		c.Quality.BuildCommand = "go build ./..."
	}
	if c.Quality.TestCommand == "" {
		c.Quality.TestCommand = "go test ./..."
	}
	if c.Backend.TimeoutMS <= 0 {
		c.Backend.TimeoutMS = 600_000
	}
	return c
}

func (c Config) Validate() error {
	for name := range c.Agents.PerType {
		if !domain.ValidAgentType(domain.AgentType(name)) {
			return fmt.Errorf("unknown agent type in agents.per_type: %s", name)
		}
	}
	for name, limit := range c.Agents.PerType {
		if limit < 0 {
			return fmt.Errorf("agents.per_type.%s must not be negative", name)
		}
	}
	return nil
}

// PerTypeCaps converts the string-keyed TOML map into the typed form
// the agent pool consumes.
func (c Config) PerTypeCaps() map[domain.AgentType]int {
	if len(c.Agents.PerType) == 0 {
		return nil
	}
	caps := make(map[domain.AgentType]int, len(c.Agents.PerType))
	for name, limit := range c.Agents.PerType {
		caps[domain.AgentType(name)] = limit
	}
	return caps
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crucible/config.toml"
	}
	return filepath.Join(home, ".crucible", "config.toml")
}
