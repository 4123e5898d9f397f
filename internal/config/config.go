// Package config assembles the orchestrator's Config struct from a YAML
// file plus environment overrides, using viper the same way the teacher's
// config loader does: bind explicit env vars over a config-file default,
// read once at startup into a typed struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Debug bool

	DataDir  string // root for the sqlite file and worktree checkouts
	GitBin   string
	DBPath   string

	Executors ExecutorsConfig
	Lattice   LatticeConfig
	Sweeper   SweeperConfig
	Orchestrator OrchestratorConfig
}

type ExecutorsConfig struct {
	ClaudeCodeBin string
	CodexBin      string
	OpenCodeURL   string
	OpenCodeBin   string
	TaskTimeout   time.Duration
	MaxAttempts   int
}

// LatticeConfig configures the embedded NATS/JetStream event bus.
type LatticeConfig struct {
	Port         int
	HTTPPort     int
	StoreDir     string
	ReplayLimit  int
}

type SweeperConfig struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	ExpireAfter    time.Duration
}

type OrchestratorConfig struct {
	PRPollInterval time.Duration
	DefaultBranchPrefix string
}

// Load reads config from cfgFile if non-empty, otherwise from
// $XDG_CONFIG_HOME/orchestrator/config.yaml (falling back to
// ~/.config/orchestrator). ORCHESTRATOR_-prefixed env vars override only the
// keys bound through viper.BindEnv below (debug, data_dir, git_bin, the
// executor binaries and opencode URL, and the lattice ports), mirroring the
// teacher's viper.BindEnv chain.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		configDir, err := defaultConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		v.AddConfigPath(configDir)
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.BindEnv("debug", "ORCHESTRATOR_DEBUG")
	v.BindEnv("data_dir", "ORCHESTRATOR_DATA_DIR")
	v.BindEnv("git_bin", "ORCHESTRATOR_GIT_BIN")
	v.BindEnv("executors.claude_code_bin", "ORCHESTRATOR_CLAUDE_CODE_BIN")
	v.BindEnv("executors.codex_bin", "ORCHESTRATOR_CODEX_BIN")
	v.BindEnv("executors.opencode_url", "ORCHESTRATOR_OPENCODE_URL")
	v.BindEnv("executors.opencode_bin", "ORCHESTRATOR_OPENCODE_BIN")
	v.BindEnv("lattice.port", "ORCHESTRATOR_NATS_PORT")
	v.BindEnv("lattice.http_port", "ORCHESTRATOR_NATS_HTTP_PORT")

	applyDefaults(v)

	dataDir := v.GetString("data_dir")
	cfg := &Config{
		Debug:   v.GetBool("debug"),
		DataDir: dataDir,
		GitBin:  v.GetString("git_bin"),
		DBPath:  filepath.Join(dataDir, "orchestrator.db"),
		Executors: ExecutorsConfig{
			ClaudeCodeBin: v.GetString("executors.claude_code_bin"),
			CodexBin:      v.GetString("executors.codex_bin"),
			OpenCodeURL:   v.GetString("executors.opencode_url"),
			OpenCodeBin:   v.GetString("executors.opencode_bin"),
			TaskTimeout:   v.GetDuration("executors.task_timeout"),
			MaxAttempts:   v.GetInt("executors.max_attempts"),
		},
		Lattice: LatticeConfig{
			Port:        v.GetInt("lattice.port"),
			HTTPPort:    v.GetInt("lattice.http_port"),
			StoreDir:    filepath.Join(dataDir, "lattice"),
			ReplayLimit: v.GetInt("lattice.replay_limit"),
		},
		Sweeper: SweeperConfig{
			Interval:    v.GetDuration("sweeper.interval"),
			StaleAfter:  v.GetDuration("sweeper.stale_after"),
			ExpireAfter: v.GetDuration("sweeper.expire_after"),
		},
		Orchestrator: OrchestratorConfig{
			PRPollInterval:      v.GetDuration("orchestrator.pr_poll_interval"),
			DefaultBranchPrefix: v.GetString("orchestrator.default_branch_prefix"),
		},
	}

	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("git_bin", "git")
	v.SetDefault("data_dir", mustDefaultDataDir())
	v.SetDefault("executors.claude_code_bin", "claude")
	v.SetDefault("executors.codex_bin", "codex")
	v.SetDefault("executors.opencode_url", "http://127.0.0.1:4096")
	v.SetDefault("executors.opencode_bin", "opencode")
	v.SetDefault("executors.task_timeout", 10*time.Minute)
	v.SetDefault("executors.max_attempts", 3)
	v.SetDefault("lattice.port", 0) // 0 == let the OS pick an ephemeral port
	v.SetDefault("lattice.http_port", 0)
	v.SetDefault("lattice.replay_limit", 1000)
	v.SetDefault("sweeper.interval", 10*time.Minute)
	v.SetDefault("sweeper.stale_after", time.Hour)
	v.SetDefault("sweeper.expire_after", 72*time.Hour)
	v.SetDefault("orchestrator.pr_poll_interval", 2*time.Minute)
	v.SetDefault("orchestrator.default_branch_prefix", "orc")
}

func defaultConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "orchestrator"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "orchestrator"), nil
}

func mustDefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "orchestrator")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "orchestrator")
	}
	return filepath.Join(home, ".local", "share", "orchestrator")
}
