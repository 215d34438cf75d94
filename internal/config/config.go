// Package config loads daemon configuration from the environment, with
// optional .env files for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration. Every field maps to a
// DEVSWARM_-prefixed environment variable; underscores separate words
// (e.g. DEVSWARM_REPO_URL, DEVSWARM_GIT_DAEMON_PORT).
type Config struct {
	RepoURL   string `mapstructure:"repo_url"`   // upstream clone URL
	RepoOwner string `mapstructure:"repo_owner"` // code-host owner
	RepoName  string `mapstructure:"repo_name"`  // code-host repository name

	DataDir       string `mapstructure:"data_dir"`        // bare clone, worktrees, database
	Port          int    `mapstructure:"port"`            // HTTP listen port
	GitDaemonPort int    `mapstructure:"git_daemon_port"` // local git daemon port
	MainBranch    string `mapstructure:"main_branch"`

	LintCommand  string `mapstructure:"lint_command"`
	BuildCommand string `mapstructure:"build_command"`
	TestCommand  string `mapstructure:"test_command"`

	AgentBinary string `mapstructure:"agent_binary"` // agent runtime executable
}

// Load reads .env files when present, then the environment, applying
// defaults, and validates the result.
func Load() (*Config, error) {
	// Overload lets the later file win, so the local override loads last.
	_ = godotenv.Overload(".env")
	_ = godotenv.Overload(".env.local")

	v := viper.New()
	v.SetEnvPrefix("DEVSWARM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Every key needs a registered default: AutomaticEnv only resolves keys
	// viper already knows about when unmarshalling.
	v.SetDefault("repo_url", "")
	v.SetDefault("repo_owner", "")
	v.SetDefault("repo_name", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("port", 8420)
	v.SetDefault("git_daemon_port", 9418)
	v.SetDefault("main_branch", "main")
	v.SetDefault("lint_command", "")
	v.SetDefault("build_command", "")
	v.SetDefault("test_command", "")
	v.SetDefault("agent_binary", "claude")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have no workable default.
func (c *Config) Validate() error {
	if c.RepoURL == "" {
		return fmt.Errorf("DEVSWARM_REPO_URL is required")
	}
	if c.RepoOwner == "" || c.RepoName == "" {
		return fmt.Errorf("DEVSWARM_REPO_OWNER and DEVSWARM_REPO_NAME are required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("DEVSWARM_PORT must be a valid TCP port, got %d", c.Port)
	}
	if c.GitDaemonPort <= 0 || c.GitDaemonPort > 65535 {
		return fmt.Errorf("DEVSWARM_GIT_DAEMON_PORT must be a valid TCP port, got %d", c.GitDaemonPort)
	}
	return nil
}
