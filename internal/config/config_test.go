package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEVSWARM_REPO_URL", "https://github.com/acme/widgets.git")
	t.Setenv("DEVSWARM_REPO_OWNER", "acme")
	t.Setenv("DEVSWARM_REPO_NAME", "widgets")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/widgets.git", cfg.RepoURL)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 8420, cfg.Port)
	assert.Equal(t, 9418, cfg.GitDaemonPort)
	assert.Equal(t, "main", cfg.MainBranch)
	assert.Equal(t, "claude", cfg.AgentBinary)
	assert.Empty(t, cfg.LintCommand)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DEVSWARM_PORT", "9000")
	t.Setenv("DEVSWARM_LINT_COMMAND", "make lint")
	t.Setenv("DEVSWARM_BUILD_COMMAND", "make build")
	t.Setenv("DEVSWARM_MAIN_BRANCH", "trunk")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "make lint", cfg.LintCommand)
	assert.Equal(t, "make build", cfg.BuildCommand)
	assert.Equal(t, "trunk", cfg.MainBranch)
}

func TestLoadRequiresRepo(t *testing.T) {
	t.Setenv("DEVSWARM_REPO_URL", "")
	t.Setenv("DEVSWARM_REPO_OWNER", "")
	t.Setenv("DEVSWARM_REPO_NAME", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEVSWARM_REPO_URL")
}

func TestEnvFileLocalOverridesShared(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"DEVSWARM_REPO_URL=https://github.com/acme/widgets.git\n"+
			"DEVSWARM_REPO_OWNER=acme\n"+
			"DEVSWARM_REPO_NAME=widgets\n"+
			"DEVSWARM_MAIN_BRANCH=develop\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte(
		"DEVSWARM_MAIN_BRANCH=trunk\n"), 0o644))

	// Overload writes through to the process environment; register the keys
	// so the harness restores them afterwards.
	for _, key := range []string{
		"DEVSWARM_REPO_URL", "DEVSWARM_REPO_OWNER",
		"DEVSWARM_REPO_NAME", "DEVSWARM_MAIN_BRANCH",
	} {
		t.Setenv(key, "")
	}
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "trunk", cfg.MainBranch)
	assert.Equal(t, "acme", cfg.RepoOwner)
}

func TestValidatePorts(t *testing.T) {
	cfg := &Config{
		RepoURL:       "u",
		RepoOwner:     "o",
		RepoName:      "n",
		Port:          0,
		GitDaemonPort: 9418,
	}
	assert.Error(t, cfg.Validate())

	cfg.Port = 8420
	cfg.GitDaemonPort = 70000
	assert.Error(t, cfg.Validate())

	cfg.GitDaemonPort = 9418
	assert.NoError(t, cfg.Validate())
}
