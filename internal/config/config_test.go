package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "git", cfg.GitBin)
	assert.Equal(t, 3, cfg.Executors.MaxAttempts)
	assert.Equal(t, "orc", cfg.Orchestrator.DefaultBranchPrefix)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("ORCHESTRATOR_GIT_BIN", "/usr/bin/git")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/git", cfg.GitBin)
}
