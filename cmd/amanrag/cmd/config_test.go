package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/amanrag/internal/config"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

func TestConfigInit_CreatesUserConfig(t *testing.T) {
	// Given: no user config
	e := newEnv(t)
	require.False(t, config.UserConfigExists())

	// When: running config init
	out := e.mustRun(t, "config", "init")

	// Then: the file is written with the defaults
	assert.Contains(t, out, "Created")
	assert.True(t, config.UserConfigExists())
	loaded, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.NewConfig().Search.RRFConstant, loaded.Search.RRFConstant)
}

func TestConfigInit_RefusesOverwriteWithoutForce(t *testing.T) {
	// Given: an existing user config
	e := newEnv(t)
	e.mustRun(t, "config", "init")

	// When: running init again without --force
	out := e.mustRun(t, "config", "init")

	// Then: nothing is replaced
	assert.Contains(t, out, "already exists")
	backups, err := config.ListBackups(config.GetUserConfigPath())
	require.NoError(t, err)
	assert.Empty(t, backups)

	// When: forcing
	out = e.mustRun(t, "config", "init", "--force")

	// Then: the previous file is backed up
	assert.Contains(t, out, "Backed up")
	backups, err = config.ListBackups(config.GetUserConfigPath())
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestConfigShow_MergesProjectConfig(t *testing.T) {
	// Given: a project config selecting the sqlite backend
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, config.ProjectConfigFile),
		[]byte("lexical:\n  backend: sqlite\n"), 0o644))

	// When: showing the effective configuration
	out := e.mustRun(t, "config", "show")

	// Then: the YAML reflects the project file and the env data dir
	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "sqlite", shown.Lexical.Backend)
	assert.Equal(t, e.dataDir, shown.DataDir)
}

func TestConfigShow_JSON(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun(t, "config", "show", "--json")

	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Contains(t, shown, "search")
	assert.Contains(t, shown, "retrieval")
}

func TestConfigPath(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun(t, "config", "path")

	assert.Equal(t, config.GetUserConfigPath(), strings.TrimSpace(out))
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		e := newEnv(t)

		out := e.mustRun(t, "config", "validate")

		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("weights not summing to one", func(t *testing.T) {
		e := newEnv(t)
		t.Setenv("AMANRAG_VECTOR_WEIGHT", "0.9")

		_, err := e.run(t, "", "config", "validate")

		require.Error(t, err)
		assert.Equal(t, amanerrors.ErrCodeConfigInvalid, amanerrors.GetCode(err))
		assert.Contains(t, err.Error(), "sum to 1.0")
	})
}
