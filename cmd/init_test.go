package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pl-upward/greg-bot/gregbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func captureOutput(t testing.TB) *bytes.Buffer {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out
}

func TestInitCommand(t *testing.T) {
	resetConfig(t)
	tempDir := t.TempDir()
	defaultPath := filepath.Join(tempDir, "default_config.json")
	configDir := filepath.Join(tempDir, "server_configs")

	t.Setenv("GREG_DEFAULT_GUILD_CONFIG", defaultPath)
	t.Setenv("GREG_CONFIG_DIR", configDir)
	t.Cleanup(func() { systemPrompt = "" })

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init", "--system-prompt", "You are Greg, a snake."})
	require.NoError(t, rootCmd.Execute())

	info, err := os.Stat(configDir)
	require.NoError(t, err, "config dir should exist")
	assert.True(t, info.IsDir())

	defaults, err := gregbot.LoadDefaultGuildConfig(defaultPath)
	require.NoError(t, err)
	assert.Equal(t, "You are Greg, a snake.", defaults.SystemPrompt)
	assert.Equal(t, gregbot.DefaultGuildPrefix, defaults.Prefix)

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Wrote default guild config")
	assert.Contains(t, output, "Initialization complete")
}

func TestInitCommandKeepsExistingDefaults(t *testing.T) {
	resetConfig(t)
	tempDir := t.TempDir()
	defaultPath := filepath.Join(tempDir, "default_config.json")
	existing := []byte(`{"prefix": "!", "system_prompt": "keep me"}`)
	require.NoError(t, os.WriteFile(defaultPath, existing, 0o644))

	t.Setenv("GREG_DEFAULT_GUILD_CONFIG", defaultPath)
	t.Setenv("GREG_CONFIG_DIR", filepath.Join(tempDir, "server_configs"))
	t.Cleanup(func() { systemPrompt = "" })

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init", "--system-prompt", "overwritten?"})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(defaultPath)
	require.NoError(t, err)
	assert.Equal(t, existing, data)
	assert.Contains(t, out.String(), "already exists")
}

func TestInitCommandDatabase(t *testing.T) {
	resetConfig(t)
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("GREG_STORAGE", "database")
	t.Setenv("GREG_DATABASE_TYPE", "sqlite")
	t.Setenv("GREG_DATABASE", dbPath)
	t.Setenv("GREG_DEFAULT_GUILD_CONFIG", filepath.Join(tempDir, "default_config.json"))

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.Contains(t, out.String(), "Database is ready.")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.True(t, db.Migrator().HasTable(&gregbot.GuildConfigRecord{}))
}
