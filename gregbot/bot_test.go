package gregbot

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConfig returns a valid config using file storage under a temp
// directory, with a default guild config already written
func newTestConfig(t testing.TB) *Config {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.ConfigDir = filepath.Join(dir, "server_configs")
	cfg.DefaultGuildConfig = filepath.Join(dir, "default_config.json")
	cfg.Database = filepath.Join(dir, "greg.sqlite3")
	cfg.Discord.Token = "discord-test-token"
	cfg.OpenAI.Token = "sk-test"
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	written, err := WriteDefaultGuildConfig(cfg.DefaultGuildConfig, "be greg")
	require.NoError(t, err)
	require.True(t, written)
	return cfg
}

func newTestBot(t testing.TB, cfg *Config) (*Bot, *mockDiscordSession) {
	t.Helper()
	b, err := New(context.Background(), cfg)
	require.NoError(t, err)
	session := newMockDiscordSession()
	b.discord.session = session
	t.Cleanup(
		func() {
			if b.db != nil {
				if sqlDB, e := b.db.DB(); e == nil {
					_ = sqlDB.Close()
				}
			}
		},
	)
	return b, session
}

func TestNew_FileStorage(t *testing.T) {
	cfg := newTestConfig(t)
	b, _ := newTestBot(t, cfg)

	assert.Nil(t, b.api)
	assert.Nil(t, b.db)
	assert.NotNil(t, b.metrics)
	assert.DirExists(t, cfg.ConfigDir)
	assert.Equal(t, "be greg", b.store.Defaults().SystemPrompt)
	assert.Same(t, http.DefaultClient, cfg.HTTPClient)
}

func TestNew_DatabaseStorage(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Storage = StorageDatabase
	b, _ := newTestBot(t, cfg)

	require.NotNil(t, b.db)
	assert.FileExists(t, cfg.Database)
	assert.NoDirExists(t, cfg.ConfigDir)

	_, err := b.store.Get(context.Background(), testGuildID)
	require.NoError(t, err)
	var count int64
	require.NoError(t, b.db.Model(&GuildConfigRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNew_APIEnabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.API.Enabled = true
	b, _ := newTestBot(t, cfg)
	assert.NotNil(t, b.api)
}

func TestNew_MissingDefaultGuildConfig(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.Remove(cfg.DefaultGuildConfig))

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "missing discord token", mutate: func(cfg *Config) { cfg.Discord.Token = "" }},
		{name: "missing openai token", mutate: func(cfg *Config) { cfg.OpenAI.Token = "" }},
		{name: "unknown storage", mutate: func(cfg *Config) { cfg.Storage = "s3" }},
		{name: "fallback too long", mutate: func(cfg *Config) { cfg.FallbackMessage = strings.Repeat("s", 2001) }},
		{name: "bad base url", mutate: func(cfg *Config) { cfg.OpenAI.BaseURL = "not a url" }},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := newTestConfig(t)
				tc.mutate(cfg)
				_, err := New(context.Background(), cfg)
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid config")
			},
		)
	}
}

func TestBot_GuildEvents(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBot(t, newTestConfig(t))
	guild := &discordgo.Guild{ID: testGuildID, Name: "the rock"}

	b.onGuildCreate(ctx, &discordgo.GuildCreate{Guild: guild})
	cfg, err := b.store.Dump(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "be greg", cfg.SystemPrompt)

	// outages keep the config
	b.onGuildDelete(ctx, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: testGuildID, Unavailable: true}})
	_, err = b.store.Dump(ctx, testGuildID)
	require.NoError(t, err)

	b.onGuildDelete(ctx, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: testGuildID}})
	_, err = b.store.Dump(ctx, testGuildID)
	require.ErrorIs(t, err, ErrConfigMissing)

	// nil events are ignored
	b.onGuildCreate(ctx, &discordgo.GuildCreate{})
	b.onGuildDelete(ctx, &discordgo.GuildDelete{})
	b.onMessageCreate(ctx, &discordgo.MessageCreate{})
}

// guildCreateHandler returns the GuildCreate handler registered on the
// session
func guildCreateHandler(t testing.TB, session *mockDiscordSession) func(*discordgo.Session, *discordgo.GuildCreate) {
	t.Helper()
	for _, h := range session.Handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.GuildCreate)); ok {
			return f
		}
	}
	t.Fatal("no GuildCreate handler registered")
	return nil
}

func TestBot_GuildHandlersAfterShutdown(t *testing.T) {
	b, session := newTestBot(t, newTestConfig(t))
	guild := &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: testGuildID}}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	require.NoError(t, b.initDiscordSession(ctx, wg))
	handler := guildCreateHandler(t, session)

	handler(nil, guild)
	wg.Wait()
	_, err := b.store.Dump(context.Background(), testGuildID)
	require.NoError(t, err)

	require.NoError(t, b.store.Delete(context.Background(), testGuildID))
	cancel()

	// events arriving once shutdown has started aren't handled
	handler(nil, guild)
	wg.Wait()
	_, err = b.store.Dump(context.Background(), testGuildID)
	require.ErrorIs(t, err, ErrConfigMissing)
}

func TestBot_Run(t *testing.T) {
	b, session := newTestBot(t, newTestConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	session.OnOpen = func() {
		time.AfterFunc(50*time.Millisecond, cancel)
	}

	require.NoError(t, b.Run(ctx))

	handlers := 0
	for _, c := range session.Calls {
		if c == "AddHandler" {
			handlers++
		}
	}
	assert.Equal(t, len(b.removeHandlers), handlers)
	assert.Contains(t, session.Calls, "Open")
	assert.Equal(t, "Close", session.Calls[len(session.Calls)-1])
}

func TestBot_RunStartupTimeout(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StartupTimeout = 10 * time.Millisecond
	b, session := newTestBot(t, cfg)

	opened := make(chan struct{})
	session.OnOpen = func() {
		<-opened
	}
	t.Cleanup(func() { close(opened) })

	err := b.Run(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBot_ShutdownTimeout(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ShutdownTimeout = 10 * time.Millisecond
	b, session := newTestBot(t, cfg)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	t.Cleanup(wg.Done)

	err := b.shutdown(context.Background(), wg)
	require.Error(t, err)
	assert.Equal(t, []string{"Close"}, session.Calls)
}

func TestBot_HandleRecover(t *testing.T) {
	b, _ := newTestBot(t, newTestConfig(t))
	assert.NotPanics(
		t, func() {
			b.handleRecover(context.Background(), "boom")
			b.handleRecover(context.Background(), os.ErrClosed)
		},
	)
}
