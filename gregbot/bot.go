package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/pl-upward/greg-bot/gregbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires the gateway, config store, dispatcher and command router
// together, and runs them alongside the operator API.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	store      *ConfigStore
	db         *gorm.DB
	discord    *Discord
	openai     *OpenAI
	dispatcher *ResponseDispatcher
	commands   *CommandRouter
	api        *API
	metrics    *metrics

	removeHandlers []func()
	runMu          sync.Mutex
}

// New validates the config, loads the default guild config template and
// opens guild config storage. Failing to load the template is fatal.
func New(ctx context.Context, config *Config) (*Bot, error) {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{config: config}
	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	if err := b.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	defaults, err := LoadDefaultGuildConfig(config.DefaultGuildConfig)
	if err != nil {
		return nil, err
	}

	records, err := b.openRecordStore(ctx)
	if err != nil {
		return nil, err
	}

	var errs []error

	m, err := newMetrics()
	errs = append(errs, err)
	b.metrics = m

	b.store = NewConfigStore(records, defaults, b.logger)
	b.store.metrics = m

	b.openai = newOpenAI(config.OpenAI, config.HTTPClient)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(config.Discord)

	b.dispatcher = NewResponseDispatcher(
		b.store,
		b.discord,
		b.openai,
		config.FallbackMessage,
		b.logger,
	)
	b.dispatcher.metrics = m

	b.commands = NewCommandRouter(b.store, b.discord, b.dispatcher, b.logger)
	b.commands.metrics = m
	b.dispatcher.SetCommandHandler(b.commands)

	if config.API.Enabled {
		b.api = newAPI(b, config.API)
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// openRecordStore returns the RecordStore for the configured storage
// backend, creating the directory or database as needed
func (b *Bot) openRecordStore(ctx context.Context) (RecordStore, error) {
	switch b.config.Storage {
	case StorageDatabase:
		db, err := CreateDB(
			ctx,
			b.config.DatabaseType,
			b.config.Database,
			newLogHandler(b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, err
		}
		b.db = db
		return NewDBRecordStore(db, b.logger), nil
	default:
		return NewFileRecordStore(b.config.ConfigDir, b.logger)
	}
}

// Run connects to discord and serves the API until ctx is canceled,
// then shuts down, waiting up to the shutdown timeout for in-flight
// events to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(WithLogger(ctx, logger))
	defer cancel()

	runtimeWG := &sync.WaitGroup{}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	if err := b.openSession(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil {
					logger.ErrorContext(gctx, "error serving api", tint.Err(err))
				}
				return err
			},
		)
	}
	g.Go(
		func() error {
			<-gctx.Done()
			return b.shutdown(ctx, runtimeWG)
		},
	)
	return g.Wait()
}

// openSession opens the gateway websocket, giving up after the
// startup timeout
func (b *Bot) openSession(ctx context.Context) error {
	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-openErr:
		if err != nil {
			b.logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
			return fmt.Errorf("error opening discord session: %w", err)
		}
	}
	b.logger.InfoContext(ctx, "discord session opened")
	return nil
}

// initDiscordSession creates the session if one hasn't been set, and
// registers the gateway event handlers. Each event is handled on its own
// goroutine, tracked by runtimeWG.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession(ctx, b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	for _, remove := range b.removeHandlers {
		remove()
	}

	spawn := func(f func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					b.handleRecover(ctx, rc)
				}
			}()
			f()
		}()
	}

	session := b.discord.session
	b.removeHandlers = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if ctx.Err() != nil {
					return
				}
				spawn(func() { b.onMessageCreate(ctx, m) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				if ctx.Err() != nil {
					return
				}
				spawn(func() { b.onGuildCreate(ctx, g) })
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				if ctx.Err() != nil {
					return
				}
				spawn(func() { b.onGuildDelete(ctx, g) })
			},
		),
	}
	return nil
}

func (b *Bot) onMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	_, _ = b.dispatcher.HandleMessage(ctx, NewInboundMessage(m.Message))
}

// onGuildCreate seeds the guild's config when the bot joins (or
// reconnects to) a guild
func (b *Bot) onGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil {
		return
	}
	if _, err := b.store.Get(ctx, g.ID); err != nil {
		b.logger.ErrorContext(ctx, "error loading guild config", "guild_id", g.ID, tint.Err(err))
		return
	}
	b.logger.InfoContext(ctx, "guild available", "guild_id", g.ID, "guild_name", g.Name)
}

// onGuildDelete removes the guild's config when the bot leaves or is
// removed from it. An outage also sends GuildDelete, with Unavailable
// set, and the config is kept.
func (b *Bot) onGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	if g == nil || g.Guild == nil {
		return
	}
	if g.Unavailable {
		b.logger.WarnContext(ctx, "guild unavailable", "guild_id", g.ID)
		return
	}
	if err := b.store.Delete(ctx, g.ID); err != nil {
		b.logger.ErrorContext(ctx, "error removing guild config", "guild_id", g.ID, tint.Err(err))
		return
	}
	b.logger.InfoContext(ctx, "left guild", "guild_id", g.ID)
}

// shutdown closes the gateway, so no new events arrive, then waits for
// in-flight events until the shutdown timeout
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	var errs []error
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-time.After(b.config.ShutdownTimeout):
		b.logger.ErrorContext(
			ctx,
			"in-flight events did not finish in time",
			"shutdown_timeout", b.config.ShutdownTimeout,
		)
		errs = append(errs, errors.New("in-flight events did not finish in time"))
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, b.logger)
	stackTrace := string(debug.Stack())
	if err, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(err), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}
