package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck     = "/healthz"
	apiMetrics         = "/metrics"
	apiPrefix          = "/api"
	apiPathGuildConfig = "/guilds/:guild_id/config"
)

// API is the operator HTTP server: health, prometheus metrics and a
// read-only view of guild configs. It's meant to listen on localhost.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
	mu         sync.Mutex
}

// newAPI configures the gin engine and routes. Nothing listens until
// Serve is called.
func newAPI(b *Bot, config *APIConfig) *API {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api"),
	}
	handlers := &APIHandlers{bot: b}
	api.handlers = handlers

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(b.metrics),
	)
	// cors.New panics without at least one allowed origin
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.GET(apiMetrics, handlers.metrics)

	api.engine.Group(apiPrefix).GET(apiPathGuildConfig, handlers.getGuildConfig)
	return api
}

// Serve listens on the configured address and serves until ctx is done,
// then shuts the server down
func (a *API) Serve(ctx context.Context) error {
	a.mu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	ln := a.listener
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.WriteTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
			return err
		}
		return nil
	}
}

// APIHandlers holds the API's request handlers
type APIHandlers struct {
	bot *Bot
}

// healthCheck handles GET /healthz
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Storage: h.bot.config.Storage,
	}
	if h.bot.discord != nil {
		resp.DiscordGatewayConnected = h.bot.discord.connected.Load()
		resp.DiscordUserID = h.bot.discord.SelfID()
	}
	c.JSON(http.StatusOK, resp)
}

// metrics handles GET /metrics, in the prometheus exposition format
func (h *APIHandlers) metrics(c *gin.Context) {
	if h.bot.metrics == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	promhttp.HandlerFor(h.bot.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// getGuildConfig handles GET /api/guilds/:guild_id/config. It doesn't
// create a config for a guild that doesn't have one.
//
// Responses:
//   - 200 OK: the guild's config
//   - 400 Bad Request: the guild ID isn't a snowflake
//   - 404 Not Found: no config exists for the guild
func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param("guild_id")
	if _, err := strconv.ParseUint(guildID, 10, 64); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid guild id"})
		return
	}
	cfg, err := h.bot.store.Dump(c.Request.Context(), guildID)
	if err != nil {
		if errors.Is(err, ErrConfigMissing) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "config not found"})
			return
		}
		logger.ErrorContext(c, "error loading guild config", tint.Err(err))
		ginReplyError(c, "error loading guild config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordUserID           string `json:"discord_user_id,omitempty"`
	Storage                 string `json:"storage"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it has been handled
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method, route and status
func metricMiddleware(m *metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		m.apiRequest(c.Request.Method, c.FullPath(), c.Writer.Status())
	}
}
