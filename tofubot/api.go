package tofubot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiHealthCheck           = "/healthz"
	apiMetrics               = "/metrics"
	apiPathReminders         = "/reminders"
	apiPathReminder          = "/reminders/:guild_id/:channel_id/:index"
	apiPathRescan            = "/reminders/rescan"
	apiPathBans              = "/bans"
	apiPathRegisterCommands  = "/discord/register_commands"
	xRequestIDHeader         = "X-Request-ID"
	apiShutdownGraceDuration = 5 * time.Second
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP server
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *TofuBot
}

func newAPI(b *TofuBot, config *APIConfig) *API {
	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		bot:    b,
		logger: newComponentLogger("api", config.LogLevel),
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group("")
	protected.Use(bearerAuthMiddleware(config.Secret))
	protected.GET(apiMetrics, gin.WrapH(promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{})))

	apiGroup := protected.Group(apiPrefix)
	apiGroup.GET(apiPathReminders, api.getReminders)
	apiGroup.POST(apiPathReminders, api.addReminder)
	apiGroup.POST(apiPathRescan, api.rescan)
	apiGroup.DELETE(apiPathReminder, api.removeReminder)
	apiGroup.GET(apiPathBans, api.getBans)
	apiGroup.POST(apiPathRegisterCommands, api.registerCommands)

	return api
}

// Serve listens on the configured address and serves until ctx is
// cancelled, then shuts the server down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownGraceDuration)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api server", tint.Err(err))
		}
	}()

	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	Reminders               int  `json:"reminders"`
	Within30Minutes         int  `json:"within_30_minutes"`
	Within2Minutes          int  `json:"within_2_minutes"`
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: a.bot.discord.connected.Load(),
	}
	if a.bot.reminders != nil {
		resp.Reminders = a.bot.reminders.Len()
	}
	if a.bot.scheduler != nil {
		resp.Within30Minutes, resp.Within2Minutes = a.bot.scheduler.TierSizes()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) getReminders(c *gin.Context) {
	if a.bot.reminders == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	if guildID := c.Query("guild_id"); guildID != "" {
		c.JSON(http.StatusOK, ReminderMap{guildID: a.bot.reminders.Guild(guildID)})
		return
	}
	c.JSON(http.StatusOK, a.bot.reminders.Snapshot())
}

// addReminderRequest is the payload for POST /api/reminders. Weekdays
// and Time use the same format as /remind.
type addReminderRequest struct {
	GuildID   string `json:"guild_id" binding:"required,numeric"`
	ChannelID string `json:"channel_id" binding:"required,numeric"`
	Weekdays  string `json:"weekdays" binding:"required"`
	Time      string `json:"time" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

type addReminderResponse struct {
	Index    int      `json:"index"`
	Reminder Reminder `json:"reminder"`
}

func (a *API) addReminder(c *gin.Context) {
	logger := ginContextLogger(c)
	var req addReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	r, err := NewReminder(req.Weekdays, req.Time, req.Message)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	index, err := a.bot.reminders.Add(c.Request.Context(), req.GuildID, req.ChannelID, r)
	if err != nil {
		logger.Error("error adding reminder", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	a.bot.scheduler.Notify()
	c.JSON(http.StatusCreated, addReminderResponse{Index: index, Reminder: r})
}

func (a *API) removeReminder(c *gin.Context) {
	logger := ginContextLogger(c)
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid index"})
		return
	}
	removed, err := a.bot.reminders.Remove(
		c.Request.Context(),
		c.Param("guild_id"),
		c.Param("channel_id"),
		index,
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, removed)
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.Is(err, ErrIndexOutOfRange):
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		logger.Error("error removing reminder", tint.Err(err))
		ginReplyError(c, err.Error())
	}
}

func (a *API) rescan(c *gin.Context) {
	a.bot.scheduler.Notify()
	ginReplyMessage(c, "rescan requested")
}

func (a *API) getBans(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.bans.List())
}

func (a *API) registerCommands(c *gin.Context) {
	if a.bot.discord.session == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "discord not initialized"})
		return
	}
	created, err := a.bot.discord.registerCommands()
	if err != nil {
		ginReplyError(c, err.Error())
		return
	}
	ginReplyMessage(c, fmt.Sprintf("registered %d commands", len(created)))
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// bearerAuthMiddleware rejects requests without an `Authorization:
// Bearer <secret>` header. With an empty secret, every request passes.
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).Warn("unauthorized api request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with
// request details attached) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
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

func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()

		attrs := []any{
			"duration", time.Since(start),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				append(attrs, "errors", errs.String())...,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			attrs...,
		)
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with an error, with HTTP status
// code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func init() {
	structValidator.SetTagName("binding")
}
