package merrygo

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathHealth           = "/health"
	apiPathQueues           = "/queues"
	apiPathDropped          = "/dropped"
	apiPathCleanups         = "/cleanups"
	apiPathGuildConfig      = "/guilds/:guild_id/config"
	apiPathEnqueueMessage   = "/channels/:channel_id/messages"
	apiPathRegisterCommands = "/commands/register"

	xRequestIDHeader = "X-Request-ID"

	defaultListLimit = 50
	maxListLimit     = 500
)

var errEmptyMessage = errors.New("one of content, embed or attachment is required")

type httpError struct {
	Error string `json:"error"`
}

// API serves the admin HTTP API
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	// limits failed login attempts
	authFailureLimiter *rate.Limiter

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex

	handlers *APIHandlers
}

// APIHandlers holds the admin API's route handlers
type APIHandlers struct {
	m *MerryGo
}

func newAPI(m *MerryGo, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newHandler(config.LogLevel))

	r := gin.New()

	api := &API{
		config:             config,
		engine:             r,
		requestMetrics:     map[string]int{},
		authFailureLimiter: rate.NewLimiter(rate.Limit(1), 3),
		handlers:           &APIHandlers{m: m},
		logger:             setupLogger.With(loggerNameKey, "api"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	h := api.handlers
	r.GET(apiPrefix+apiPathHealth, h.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(basicAuthMiddleware(m, api))

	protected.GET(apiPathQueues, h.getQueues)
	protected.GET(apiPathDropped, h.getDroppedMessages)
	protected.GET(apiPathCleanups, h.getCleanups)
	protected.GET(apiPathGuildConfig, h.getGuildConfig)
	protected.POST(apiPathEnqueueMessage, h.enqueueMessage)
	protected.POST(apiPathRegisterCommands, h.registerCommands)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	return api, nil
}

// Serve listens on the configured address and serves the API until the
// server is shut down. TLS is used when a cert is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns the number of requests served per route
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.Status())
}

func (h *APIHandlers) getQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.m.delivery.Stats())
}

// listLimit parses the `limit` query parameter, defaulting to
// defaultListLimit
func listLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

func (h *APIHandlers) getDroppedMessages(c *gin.Context) {
	logger := ginContextLogger(c)
	limit, err := listLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	dropped, err := h.m.recentDroppedMessages(c.Request.Context(), limit)
	if err != nil {
		logger.Error("error getting dropped messages", tint.Err(err))
		ginReplyError(c, "error getting dropped messages")
		return
	}
	c.JSON(http.StatusOK, dropped)
}

func (h *APIHandlers) getCleanups(c *gin.Context) {
	logger := ginContextLogger(c)
	limit, err := listLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	cleanups, err := h.m.cleanupsForGuild(c.Request.Context(), c.Query("guild_id"), limit)
	if err != nil {
		logger.Error("error getting cleanups", tint.Err(err))
		ginReplyError(c, "error getting cleanups")
		return
	}
	c.JSON(http.StatusOK, cleanups)
}

func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var cfg GuildConfig
	err := h.m.db.WithContext(c.Request.Context()).Where("guild_id = ?", c.Param("guild_id")).Take(&cfg).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
	case err != nil:
		logger.Error("error getting guild config", tint.Err(err))
		ginReplyError(c, "error getting guild config")
	default:
		c.JSON(http.StatusOK, cfg)
	}
}

type enqueueEmbedRequest struct {
	Title       string `json:"title" binding:"max=256"`
	Description string `json:"description" binding:"max=4096"`
	Color       int    `json:"color" binding:"gte=0,lte=16777215"`
}

type enqueueAttachmentRequest struct {
	Name        string `json:"name" binding:"required,max=256"`
	ContentType string `json:"content_type"`

	// base64-encoded file contents
	Data string `json:"data" binding:"required,base64"`
}

type enqueueMessageRequest struct {
	Content    string                    `json:"content" binding:"max=2000"`
	Embed      *enqueueEmbedRequest      `json:"embed"`
	Attachment *enqueueAttachmentRequest `json:"attachment"`
}

func (r enqueueMessageRequest) payload() (Payload, error) {
	if r.Content == "" && r.Embed == nil && r.Attachment == nil {
		return Payload{}, errEmptyMessage
	}
	p := Payload{Content: r.Content}
	if r.Embed != nil {
		p.Embed = r.Embed.messageEmbed()
	}
	if r.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(r.Attachment.Data)
		if err != nil {
			return p, fmt.Errorf("invalid attachment data: %w", err)
		}
		p.Attachment = &Attachment{
			Name:        r.Attachment.Name,
			ContentType: r.Attachment.ContentType,
			Data:        data,
		}
	}
	return p, nil
}

type enqueueMessageResponse struct {
	EntryID     uuid.UUID `json:"entry_id"`
	Destination string    `json:"destination"`
}

// enqueueMessage queues a message for delivery to a channel. The
// response is sent once the message is queued, not when it's delivered.
func (h *APIHandlers) enqueueMessage(c *gin.Context) {
	logger := ginContextLogger(c)

	var req enqueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	payload, err := req.payload()
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	channelID := c.Param("channel_id")
	entryID, err := h.m.delivery.Enqueue(channelID, payload)
	if err != nil {
		if errors.Is(err, ErrInvalidDestination) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error queueing message", tint.Err(err))
		ginReplyError(c, "error queueing message")
		return
	}
	logger.Info("queued message", "channel_id", channelID, "entry_id", entryID)
	c.JSON(http.StatusAccepted, enqueueMessageResponse{EntryID: entryID, Destination: channelID})
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.m.RegisterSlashCommands()
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (e *enqueueEmbedRequest) messageEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
}

// basicAuthMiddleware checks the request's basic auth credentials
// against the stored admin credentials
func basicAuthMiddleware(m *MerryGo, a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="merrygo"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		// while failures are being throttled, nothing is verified. Otherwise
		// a correct guess would still get through.
		if a.authFailureLimiter.Tokens() < 1 {
			logger.Warn("too many failed login attempts", "username", username)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		valid, err := m.checkAdminCredential(c.Request.Context(), username, password)
		if err != nil {
			logger.Error("error checking credentials", tint.Err(err))
		}
		if !valid {
			if !a.authFailureLimiter.Allow() {
				logger.Warn("too many failed login attempts", "username", username)
				c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
				return
			}
			logger.Warn("invalid credentials", "username", username)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(string(loggerContextKey), logger.With("admin", username))
		c.Next()
	}
}

// checkAdminCredential reports whether the password matches the stored
// hash for username
func (m *MerryGo) checkAdminCredential(ctx context.Context, username, password string) (bool, error) {
	if m.db == nil {
		return false, errors.New("database not initialized")
	}
	return VerifyAdminCredential(ctx, m.db, username, password)
}

// VerifyAdminCredential reports whether password matches the stored hash
// for username. An unknown username is not an error.
func VerifyAdminCredential(ctx context.Context, db *gorm.DB, username, password string) (bool, error) {
	var cred AdminCredential
	err := db.WithContext(ctx).Where("username = ?", username).Take(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verifyPassword(cred.PasswordHash, password)
}

// SetAdminCredential creates or replaces the admin API credentials for
// username
func SetAdminCredential(ctx context.Context, db *gorm.DB, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var cred AdminCredential
			findErr := tx.Where("username = ?", username).Take(&cred).Error
			switch {
			case errors.Is(findErr, gorm.ErrRecordNotFound):
				return tx.Create(&AdminCredential{Username: username, PasswordHash: hash}).Error
			case findErr != nil:
				return findErr
			default:
				return tx.Model(&cred).Update("password_hash", hash).Error
			}
		},
	)
}

// requestIDMiddleware sets a unique request ID on the context and the
// response's X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
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
	return ginRequestLogger(c, slog.Default())
}

func ginRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
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
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it completes
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginRequestLogger(c, logger)
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
				"errors", errs.String(),
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

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := c.Request.Method + " " + route

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
