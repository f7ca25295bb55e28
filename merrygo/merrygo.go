package merrygo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// Set at build time, ex:
	// -ldflags "-X github.com/AfterWorld/MerryGo/merrygo.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	ErrAdminNotConfigured = errors.New("no admin credentials configured (run `merrygo init`)")

	structValidator = validator.New()
)

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateDeliveryConfig, DeliveryConfig{})
	structValidator.RegisterStructValidation(validateCommandConfig, CommandConfig{})
}

// MerryGo is the moderation bot. It owns the discord session, the
// outbound delivery queue, the database and the admin API.
type MerryGo struct {
	config *Config

	// read connection. writes go through writeDB
	db *gorm.DB

	// gorm.DB wrapper for write operations. When using sqlite, writes
	// are serialized with a mutex.
	writeDB DBI

	logger *slog.Logger

	discord *Discord

	// delivers every message the bot sends to a channel
	delivery *DeliveryQueue

	guildConfigs *guildConfigStore
	guildLimiter *guildLimiter

	// nil unless redis.url is set
	redis *redis.Client

	api *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished starting up
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	startedAt time.Time

	// returns the InteractionHandler used for each incoming interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	metricInteractionsHandled atomic.Int64
	metricCommandsThrottled   atomic.Int64
	cleanCommandsInProgress   atomic.Int64
}

// New creates a new MerryGo instance with the given config.
// Call Run to connect and start handling commands.
func New(config *Config) (*MerryGo, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	fillDefaults(config)
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	m := &MerryGo{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		guildLimiter: newGuildLimiter(
			config.Commands.GuildRateLimit,
			config.Commands.GuildBurst,
		),
	}

	m.logger = slog.New(newHandler(config.LogLevel))
	slog.SetDefault(m.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newHandler(config.Discord.DiscordGoLogLevel),
	)

	config.Discord.httpClient = config.HTTPClient
	m.discord = newDiscord(
		config.Discord,
		subsystemLogger("discord", config.Discord.LogLevel, config.LogLevel),
	)
	m.discord.bot = m

	m.delivery = NewDeliveryQueue(
		m.discord,
		*config.Delivery,
		subsystemLogger("delivery", config.Delivery.LogLevel, config.LogLevel),
		WithDropHandler(m.recordDroppedMessage),
	)

	if config.API.Enabled {
		api, err := newAPI(m, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		m.api = api
	}

	return m, errors.Join(errs...)
}

// fillDefaults sets any nil sub-configs and log levels to their
// defaults
func fillDefaults(config *Config) {
	defaults := DefaultConfig()
	if config.LogLevel == nil {
		config.LogLevel = defaults.LogLevel
	}
	if config.DatabaseLogLevel == nil {
		config.DatabaseLogLevel = defaults.DatabaseLogLevel
	}
	if config.Delivery == nil {
		config.Delivery = defaults.Delivery
	}
	if config.Delivery.LogLevel == nil {
		config.Delivery.LogLevel = defaults.Delivery.LogLevel
	}
	if config.Commands == nil {
		config.Commands = defaults.Commands
	}
	if config.Discord == nil {
		config.Discord = defaults.Discord
	}
	if config.Discord.LogLevel == nil {
		config.Discord.LogLevel = defaults.Discord.LogLevel
	}
	if config.Discord.DiscordGoLogLevel == nil {
		config.Discord.DiscordGoLogLevel = defaults.Discord.DiscordGoLogLevel
	}
	if config.Redis == nil {
		config.Redis = defaults.Redis
	}
	if config.API == nil {
		config.API = defaults.API
	}
	if config.API.LogLevel == nil {
		config.API.LogLevel = defaults.API.LogLevel
	}
}

func (m *MerryGo) ValidateConfig() error {
	return structValidator.Struct(m.config)
}

// Enqueue queues a message for delivery to the given channel
func (m *MerryGo) Enqueue(channelID string, payload Payload) (string, error) {
	id, err := m.delivery.Enqueue(channelID, payload)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// RegisterSlashCommands registers the bot's slash commands with discord
func (m *MerryGo) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return m.discord.registerCommands(options...)
}

// Run connects to the database, redis (if configured) and discord, then
// handles commands until ctx is canceled or a stop signal is received.
// Queued messages are given until Config.ShutdownTimeout to be delivered
// before Run returns.
func (m *MerryGo) Run(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.signalStop = make(chan struct{}, 1)
	m.startedAt = time.Now()
	logger := m.logger

	if err := m.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", m.config))

	runtime := &runtimeGroup{}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer startCancel()

	if err := m.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "init complete")

	if m.api != nil {
		runtime.Go(
			func() {
				if httpErr := m.api.Serve(ctx); httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				}
			},
		)
	}

	if err := m.initDiscordSession(ctx, runtime); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}
	if err := m.discordInit(ctx); err != nil {
		return err
	}

	runtime.Go(
		func() {
			m.delivery.runPruner(ctx, m.config.Delivery.PruneInterval, m.config.Delivery.PruneIdle)
		},
	)

	select {
	case m.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()
	return m.shutdown(ctx, runtime)
}

// Stop signals a running bot to shut down
func (m *MerryGo) Stop() {
	if m.signalStop == nil {
		return
	}
	select {
	case m.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the database and connects to redis concurrently, then
// sets up the guild config store
func (m *MerryGo) initRun(startCtx context.Context) error {
	g, gctx := errgroup.WithContext(startCtx)

	g.Go(
		func() error {
			m.logger.DebugContext(gctx, "initializing database...")
			if err := m.initDB(gctx); err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}
			return nil
		},
	)

	if m.config.Redis.URL != "" {
		g.Go(
			func() error {
				m.logger.DebugContext(gctx, "connecting to redis...")
				client, err := connectRedis(gctx, *m.config.Redis)
				if err != nil {
					return fmt.Errorf("error connecting to redis: %w", err)
				}
				m.redis = client
				return nil
			},
		)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var cache guildConfigCache = newMemoryGuildConfigCache()
	if m.redis != nil {
		cache = newRedisGuildConfigCache(m.redis, m.config.Redis.TTL)
	}
	m.guildConfigs = newGuildConfigStore(
		m.db,
		m.writeDB,
		cache,
		m.logger.With(loggerNameKey, "guild_config"),
	)

	if m.api != nil {
		var adminCount int64
		if err := m.db.WithContext(startCtx).Model(&AdminCredential{}).Count(&adminCount).Error; err != nil {
			return fmt.Errorf("error checking admin credentials: %w", err)
		}
		if adminCount == 0 {
			m.logger.WarnContext(startCtx, ErrAdminNotConfigured.Error())
		}
	}
	return nil
}

// initDiscordSession creates the discord session (if not already set)
// and adds the gateway handlers
func (m *MerryGo) initDiscordSession(ctx context.Context, runtime *runtimeGroup) error {
	d := m.discord
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		d.session = session
	}

	for _, h := range d.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: m.config.Discord.GatewayIntents}
	if m.config.Discord.CustomStatus != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Game: discordgo.Activity{
				Name:  m.config.Discord.CustomStatus,
				Type:  discordgo.ActivityTypeCustom,
				State: m.config.Discord.CustomStatus,
			},
		}
	}
	d.session.SetIdentify(identify)

	if m.getInteractionHandlerFunc == nil {
		m.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.session,
				interaction: i,
				logger:      d.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
			}
		}
	}

	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(m.handlerInteractionCreate(ctx, runtime)),
	}
	return nil
}

// handlerInteractionCreate handles each gateway interaction in its own
// goroutine tracked by runtime. Interactions arriving after shutdown
// has started are dropped.
func (m *MerryGo) handlerInteractionCreate(
	ctx context.Context,
	runtime *runtimeGroup,
) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		handler := m.getInteractionHandlerFunc(ctx, i)
		started := runtime.Go(
			func() {
				m.handleInteraction(ctx, handler)
			},
		)
		if !started {
			m.logger.WarnContext(
				ctx,
				"shutting down, ignoring interaction",
				slog.Group("interaction", interactionLogAttrs(*i)...),
			)
		}
	}
}

// runtimeGroup tracks the goroutines shutdown waits for. Once Wait
// has been called, Go refuses new work, so no Add can race the Wait.
type runtimeGroup struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// Go runs f in a new goroutine, returning false without running it if
// Wait has already been called
func (g *runtimeGroup) Go(f func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		f()
	}()
	return true
}

// Wait stops accepting new goroutines and blocks until the running
// ones return
func (g *runtimeGroup) Wait() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// discordInit opens the gateway connection and registers slash commands
func (m *MerryGo) discordInit(ctx context.Context) error {
	m.logger.InfoContext(ctx, "connecting to discord")
	if err := m.discord.session.Open(); err != nil {
		m.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := m.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if status := m.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := m.discord.session.UpdateCustomStatus(status); statusErr != nil {
				m.logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// shutdown closes the discord connection so no new commands arrive,
// waits for in-flight commands and the delivery queue to finish, then
// closes the API, redis and the database.
func (m *MerryGo) shutdown(ctx context.Context, runtime *runtimeGroup) error {
	logger := m.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case m.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer closeCancel()

	logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", m.config.ShutdownTimeout,
		"pending", m.delivery.Stats().Destinations,
	)

	if m.discord.session != nil {
		for _, h := range m.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		m.discord.discordgoRemoveHandlerFuncs = nil
	}

	var errs []error

	if m.api != nil && m.api.httpServer != nil {
		if err := m.api.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}

	runtimeStopped := make(chan struct{})
	go func() {
		runtime.Wait()
		close(runtimeStopped)
	}()
	select {
	case <-runtimeStopped:
	case <-closeCtx.Done():
		errs = append(errs, errors.New("commands did not finish in time"))
	}

	// commands may have queued messages right up until they returned
	if err := m.delivery.Wait(closeCtx); err != nil {
		stats := m.delivery.Stats()
		pending := 0
		for _, dest := range stats.Destinations {
			pending += dest.Pending
		}
		logger.ErrorContext(ctx, "delivery queue did not drain in time", "pending", pending)
		errs = append(errs, fmt.Errorf("delivery queue did not drain: %w", err))
	} else {
		logger.InfoContext(ctx, "delivery queue drained", "stats", m.delivery.Stats())
	}

	if m.discord.session != nil {
		if err := m.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing redis: %w", err))
		}
	}

	if m.db != nil {
		if sqlDB, err := m.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
			}
		}
	}

	logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

// handleInteraction dispatches a slash command to its handler. Panics
// are recovered and logged.
func (m *MerryGo) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			m.handleRecover(ctx, rc)
		}
	}()

	discordUser := interactionUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	m.metricInteractionsHandled.Add(1)
	logger.InfoContext(ctx, "received new interaction", "user", discordUser.String())

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog, err := newInteractionLog(i, discordUser); err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else if m.writeDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := m.writeDB.Create(context.WithoutCancel(ctx), interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		if i.GuildID == "" {
			_ = handler.Respond(ctx, ephemeralResponse("This command can only be used in a server."))
			return
		}
		if !m.guildLimiter.Allow(i.GuildID) {
			m.metricCommandsThrottled.Add(1)
			logger.WarnContext(ctx, "guild command rate limit reached")
			_ = handler.Respond(ctx, ephemeralResponse("⏳ Slow down! Try again in a few seconds."))
			return
		}

		switch name := i.ApplicationCommandData().Name; name {
		case DiscordSlashCommandClean:
			m.runCleanCommand(ctx, handler)
		case DiscordSlashCommandModLog:
			m.runModLogCommand(ctx, handler)
		case DiscordSlashCommandMuteRole:
			m.runMuteRoleCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", name)
			_ = handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		}
	default:
		logger.DebugContext(ctx, "ignoring interaction type")
	}
}

func (*MerryGo) handleRecover(ctx context.Context, rc any) {
	logger := loggerFrom(ctx, nil)
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(nerr), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}

// BotStatus summarizes the bot's runtime state
type BotStatus struct {
	StartedAt            time.Time     `json:"started_at"`
	Uptime               string        `json:"uptime"`
	DiscordConnected     bool          `json:"discord_connected"`
	DiscordConnects      int64         `json:"discord_connects"`
	DiscordDisconnects   int64         `json:"discord_disconnects"`
	MessagesSent         int64         `json:"messages_sent"`
	InteractionsHandled  int64         `json:"interactions_handled"`
	CommandsThrottled    int64         `json:"commands_throttled"`
	CleanCommandsRunning int64         `json:"clean_commands_running"`
	Delivery             DeliveryStats `json:"delivery"`
}

func (m *MerryGo) Status() BotStatus {
	delivery := m.delivery.Stats()
	delivery.Destinations = nil

	status := BotStatus{
		StartedAt:            m.startedAt,
		DiscordConnected:     m.discord.connected.Load(),
		DiscordConnects:      m.discord.metricConnects.Load(),
		DiscordDisconnects:   m.discord.metricDisconnects.Load(),
		MessagesSent:         m.discord.metricMessagesSent.Load(),
		InteractionsHandled:  m.metricInteractionsHandled.Load(),
		CommandsThrottled:    m.metricCommandsThrottled.Load(),
		CleanCommandsRunning: m.cleanCommandsInProgress.Load(),
		Delivery:             delivery,
	}
	if !m.startedAt.IsZero() {
		status.Uptime = time.Since(m.startedAt).Truncate(time.Second).String()
	}
	return status
}
