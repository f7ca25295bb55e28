//nolint:lll // struct tags can't be split
package merrygo

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "MERRYGO_ENV_PREFIX"
	DefaultEnvPrefix       = "MG"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "merrygo.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// DefaultDeliveryMinSpacing is the minimum time between two successful
	// sends to the same channel
	DefaultDeliveryMinSpacing = time.Second

	// DefaultDeliveryMessageDelay is slept after every successful send,
	// before the worker looks at the next entry
	DefaultDeliveryMessageDelay = 500 * time.Millisecond

	// DefaultDeliveryRetryAfter is used when discord signals a rate limit
	// without saying how long to wait
	DefaultDeliveryRetryAfter    = 5 * time.Second
	DefaultDeliveryPruneInterval = 10 * time.Minute
	DefaultDeliveryPruneIdle     = 30 * time.Minute
	DefaultDeliveryLogLevel      = slog.LevelInfo

	DefaultCommandGuildRateLimit = 0.2
	DefaultCommandGuildBurst     = 2
	DefaultCommandHistoryLimit   = 1000
	DefaultCommandHistoryMaxAge  = 14 * 24 * time.Hour
	DefaultMuteRoleName          = "Muted"

	DefaultRedisTTL            = 10 * time.Minute
	DefaultRedisConnectTimeout = 10 * time.Second
	DefaultRedisRetryAttempts  = 3
	DefaultRedisRetryInterval  = 2 * time.Second

	DefaultDiscordGatewayIntent  = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildMembers
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = "⚓ MerryGo is back on deck!"
	DefaultDiscordCustomStatus   = "/clean"
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"

	DiscordSlashCommandClean    = "clean"
	DiscordSlashCommandModLog   = "modlog"
	DiscordSlashCommandMuteRole = "muterole"

	DefaultAPIListen        = "127.0.0.1:5000"
	DefaultAPILogLevel      = slog.LevelInfo
	DefaultAPITLSMinVersion = tls.VersionTLS12
	defaultListenNetwork    = "tcp"

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Delivery configures the per-channel outbound message queue
	Delivery *DeliveryConfig `yaml:"delivery" mapstructure:"delivery" json:"delivery"`

	// Commands configures slash command behavior
	Commands *CommandConfig `yaml:"commands" mapstructure:"commands" json:"commands"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Redis configures the optional guild config cache
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to open the database,
	// connect to redis and connect to discord.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for queued messages to drain
	// before the bot exits anyway.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DeliveryConfig configures the per-channel outbound message queue.
type DeliveryConfig struct {
	// Minimum time between successful sends to the same channel
	MinSpacing time.Duration `yaml:"min_spacing" mapstructure:"min_spacing" json:"min_spacing"`

	// Sleep for this duration after each successful send
	MessageDelay time.Duration `yaml:"message_delay" mapstructure:"message_delay" json:"message_delay"`

	// Backoff used when a rate limit response doesn't include retry_after
	DefaultRetryAfter time.Duration `yaml:"default_retry_after" mapstructure:"default_retry_after" json:"default_retry_after"`

	// How often idle channel queues are pruned. 0=never
	PruneInterval time.Duration `yaml:"prune_interval" mapstructure:"prune_interval" json:"prune_interval"`

	// A channel queue is pruned once it's been empty and idle this long
	PruneIdle time.Duration `yaml:"prune_idle" mapstructure:"prune_idle" json:"prune_idle"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// validateDeliveryConfig is registered as a struct level validation
func validateDeliveryConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(DeliveryConfig)
	if !ok {
		return
	}
	if value.MinSpacing < 0 {
		sl.ReportError(value.MinSpacing, "min_spacing", "MinSpacing", "gte", "0")
	}
	if value.MessageDelay < 0 {
		sl.ReportError(value.MessageDelay, "message_delay", "MessageDelay", "gte", "0")
	}
	if value.DefaultRetryAfter <= 0 {
		sl.ReportError(value.DefaultRetryAfter, "default_retry_after", "DefaultRetryAfter", "gt", "0")
	}
	if value.PruneInterval < 0 {
		sl.ReportError(value.PruneInterval, "prune_interval", "PruneInterval", "gte", "0")
	}
	if value.PruneInterval > 0 && value.PruneIdle <= 0 {
		sl.ReportError(value.PruneIdle, "prune_idle", "PruneIdle", "required_with", "PruneInterval")
	}
	// a destination pruned sooner would forget its last send time
	if value.PruneInterval > 0 && value.PruneIdle > 0 && value.PruneIdle < value.MinSpacing {
		sl.ReportError(value.PruneIdle, "prune_idle", "PruneIdle", "gtefield", "MinSpacing")
	}
}

// CommandConfig configures slash command behavior
type CommandConfig struct {
	// Commands allowed per second, per guild
	GuildRateLimit float64 `yaml:"guild_rate_limit" mapstructure:"guild_rate_limit" json:"guild_rate_limit"`

	// Burst size for GuildRateLimit
	GuildBurst int `yaml:"guild_burst" mapstructure:"guild_burst" json:"guild_burst"`

	// Maximum number of channel messages /clean will look through
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit"`

	// /clean won't look at messages older than this. Discord refuses to
	// bulk delete anything older than 14 days.
	HistoryMaxAge time.Duration `yaml:"history_max_age" mapstructure:"history_max_age" json:"history_max_age"`

	// Name of the role looked up (or created) when a guild has no
	// mute role configured
	MuteRoleName string `yaml:"mute_role_name" mapstructure:"mute_role_name" json:"mute_role_name"`
}

func validateCommandConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(CommandConfig)
	if !ok {
		return
	}
	if value.GuildRateLimit <= 0 {
		sl.ReportError(value.GuildRateLimit, "guild_rate_limit", "GuildRateLimit", "gt", "0")
	}
	if value.GuildBurst < 1 {
		sl.ReportError(value.GuildBurst, "guild_burst", "GuildBurst", "gte", "1")
	}
	if value.HistoryLimit < 1 {
		sl.ReportError(value.HistoryLimit, "history_limit", "HistoryLimit", "gte", "1")
	}
	if value.HistoryMaxAge <= 0 || value.HistoryMaxAge > DefaultCommandHistoryMaxAge {
		sl.ReportError(value.HistoryMaxAge, "history_max_age", "HistoryMaxAge", "lte", "336h")
	}
	if value.MuteRoleName == "" {
		sl.ReportError(value.MuteRoleName, "mute_role_name", "MuteRoleName", "required", "")
	}
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If both this and NotificationChannelID are set, the message is queued
	// to that channel whenever the bot connects to the gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Custom status shown on the bot user
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// RedisConfig configures the guild config cache. When URL is empty, an
// in-memory cache is used instead.
type RedisConfig struct {
	URL            string        `yaml:"url" mapstructure:"url" json:"url" log:"[redacted]"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl" json:"ttl" binding:"required_with=URL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" json:"connect_timeout" binding:"required_with=URL"`
	RetryAttempts  int           `yaml:"retry_attempts" mapstructure:"retry_attempts" json:"retry_attempts" binding:"required_with=URL"`
	RetryInterval  time.Duration `yaml:"retry_interval" mapstructure:"retry_interval" json:"retry_interval"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled determines whether the admin API is served at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. If no cert is set, the API is served
	// over plain HTTP.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Enables permissive CORS and disables gin's recovery middleware
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(lvl slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(lvl)
	return v
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Delivery: &DeliveryConfig{
			MinSpacing:        DefaultDeliveryMinSpacing,
			MessageDelay:      DefaultDeliveryMessageDelay,
			DefaultRetryAfter: DefaultDeliveryRetryAfter,
			PruneInterval:     DefaultDeliveryPruneInterval,
			PruneIdle:         DefaultDeliveryPruneIdle,
			LogLevel:          newLevelVar(DefaultDeliveryLogLevel),
		},
		Commands: &CommandConfig{
			GuildRateLimit: DefaultCommandGuildRateLimit,
			GuildBurst:     DefaultCommandGuildBurst,
			HistoryLimit:   DefaultCommandHistoryLimit,
			HistoryMaxAge:  DefaultCommandHistoryMaxAge,
			MuteRoleName:   DefaultMuteRoleName,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Redis: &RedisConfig{
			TTL:            DefaultRedisTTL,
			ConnectTimeout: DefaultRedisConnectTimeout,
			RetryAttempts:  DefaultRedisRetryAttempts,
			RetryInterval:  DefaultRedisRetryInterval,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
