package cmd

import (
	"context"
	"fmt"
	"github.com/AfterWorld/MerryGo/merrygo"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = merrygo.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys parsed into *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"delivery.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are space-separated lists when set from the environment
var stringSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "merrygo [flags]",
	Short: "MerryGo is a discord moderation bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes strings like "DEBUG" into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, canceling its context on SIGINT,
// SIGTERM or SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", merrygo.DefaultDatabase)
	viper.SetDefault("database_type", merrygo.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", merrygo.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", merrygo.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", merrygo.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", merrygo.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", merrygo.DefaultShutdownTimeout)

	// Delivery queue
	viper.SetDefault("delivery.min_spacing", merrygo.DefaultDeliveryMinSpacing)
	viper.SetDefault("delivery.message_delay", merrygo.DefaultDeliveryMessageDelay)
	viper.SetDefault("delivery.default_retry_after", merrygo.DefaultDeliveryRetryAfter)
	viper.SetDefault("delivery.prune_interval", merrygo.DefaultDeliveryPruneInterval)
	viper.SetDefault("delivery.prune_idle", merrygo.DefaultDeliveryPruneIdle)
	viper.SetDefault("delivery.log_level", merrygo.DefaultDeliveryLogLevel.String())

	// Slash commands
	viper.SetDefault("commands.guild_rate_limit", merrygo.DefaultCommandGuildRateLimit)
	viper.SetDefault("commands.guild_burst", merrygo.DefaultCommandGuildBurst)
	viper.SetDefault("commands.history_limit", merrygo.DefaultCommandHistoryLimit)
	viper.SetDefault("commands.history_max_age", merrygo.DefaultCommandHistoryMaxAge)
	viper.SetDefault("commands.mute_role_name", merrygo.DefaultMuteRoleName)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", merrygo.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", merrygo.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(merrygo.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.startup_message", merrygo.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", merrygo.DefaultDiscordCustomStatus)

	// Redis (optional)
	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.ttl", merrygo.DefaultRedisTTL)
	viper.SetDefault("redis.connect_timeout", merrygo.DefaultRedisConnectTimeout)
	viper.SetDefault("redis.retry_attempts", merrygo.DefaultRedisRetryAttempts)
	viper.SetDefault("redis.retry_interval", merrygo.DefaultRedisRetryInterval)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", merrygo.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", merrygo.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", merrygo.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", merrygo.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", merrygo.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", merrygo.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", merrygo.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", merrygo.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", merrygo.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", merrygo.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", merrygo.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", merrygo.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(merrygo.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = merrygo.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := viperLevelVar(key)
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

// viperLevelVar returns the *slog.LevelVar for key, parsing it from a
// string unless a previous initConfig already did
func viperLevelVar(key string) (*slog.LevelVar, error) {
	if lvl, ok := viper.Get(key).(*slog.LevelVar); ok {
		return lvl, nil
	}
	return levelStringToLevelVar(viper.GetString(key))
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from",
	)
}
