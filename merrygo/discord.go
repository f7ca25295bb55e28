package merrygo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	cleanOptionUser     = "user"
	cleanOptionChannel  = "channel"
	modLogOptionChannel = "channel"
	muteRoleOptionRole  = "role"
)

var (
	// permissionManageMessages is the default member permission for /clean
	permissionManageMessages int64 = discordgo.PermissionManageMessages

	// permissionAdministrator is the default member permission for
	// guild settings commands
	permissionAdministrator int64 = discordgo.PermissionAdministrator
)

// Discord manages the discord session and gateway handlers, and
// implements MessageSender for the delivery queue.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesSent          atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *MerryGo
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session using the configured token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// SendMessage sends the payload to the given channel. Rate limit
// responses are returned as *RateLimitedError.
func (d *Discord) SendMessage(ctx context.Context, channelID string, payload Payload) error {
	msg := &discordgo.MessageSend{Content: payload.Content}
	if payload.Embed != nil {
		msg.Embeds = []*discordgo.MessageEmbed{payload.Embed}
	}
	if payload.Attachment != nil {
		// a new reader for each attempt, so retries re-send the full file
		msg.Files = []*discordgo.File{
			{
				Name:        payload.Attachment.Name,
				ContentType: payload.Attachment.ContentType,
				Reader:      bytes.NewReader(payload.Attachment.Data),
			},
		}
	}

	_, err := d.session.ChannelMessageSendComplex(
		channelID,
		msg,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		return translateSendError(err)
	}
	d.metricMessagesSent.Add(1)
	return nil
}

// translateSendError converts discordgo rate limit errors to
// *RateLimitedError, and returns any other error unchanged
func translateSendError(err error) error {
	var rlErr *discordgo.RateLimitError
	if errors.As(err, &rlErr) {
		e := &RateLimitedError{Err: err}
		if rlErr.RateLimit != nil && rlErr.TooManyRequests != nil {
			e.RetryAfter = rlErr.RetryAfter
			e.Bucket = rlErr.Bucket
		}
		return e
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{
			RetryAfter: parseRetryAfter(restErr.Response.Header.Get("Retry-After")),
			Bucket:     restErr.Response.Header.Get("X-RateLimit-Bucket"),
			Err:        err,
		}
	}
	return err
}

// parseRetryAfter parses a Retry-After header value, in (possibly
// fractional) seconds. Returns 0 if the value is missing or invalid.
func parseRetryAfter(s string) time.Duration {
	if s == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// isForbidden returns true if err is a discord 403 response
func isForbidden(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) &&
		restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusForbidden
}

// isNotFound returns true if err is a discord 404 response
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) &&
		restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound
}

func (*Discord) appCommandClean() *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandClean,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Delete a user's recent messages in a channel, then mute them",
		DefaultMemberPermissions: &permissionManageMessages,
		DMPermission:             &dmPerm,
		Contexts:                 &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        cleanOptionUser,
				Description: "The user whose messages should be deleted",
			},
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        cleanOptionChannel,
				Description: "The channel to clean",
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
					discordgo.ChannelTypeGuildNews,
				},
			},
		},
	}
}

func (*Discord) appCommandModLog() *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandModLog,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Set the channel moderation actions are logged to",
		DefaultMemberPermissions: &permissionAdministrator,
		DMPermission:             &dmPerm,
		Contexts:                 &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionChannel,
				Name:         modLogOptionChannel,
				Description:  "Mod log channel",
				Required:     true,
				ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			},
		},
	}
}

func (*Discord) appCommandMuteRole() *discordgo.ApplicationCommand {
	dmPerm := false
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandMuteRole,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Set the role assigned to users after /clean",
		DefaultMemberPermissions: &permissionAdministrator,
		DMPermission:             &dmPerm,
		Contexts:                 &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        muteRoleOptionRole,
				Description: "Mute role",
				Required:    true,
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandClean(),
		d.appCommandModLog(),
		d.appCommandMuteRole(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("ready", attrs...)
	}
}

// handlerConnect returns the gateway connect handler. If a notification
// channel and startup message are configured, the startup message is
// queued for delivery.
func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID, userID, username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		d.notifyStartup()
	}
}

func (d *Discord) notifyStartup() {
	if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" || d.bot == nil {
		return
	}
	entryID, err := d.bot.delivery.Enqueue(
		d.config.NotificationChannelID,
		Payload{Content: d.config.StartupMessage},
	)
	if err != nil {
		d.logger.Error("unable to queue startup message", tint.Err(err))
		return
	}
	d.logger.Info("queued startup notification", "entry_id", entryID)
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

func (d *Discord) ackResponse(flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}

// ephemeralResponse returns an immediate, ephemeral message response
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// DiscordSessionHandler is the subset of discordgo.Session methods used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendComplex sends a message with optional embeds
	// and files
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessagesBulkDelete deletes up to 100 messages, which must
	// be less than two weeks old
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	GuildRoleCreate(
		guildID string,
		data *discordgo.RoleParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Role, error)

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Debug("error sending message", "channel_id", channelID, tint.Err(err))
	}
	return msg, err
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildRoleCreate(
	guildID string,
	data *discordgo.RoleParams,
	options ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	role, err := d.session.GuildRoleCreate(guildID, data, options...)
	if err != nil {
		d.logger.Error("error creating role", "guild_id", guildID, tint.Err(err))
	} else {
		d.logger.Info("created role", "guild_id", guildID, "role_id", role.ID, "name", role.Name)
	}
	return role, err
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
