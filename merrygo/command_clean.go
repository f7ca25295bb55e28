package merrygo

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	channelHistoryPageSize = 100
	bulkDeleteMaxMessages  = 100

	// milliseconds since the unix epoch at the start of 2015, the
	// timestamp origin of discord snowflakes
	discordEpochMillis = 1420070400000

	// discord.Color.orange()
	embedColorOrange = 0xE67E22
)

type CleanupState string

const (
	CleanupStateRunning   CleanupState = "running"
	CleanupStateCompleted CleanupState = "completed"
	CleanupStateForbidden CleanupState = "forbidden"
	CleanupStateFailed    CleanupState = "failed"
)

// CleanupCommand records a single /clean invocation
//
//nolint:lll // struct tags can't be split
type CleanupCommand struct {
	ModelUintID
	InteractionID   string       `json:"interaction_id" gorm:"type:string"`
	GuildID         string       `json:"guild_id" gorm:"type:string;index;not null"`
	ChannelID       string       `json:"channel_id" gorm:"type:string;not null"`
	TargetUserID    string       `json:"target_user_id" gorm:"type:string;index;not null"`
	TargetUsername  string       `json:"target_username" gorm:"type:string"`
	ModeratorID     string       `json:"moderator_id" gorm:"type:string"`
	State           CleanupState `json:"state" gorm:"type:string"`
	MessagesFound   int          `json:"messages_found"`
	MessagesDeleted int          `json:"messages_deleted"`
	ChunksFailed    int          `json:"chunks_failed"`
	RoleAssigned    bool         `json:"role_assigned"`
	MuteRoleID      string       `json:"mute_role_id" gorm:"type:string"`
	Error           string       `json:"error" gorm:"type:string"`
	ModelUnixTime
}

func (c CleanupCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("guild_id", c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("target_user_id", c.TargetUserID),
		slog.String("state", string(c.State)),
		slog.Int("messages_deleted", c.MessagesDeleted),
	)
}

// cleanUsageEmbed is sent when /clean is missing its user or channel
func cleanUsageEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🧼 Clean Command Usage",
		Description: "Deletes messages from a user in a given channel and assigns the **muted** role.",
		Color:       embedColorOrange,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Usage", Value: "/clean user:<@user> channel:<#channel>"},
			{Name: "Example", Value: "/clean user:@Troublemaker channel:#general"},
		},
	}
}

// hasPermission reports whether the invoking member has perm, or is an
// administrator
func hasPermission(i *discordgo.InteractionCreate, perm int64) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&perm != 0 ||
		i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

// optionUser returns the user selected for a user option, using the
// interaction's resolved data when present
func optionUser(
	i *discordgo.InteractionCreate,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.User {
	id, ok := opt.Value.(string)
	if !ok || id == "" {
		return nil
	}
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if u, found := resolved.Users[id]; found && u != nil {
			return u
		}
	}
	return &discordgo.User{ID: id}
}

// optionChannel returns the channel selected for a channel option, using
// the interaction's resolved data when present
func optionChannel(
	i *discordgo.InteractionCreate,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.Channel {
	id, ok := opt.Value.(string)
	if !ok || id == "" {
		return nil
	}
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if c, found := resolved.Channels[id]; found && c != nil {
			return c
		}
	}
	return &discordgo.Channel{ID: id, Name: id}
}

// queueText queues a plain text message, logging any enqueue error
func (m *MerryGo) queueText(ctx context.Context, channelID, content string) {
	m.queuePayload(ctx, channelID, Payload{Content: content})
}

func (m *MerryGo) queuePayload(ctx context.Context, channelID string, payload Payload) {
	logger := loggerFrom(ctx, m.logger)
	entryID, err := m.delivery.Enqueue(channelID, payload)
	if err != nil {
		logger.ErrorContext(ctx, "error queueing message", "channel_id", channelID, tint.Err(err))
		return
	}
	logger.DebugContext(ctx, "queued message", "channel_id", channelID, "entry_id", entryID)
}

// runCleanCommand deletes the target user's recent messages in the
// target channel, then assigns them the guild's mute role.
// Progress messages are sent to the invoking channel through the
// delivery queue.
func (m *MerryGo) runCleanCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := loggerFrom(ctx, handler.Logger())

	if !hasPermission(i, discordgo.PermissionManageMessages) {
		_ = handler.Respond(ctx, ephemeralResponse("❌ You need the Manage Messages permission to use this command."))
		return
	}

	options := discordInteractionOptions(i)
	var target *discordgo.User
	var channel *discordgo.Channel
	if opt, ok := options[cleanOptionUser]; ok {
		target = optionUser(i, opt)
	}
	if opt, ok := options[cleanOptionChannel]; ok {
		channel = optionChannel(i, opt)
	}

	if target == nil || channel == nil {
		m.queuePayload(ctx, i.ChannelID, Payload{Embed: cleanUsageEmbed()})
		_ = handler.Respond(ctx, ephemeralResponse("Missing `user` or `channel`."))
		return
	}

	if err := handler.Respond(ctx, m.discord.ackResponse(discordgo.MessageFlagsEphemeral)); err != nil {
		return
	}

	m.cleanCommandsInProgress.Add(1)
	defer m.cleanCommandsInProgress.Add(-1)

	record := &CleanupCommand{
		InteractionID:  i.ID,
		GuildID:        i.GuildID,
		ChannelID:      channel.ID,
		TargetUserID:   target.ID,
		TargetUsername: target.String(),
		State:          CleanupStateRunning,
	}
	if moderator := interactionUser(i); moderator != nil {
		record.ModeratorID = moderator.ID
	}
	logger = logger.With("target_channel_id", channel.ID, "target_user_id", target.ID)
	ctx = WithLogger(ctx, logger)

	if _, err := m.writeDB.Create(ctx, record); err != nil {
		logger.ErrorContext(ctx, "error saving cleanup command", tint.Err(err))
	}
	defer func() {
		if _, err := m.writeDB.Save(context.WithoutCancel(ctx), record); err != nil {
			logger.ErrorContext(ctx, "error updating cleanup command", tint.Err(err))
		}
		logger.InfoContext(ctx, "cleanup finished", "cleanup_command", record)
	}()

	m.queueText(
		ctx,
		i.ChannelID,
		fmt.Sprintf("⚔️ Starting cleanup for `%s` in <#%s>...", target.String(), channel.ID),
	)

	messageIDs, err := m.collectUserMessages(ctx, channel.ID, target.ID)
	record.MessagesFound = len(messageIDs)
	if err != nil {
		record.Error = err.Error()
		if isForbidden(err) {
			record.State = CleanupStateForbidden
			m.queueText(ctx, i.ChannelID, fmt.Sprintf("❌ I don't have access to `%s`.", channel.Name))
			m.editCleanResponse(ctx, handler, fmt.Sprintf("❌ No access to <#%s>.", channel.ID))
			return
		}
		record.State = CleanupStateFailed
		logger.ErrorContext(ctx, "error reading channel history", tint.Err(err))
		m.editCleanResponse(ctx, handler, DefaultDiscordErrorMessage)
		return
	}

	record.MessagesDeleted, record.ChunksFailed = m.deleteMessages(ctx, channel.ID, messageIDs)
	days := int(m.config.Commands.HistoryMaxAge / (24 * time.Hour))
	m.queueText(
		ctx,
		i.ChannelID,
		fmt.Sprintf(
			"✅ Deleted `%d` messages from `%s` in <#%s> (last %d days).",
			record.MessagesDeleted,
			target.String(),
			channel.ID,
			days,
		),
	)

	guildConfig, err := m.guildConfigs.Get(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		guildConfig = GuildConfig{GuildID: i.GuildID}
	}

	roleNote := m.muteCleanedMember(ctx, i, target, guildConfig, record)
	record.State = CleanupStateCompleted

	if guildConfig.LogChannelID != "" {
		m.queuePayload(ctx, guildConfig.LogChannelID, Payload{Embed: cleanupLogEmbed(record)})
	}

	summary := fmt.Sprintf(
		"Deleted %d messages from `%s` in <#%s>.",
		record.MessagesDeleted,
		target.String(),
		channel.ID,
	)
	if record.ChunksFailed > 0 {
		summary += fmt.Sprintf(" %d batch(es) could not be deleted.", record.ChunksFailed)
	}
	if roleNote != "" {
		summary += " " + roleNote
	}
	m.editCleanResponse(ctx, handler, summary)
}

func (*MerryGo) editCleanResponse(ctx context.Context, handler InteractionHandler, content string) {
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// collectUserMessages walks the channel's history oldest first,
// starting at Commands.HistoryMaxAge ago, and returns the IDs of
// messages authored by userID. At most Commands.HistoryLimit messages
// are scanned.
func (m *MerryGo) collectUserMessages(ctx context.Context, channelID, userID string) ([]string, error) {
	session := m.discord.session
	limit := m.config.Commands.HistoryLimit
	after := snowflakeAt(time.Now().Add(-m.config.Commands.HistoryMaxAge))

	var ids []string
	seen := 0
	for seen < limit {
		pageSize := min(channelHistoryPageSize, limit-seen)
		page, err := session.ChannelMessages(
			channelID,
			pageSize,
			"",
			after,
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return ids, err
		}
		if len(page) == 0 {
			return ids, nil
		}
		// pages come back newest first
		for n := len(page) - 1; n >= 0; n-- {
			msg := page[n]
			seen++
			if msg.Author != nil && msg.Author.ID == userID {
				ids = append(ids, msg.ID)
			}
		}
		if len(page) < pageSize {
			return ids, nil
		}
		after = page[0].ID
	}
	return ids, nil
}

// snowflakeAt returns the smallest discord snowflake ID for t, for use
// as a pagination bound
func snowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMillis
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// deleteMessages bulk deletes the given messages in batches. A batch
// which fails is logged and skipped.
func (m *MerryGo) deleteMessages(ctx context.Context, channelID string, ids []string) (deleted int, failed int) {
	logger := loggerFrom(ctx, m.logger)
	for _, chunk := range chunkItems(bulkDeleteMaxMessages, ids...) {
		err := m.discord.session.ChannelMessagesBulkDelete(channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			failed++
			logger.WarnContext(ctx, "error deleting messages, skipping batch", "count", len(chunk), tint.Err(err))
			continue
		}
		deleted += len(chunk)
	}
	return deleted, failed
}

// muteCleanedMember assigns the guild's mute role to the cleaned user,
// creating the role if needed. It returns a short note for the
// interaction summary.
func (m *MerryGo) muteCleanedMember(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	target *discordgo.User,
	guildConfig GuildConfig,
	record *CleanupCommand,
) string {
	logger := loggerFrom(ctx, m.logger)
	session := m.discord.session

	member, err := session.GuildMember(i.GuildID, target.ID, discordgo.WithContext(ctx))
	if err != nil || member == nil {
		if err != nil && !isNotFound(err) {
			logger.WarnContext(ctx, "error looking up guild member", tint.Err(err))
		}
		m.queueText(ctx, i.ChannelID, "⚠️ That user is not a member of this server. Skipping role assignment.")
		return "User is not a member of this server."
	}

	roleName := m.config.Commands.MuteRoleName
	roleID, err := m.findMuteRole(ctx, i.GuildID, guildConfig)
	if err != nil {
		logger.WarnContext(ctx, "error listing guild roles", tint.Err(err))
	}
	if roleID == "" {
		role, createErr := session.GuildRoleCreate(
			i.GuildID,
			&discordgo.RoleParams{Name: roleName},
			discordgo.WithContext(ctx),
		)
		if createErr != nil {
			record.Error = createErr.Error()
			if isForbidden(createErr) {
				m.queueText(ctx, i.ChannelID, "❌ I don't have permission to create roles.")
			} else {
				logger.ErrorContext(ctx, "error creating mute role", tint.Err(createErr))
			}
			return "Could not create the mute role."
		}
		roleID = role.ID
		m.queueText(ctx, i.ChannelID, fmt.Sprintf("🪓 Created '%s' role.", roleName))
		if _, setErr := m.guildConfigs.SetMuteRole(ctx, i.GuildID, roleID); setErr != nil {
			logger.WarnContext(ctx, "error saving created mute role", tint.Err(setErr))
		}
	}
	record.MuteRoleID = roleID

	if err = session.GuildMemberRoleAdd(i.GuildID, target.ID, roleID, discordgo.WithContext(ctx)); err != nil {
		record.Error = err.Error()
		if isForbidden(err) {
			m.queueText(ctx, i.ChannelID, fmt.Sprintf("❌ I don't have permission to assign the %s role.", roleName))
		} else {
			logger.ErrorContext(ctx, "error assigning mute role", tint.Err(err))
		}
		return "Could not assign the mute role."
	}
	record.RoleAssigned = true

	m.queueText(
		ctx,
		i.ChannelID,
		fmt.Sprintf("🚨 `%s` has been imprisoned.", memberDisplayName(member, target)),
	)
	return "Mute role assigned."
}

// memberDisplayName returns the member's nickname, falling back to
// their global name, then username
func memberDisplayName(member *discordgo.Member, u *discordgo.User) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User != nil {
		u = member.User
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// findMuteRole returns the guild's configured mute role, or the ID of
// the role named Commands.MuteRoleName. An empty ID means neither exists.
func (m *MerryGo) findMuteRole(ctx context.Context, guildID string, guildConfig GuildConfig) (string, error) {
	if guildConfig.MuteRoleID != "" {
		return guildConfig.MuteRoleID, nil
	}
	roles, err := m.discord.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	for _, role := range roles {
		if role.Name == m.config.Commands.MuteRoleName {
			return role.ID, nil
		}
	}
	return "", nil
}

func cleanupLogEmbed(record *CleanupCommand) *discordgo.MessageEmbed {
	roleAssigned := "no"
	if record.RoleAssigned {
		roleAssigned = "yes"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: fmt.Sprintf("`%s` (<@%s>)", record.TargetUsername, record.TargetUserID), Inline: true},
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", record.ChannelID), Inline: true},
		{Name: "Deleted", Value: fmt.Sprintf("%d", record.MessagesDeleted), Inline: true},
		{Name: "Muted", Value: roleAssigned, Inline: true},
	}
	if record.ModeratorID != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "Moderator", Value: fmt.Sprintf("<@%s>", record.ModeratorID), Inline: true},
		)
	}
	if record.Error != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "Error", Value: truncate(record.Error, 1000)},
		)
	}
	return &discordgo.MessageEmbed{
		Title:     "Cleanup",
		Color:     embedColorOrange,
		Fields:    fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// cleanupsForGuild returns the most recent cleanups for a guild, newest
// first
func (m *MerryGo) cleanupsForGuild(ctx context.Context, guildID string, limit int) ([]CleanupCommand, error) {
	var cleanups []CleanupCommand
	q := m.db.WithContext(ctx).Order("id desc").Limit(limit)
	if guildID != "" {
		q = q.Where("guild_id = ?", strings.TrimSpace(guildID))
	}
	err := q.Find(&cleanups).Error
	return cleanups, err
}
