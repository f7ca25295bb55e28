package merrygo

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// runModLogCommand sets the channel cleanup summaries are posted to
func (m *MerryGo) runModLogCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := loggerFrom(ctx, handler.Logger())

	if !hasPermission(i, discordgo.PermissionAdministrator) {
		_ = handler.Respond(ctx, ephemeralResponse("❌ Only administrators can change the mod log channel."))
		return
	}

	opt, ok := discordInteractionOptions(i)[modLogOptionChannel]
	if !ok {
		_ = handler.Respond(ctx, ephemeralResponse("Missing `channel`."))
		return
	}
	channel := optionChannel(i, opt)
	if channel == nil {
		_ = handler.Respond(ctx, ephemeralResponse("Missing `channel`."))
		return
	}

	cfg, err := m.guildConfigs.SetLogChannel(ctx, i.GuildID, channel.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error setting mod log channel", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}
	logger.InfoContext(ctx, "updated mod log channel", "guild_config", cfg)
	_ = handler.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf("📜 Mod log channel set to <#%s>.", cfg.LogChannelID)),
	)
}

// runMuteRoleCommand sets the role assigned to users after /clean
func (m *MerryGo) runMuteRoleCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := loggerFrom(ctx, handler.Logger())

	if !hasPermission(i, discordgo.PermissionAdministrator) {
		_ = handler.Respond(ctx, ephemeralResponse("❌ Only administrators can change the mute role."))
		return
	}

	var roleID string
	if opt, ok := discordInteractionOptions(i)[muteRoleOptionRole]; ok {
		roleID, _ = opt.Value.(string)
	}
	if roleID == "" {
		_ = handler.Respond(ctx, ephemeralResponse("Missing `role`."))
		return
	}

	cfg, err := m.guildConfigs.SetMuteRole(ctx, i.GuildID, roleID)
	if err != nil {
		logger.ErrorContext(ctx, "error setting mute role", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		return
	}
	logger.InfoContext(ctx, "updated mute role", "guild_config", cfg)
	_ = handler.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf("🔒 Mute role set to <@&%s>.", cfg.MuteRoleID)),
	)
}
