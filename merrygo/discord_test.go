package merrygo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "2", want: 2 * time.Second},
		{value: "1.5", want: 1500 * time.Millisecond},
		{value: "0", want: 0},
		{value: "-3", want: 0},
		{value: "soon", want: 0},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("%q", tc.value), func(t *testing.T) {
				assert.Equal(t, tc.want, parseRetryAfter(tc.value))
			},
		)
	}
}

func TestTranslateSendError(t *testing.T) {
	t.Run(
		"rate limit error", func(t *testing.T) {
			err := translateSendError(
				&discordgo.RateLimitError{
					RateLimit: &discordgo.RateLimit{
						TooManyRequests: &discordgo.TooManyRequests{
							Bucket:     "channel-bucket",
							RetryAfter: 3 * time.Second,
						},
						URL: "https://discord.com/api/v9/channels/1/messages",
					},
				},
			)
			var rlErr *RateLimitedError
			require.ErrorAs(t, err, &rlErr)
			assert.Equal(t, 3*time.Second, rlErr.RetryAfter)
			assert.Equal(t, "channel-bucket", rlErr.Bucket)
		},
	)

	t.Run(
		"429 response", func(t *testing.T) {
			header := http.Header{}
			header.Set("Retry-After", "0.25")
			header.Set("X-RateLimit-Bucket", "abc")
			err := translateSendError(newRESTError(http.StatusTooManyRequests, header))

			var rlErr *RateLimitedError
			require.ErrorAs(t, err, &rlErr)
			assert.Equal(t, 250*time.Millisecond, rlErr.RetryAfter)
			assert.Equal(t, "abc", rlErr.Bucket)
		},
	)

	t.Run(
		"429 response without retry after", func(t *testing.T) {
			err := translateSendError(newRESTError(http.StatusTooManyRequests, nil))
			var rlErr *RateLimitedError
			require.ErrorAs(t, err, &rlErr)
			assert.Zero(t, rlErr.RetryAfter)
		},
	)

	t.Run(
		"other errors unchanged", func(t *testing.T) {
			forbidden := newRESTError(http.StatusForbidden, nil)
			assert.Same(t, forbidden, translateSendError(forbidden))

			plain := errors.New("connection refused")
			assert.Equal(t, plain, translateSendError(plain))
		},
	)
}

func TestIsForbiddenNotFound(t *testing.T) {
	forbidden := fmt.Errorf("wrapped: %w", newRESTError(http.StatusForbidden, nil))
	notFound := newRESTError(http.StatusNotFound, nil)

	assert.True(t, isForbidden(forbidden))
	assert.False(t, isNotFound(forbidden))
	assert.True(t, isNotFound(notFound))
	assert.False(t, isForbidden(notFound))
	assert.False(t, isForbidden(errors.New("nope")))
	assert.False(t, isForbidden(&discordgo.RESTError{}))
}

func TestDiscord_SendMessage(t *testing.T) {
	session := newMockDiscordSession()
	d := newDiscord(DefaultConfig().Discord, testLogger(t))
	d.session = session

	err := d.SendMessage(
		context.Background(),
		"channel-1",
		Payload{
			Content: "ahoy",
			Embed:   &discordgo.MessageEmbed{Title: "Wanted"},
			Attachment: &Attachment{
				Name:        "bounty.txt",
				ContentType: "text/plain",
				Data:        []byte("30,000,000 berries"),
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.metricMessagesSent.Load())

	sent := session.sentTo("channel-1")
	require.Len(t, sent, 1)
	assert.Equal(t, "ahoy", sent[0].Content)
	require.Len(t, sent[0].Embeds, 1)
	assert.Equal(t, "Wanted", sent[0].Embeds[0].Title)
	require.Len(t, sent[0].Files, 1)
	assert.Equal(t, "bounty.txt", sent[0].Files[0].Name)
	data, err := io.ReadAll(sent[0].Files[0].Reader)
	require.NoError(t, err)
	assert.Equal(t, "30,000,000 berries", string(data))
}

func TestDiscord_SendMessageRateLimited(t *testing.T) {
	session := newMockDiscordSession()
	header := http.Header{}
	header.Set("Retry-After", "2")
	session.sendErr = func(string, *discordgo.MessageSend) error {
		return newRESTError(http.StatusTooManyRequests, header)
	}
	d := newDiscord(DefaultConfig().Discord, testLogger(t))
	d.session = session

	err := d.SendMessage(context.Background(), "channel-1", Payload{Content: "ahoy"})
	var rlErr *RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 2*time.Second, rlErr.RetryAfter)
	assert.Zero(t, d.metricMessagesSent.Load())
}

// a rate limited send through the bot is retried by the delivery queue,
// while other failures are recorded as dropped
func TestDiscord_DeliveryRetryAndDrop(t *testing.T) {
	bot, session := newTestBot(t)
	attempts := map[string]int{}
	session.sendErr = func(channelID string, msg *discordgo.MessageSend) error {
		attempts[msg.Content]++
		switch {
		case msg.Content == "retry me" && attempts[msg.Content] == 1:
			return newRESTError(http.StatusTooManyRequests, nil)
		case msg.Content == "forbidden":
			return newRESTError(http.StatusForbidden, nil)
		}
		return nil
	}

	for _, content := range []string{"retry me", "forbidden", "after"} {
		_, err := bot.Enqueue("channel-1", Payload{Content: content})
		require.NoError(t, err)
	}
	waitForQueue(t, bot.delivery)

	assert.Equal(t, []string{"retry me", "after"}, session.sentContents("channel-1"))
	assert.Equal(t, 2, attempts["retry me"])
	assert.Equal(t, 1, attempts["forbidden"])

	stats := bot.delivery.Stats()
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Equal(t, int64(1), stats.RateLimited)
	assert.Equal(t, int64(1), stats.Dropped)

	dropped, err := bot.recentDroppedMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, "forbidden", dropped[0].Content)
	assert.Equal(t, "channel-1", dropped[0].Destination)
	assert.Contains(t, dropped[0].Error, "403")
}

func TestDiscord_HandlerConnect(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Discord.NotificationChannelID = "channel-status"
	bot.config.Discord.StartupMessage = "MerryGo is online!"

	bot.discord.handlerConnect()(nil, &discordgo.Connect{})
	waitForQueue(t, bot.delivery)

	assert.True(t, bot.discord.connected.Load())
	assert.Equal(t, int64(1), bot.discord.metricConnects.Load())
	assert.Equal(t, []string{"MerryGo is online!"}, session.sentContents("channel-status"))

	bot.discord.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, bot.discord.connected.Load())
	assert.Equal(t, int64(1), bot.discord.metricDisconnects.Load())
}

func TestDiscord_HandlerConnectWithoutNotificationChannel(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Discord.StartupMessage = "MerryGo is online!"

	bot.discord.handlerConnect()(nil, &discordgo.Connect{})
	waitForQueue(t, bot.delivery)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.sent)
}

func TestRegisterSlashCommands(t *testing.T) {
	bot, session := newTestBot(t)
	commands, err := bot.RegisterSlashCommands()
	require.NoError(t, err)

	var names []string
	for _, c := range commands {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.ID)
		require.NotNil(t, c.DMPermission)
		assert.False(t, *c.DMPermission)
	}
	assert.Equal(
		t,
		[]string{DiscordSlashCommandClean, DiscordSlashCommandModLog, DiscordSlashCommandMuteRole},
		names,
	)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Len(t, session.commands, 3)
}
