package merrygo

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func TestNewDroppedMessage(t *testing.T) {
	entry := &QueueEntry{
		ID:          uuid.New(),
		Destination: "channel-1",
		Payload: Payload{
			Content:    strings.Repeat("x", 500),
			Embed:      &discordgo.MessageEmbed{Title: "Wanted"},
			Attachment: &Attachment{Name: "poster.png"},
		},
		EnqueuedAt: time.UnixMilli(1700000000000),
	}

	d := newDroppedMessage(entry, errors.New("HTTP 403 Forbidden"))
	assert.Equal(t, entry.ID.String(), d.EntryID)
	assert.Equal(t, "channel-1", d.Destination)
	assert.Len(t, d.Content, droppedContentExcerptLength)
	assert.True(t, d.HasEmbed)
	assert.True(t, d.HasAttachment)
	assert.Equal(t, "HTTP 403 Forbidden", d.Error)
	assert.Equal(t, int64(1700000000000), d.EnqueuedAt)

	assert.Empty(t, newDroppedMessage(entry, nil).Error)
}

func TestRecordDroppedMessage(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()

	for n := range 3 {
		entry := &QueueEntry{
			ID:          uuid.New(),
			Destination: "channel-1",
			Payload:     Payload{Content: "message"},
			EnqueuedAt:  time.Now().Add(time.Duration(n) * time.Second),
		}
		bot.recordDroppedMessage(ctx, entry, errors.New("failed"))
	}

	dropped, err := bot.recentDroppedMessages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, dropped, 2)
	assert.Greater(t, dropped[0].ID, dropped[1].ID)
	assert.NotZero(t, dropped[0].CreatedAt)
}

func TestRecordDroppedMessage_NoDatabase(t *testing.T) {
	bot, err := New(testConfig(t))
	require.NoError(t, err)
	assert.NotPanics(
		t, func() {
			bot.recordDroppedMessage(
				context.Background(),
				&QueueEntry{ID: uuid.New(), Destination: "channel-1"},
				errors.New("failed"),
			)
		},
	)
}
