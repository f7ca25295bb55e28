package merrygo

import (
	"context"
	"github.com/lmittmann/tint"
)

const droppedContentExcerptLength = 200

// DroppedMessage records a queued message which failed to send and was
// discarded
//
//nolint:lll // struct tags can't be split
type DroppedMessage struct {
	ModelUintID
	EntryID       string `json:"entry_id" gorm:"type:string;uniqueIndex"`
	Destination   string `json:"destination" gorm:"type:string;index;not null"`
	Content       string `json:"content" gorm:"type:string"`
	HasEmbed      bool   `json:"has_embed"`
	HasAttachment bool   `json:"has_attachment"`
	Error         string `json:"error" gorm:"type:string"`
	EnqueuedAt    int64  `json:"enqueued_at"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newDroppedMessage(entry *QueueEntry, err error) *DroppedMessage {
	d := &DroppedMessage{
		EntryID:       entry.ID.String(),
		Destination:   entry.Destination,
		Content:       truncate(entry.Payload.Content, droppedContentExcerptLength),
		HasEmbed:      entry.Payload.Embed != nil,
		HasAttachment: entry.Payload.Attachment != nil,
		EnqueuedAt:    entry.EnqueuedAt.UnixMilli(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}

// recordDroppedMessage is the delivery queue's drop handler. Drops that
// happen before the database is open are only logged.
func (m *MerryGo) recordDroppedMessage(ctx context.Context, entry *QueueEntry, err error) {
	if m.writeDB == nil {
		return
	}
	if _, createErr := m.writeDB.Create(ctx, newDroppedMessage(entry, err)); createErr != nil {
		loggerFrom(ctx, m.logger).ErrorContext(
			ctx,
			"error recording dropped message",
			"entry_id", entry.ID,
			tint.Err(createErr),
		)
	}
}

// recentDroppedMessages returns up to limit dropped messages, newest first
func (m *MerryGo) recentDroppedMessages(ctx context.Context, limit int) ([]DroppedMessage, error) {
	var dropped []DroppedMessage
	err := m.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&dropped).Error
	return dropped, err
}
