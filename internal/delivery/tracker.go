// Package delivery advances private messages through sent, delivered and read
// and tells the sender about every change.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"kairo/internal/models"
	"kairo/internal/protocol"
	"kairo/internal/storage"
)

// Notifier delivers an encoded event to every live connection of a user.
type Notifier interface {
	NotifyUser(userID string, payload []byte)
}

type Tracker struct {
	store    storage.Store
	notifier Notifier
	now      func() time.Time
}

func NewTracker(store storage.Store, notifier Notifier) *Tracker {
	return &Tracker{
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// MarkDelivered records that actorID received the message. Only the receiver
// may acknowledge. Repeated calls succeed without notifying the sender again.
func (t *Tracker) MarkDelivered(ctx context.Context, actorID string, messageID int64) (models.Message, error) {
	return t.advance(ctx, actorID, messageID, models.StatusDelivered)
}

// MarkRead records that actorID has read the message.
func (t *Tracker) MarkRead(ctx context.Context, actorID string, messageID int64) (models.Message, error) {
	return t.advance(ctx, actorID, messageID, models.StatusRead)
}

func (t *Tracker) advance(ctx context.Context, actorID string, messageID int64, status models.Status) (models.Message, error) {
	msg, err := t.store.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if !msg.IsPrivate() {
		return models.Message{}, models.InvalidPayload("message %d has no delivery status", messageID)
	}
	if msg.ReceiverID != actorID {
		return models.Message{}, models.Forbidden("only the receiver can acknowledge message %d", messageID)
	}

	updated, changed, err := t.store.SetStatus(ctx, messageID, status, t.now())
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		t.notify(updated)
	}
	return updated, nil
}

// MarkAllRead marks every unread message senderID sent to readerID as read and
// returns the messages that changed.
func (t *Tracker) MarkAllRead(ctx context.Context, readerID, senderID string) ([]models.Message, error) {
	if readerID == senderID {
		return nil, models.InvalidPayload("cannot mark own messages as read")
	}
	changed, err := t.store.MarkAllRead(ctx, senderID, readerID, t.now())
	if err != nil {
		return nil, err
	}
	for _, msg := range changed {
		t.notify(msg)
	}
	if len(changed) > 0 {
		slog.Debug("marked thread read", "reader_id", readerID, "sender_id", senderID, "count", len(changed))
	}
	return changed, nil
}

func (t *Tracker) notify(msg models.Message) {
	if t.notifier == nil {
		return
	}
	t.notifier.NotifyUser(msg.SenderID, protocol.StatusFrame(msg))
}
