package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kairo/internal/models"
)

// MaxHistory caps every history fetch.
const MaxHistory = 50

// Store is the persistence contract of the delivery layer.
//
// Implementations enforce sender ownership for Update and Delete and status
// monotonicity for SetStatus and MarkAllRead inside their own transactions.
// Backend failures are reported as models.ErrStoreUnavailable.
type Store interface {
	// Append persists msg, assigning its ID and creation time.
	// Private messages start in the sent state.
	Append(ctx context.Context, msg models.Message) (models.Message, error)
	Get(ctx context.Context, id int64) (models.Message, error)
	// FetchRecent returns up to limit messages of a channel with ID below before
	// (0 means newest), ascending by creation.
	FetchRecent(ctx context.Context, channel string, before int64, limit int) ([]models.Message, error)
	Update(ctx context.Context, id int64, editorID, text, html string, at time.Time) (models.Message, error)
	// Delete removes a message and returns its last state.
	Delete(ctx context.Context, id int64, requesterID string) (models.Message, error)
	// SetStatus advances a private message. The bool result is false when the
	// message already was at or past status.
	SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) (models.Message, bool, error)
	// MarkAllRead marks every unread message from sender to receiver as read
	// and returns the messages that changed.
	MarkAllRead(ctx context.Context, senderID, receiverID string, at time.Time) ([]models.Message, error)
	CountUnread(ctx context.Context, senderID, receiverID string) (int, error)
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	Close() error
}

// Open opens the store selected by driver ("bbolt" or "sqlite").
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "bbolt":
		return NewBboltStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxHistory {
		return MaxHistory
	}
	return limit
}

// prepareAppend fills server-assigned fields of a message about to be persisted.
func prepareAppend(msg models.Message, now time.Time) (models.Message, error) {
	if msg.Channel == "" {
		return models.Message{}, models.InvalidPayload("message missing channel")
	}
	if msg.SenderID == "" {
		return models.Message{}, models.InvalidPayload("message missing sender")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = nil
	msg.ReadAt = nil
	msg.Status = ""
	if msg.IsPrivate() {
		msg.Status = models.StatusSent
	}
	return msg, nil
}

// classify keeps classified and context errors and reports anything else as a backend failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var e *models.Error
	if errors.As(err, &e) {
		return err
	}
	return models.Unavailable(op, err)
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
