package storage

import (
	"context"
	"fmt"
	"time"

	"kairo/internal/models"

	"go.etcd.io/bbolt"
)

var (
	// id -> DBMessage
	bucketMessages = []byte("messages")
	// channel key -> nested bucket of message ids
	bucketChannels = []byte("channels")
	// group id -> nested bucket of DBGroupMember
	bucketGroupMembers = []byte("group_members")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Store = (*BboltStorage)(nil)

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketChannels, bucketGroupMembers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Append saves a message under the next global sequence number and indexes it by channel.
func (s *BboltStorage) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	msg, err := prepareAppend(msg, s.now())
	if err != nil {
		return models.Message{}, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		seq, err := messages.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message id: %w", err)
		}
		msg.ID = int64(seq)

		if err := put(messages, newDBMessage(msg)); err != nil {
			return err
		}

		index, err := tx.Bucket(bucketChannels).CreateBucketIfNotExists([]byte(msg.Channel))
		if err != nil {
			return fmt.Errorf("failed to create channel bucket: %w", err)
		}
		return index.Put(idKey(msg.ID), []byte{})
	})
	if err != nil {
		return models.Message{}, classify("append message", err)
	}
	return msg, nil
}

func (s *BboltStorage) Get(ctx context.Context, id int64) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx.Bucket(bucketMessages), id)
		return err
	})
	return msg, classify("get message", err)
}

func (s *BboltStorage) FetchRecent(ctx context.Context, channel string, before int64, limit int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	messages := []models.Message{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketChannels).Bucket([]byte(channel))
		if index == nil {
			return nil // No messages for this channel
		}
		all := tx.Bucket(bucketMessages)

		c := index.Cursor()
		var k []byte
		switch {
		case before > 0:
			if k, _ = c.Seek(idKey(before)); k == nil {
				k, _ = c.Last()
			} else {
				k, _ = c.Prev()
			}
		default:
			k, _ = c.Last()
		}

		for ; k != nil && len(messages) < limit; k, _ = c.Prev() {
			data := all.Get(k)
			if data == nil {
				continue
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, classify("fetch history", err)
	}
	reverse(messages)
	return messages, nil
}

func (s *BboltStorage) Update(ctx context.Context, id int64, editorID, text, html string, at time.Time) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var updated models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		msg, err := getMessage(b, id)
		if err != nil {
			return err
		}
		if msg.SenderID != editorID {
			return models.Forbidden("message %d can only be edited by its sender", id)
		}
		updated = msg.Edited(text, html, at)
		return put(b, newDBMessage(updated))
	})
	if err != nil {
		return models.Message{}, classify("update message", err)
	}
	return updated, nil
}

func (s *BboltStorage) Delete(ctx context.Context, id int64, requesterID string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	var deleted models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		msg, err := getMessage(b, id)
		if err != nil {
			return err
		}
		if msg.SenderID != requesterID {
			return models.Forbidden("message %d can only be deleted by its sender", id)
		}
		if err := b.Delete(idKey(id)); err != nil {
			return err
		}
		if index := tx.Bucket(bucketChannels).Bucket([]byte(msg.Channel)); index != nil {
			if err := index.Delete(idKey(id)); err != nil {
				return err
			}
		}
		deleted = msg
		return nil
	})
	if err != nil {
		return models.Message{}, classify("delete message", err)
	}
	return deleted, nil
}

func (s *BboltStorage) SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) (models.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, false, err
	}
	var (
		result  models.Message
		changed bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		msg, err := getMessage(b, id)
		if err != nil {
			return err
		}
		result, changed = msg.WithStatus(status, at)
		if !changed {
			return nil
		}
		return put(b, newDBMessage(result))
	})
	if err != nil {
		return models.Message{}, false, classify("set message status", err)
	}
	return result, changed, nil
}

func (s *BboltStorage) MarkAllRead(ctx context.Context, senderID, receiverID string, at time.Time) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var changed []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return s.forEachFrom(tx, senderID, receiverID, func(b *bbolt.Bucket, msg models.Message) error {
			read, ok := msg.WithStatus(models.StatusRead, at)
			if !ok {
				return nil
			}
			changed = append(changed, read)
			return put(b, newDBMessage(read))
		})
	})
	if err != nil {
		return nil, classify("mark thread read", err)
	}
	return changed, nil
}

func (s *BboltStorage) CountUnread(ctx context.Context, senderID, receiverID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.forEachFrom(tx, senderID, receiverID, func(_ *bbolt.Bucket, msg models.Message) error {
			if msg.Status != models.StatusRead {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return 0, classify("count unread", err)
	}
	return count, nil
}

// forEachFrom walks the private thread of sender and receiver and calls fn for
// every message sent by sender.
func (s *BboltStorage) forEachFrom(tx *bbolt.Tx, senderID, receiverID string, fn func(*bbolt.Bucket, models.Message) error) error {
	key := models.Private(senderID, receiverID).Key()
	index := tx.Bucket(bucketChannels).Bucket([]byte(key))
	if index == nil {
		return nil
	}
	b := tx.Bucket(bucketMessages)

	var ids [][]byte
	if err := index.ForEach(func(k, _ []byte) error {
		ids = append(ids, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}

	for _, k := range ids {
		data := b.Get(k)
		if data == nil {
			continue
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		if dbMsg.SenderID != senderID || dbMsg.ReceiverID != receiverID {
			continue
		}
		if err := fn(b, dbMsg.toModel()); err != nil {
			return err
		}
	}
	return nil
}

func (s *BboltStorage) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	member := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		group := tx.Bucket(bucketGroupMembers).Bucket([]byte(groupID))
		member = group != nil && group.Get([]byte(userID)) != nil
		return nil
	})
	return member, classify("check group membership", err)
}

func (s *BboltStorage) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		group, err := tx.Bucket(bucketGroupMembers).CreateBucketIfNotExists([]byte(groupID))
		if err != nil {
			return fmt.Errorf("failed to create group bucket: %w", err)
		}
		return put(group, &DBGroupMember{
			GroupID: groupID,
			UserID:  userID,
			AddedAt: s.now().Unix(),
		})
	})
	return classify("add group member", err)
}

func getMessage(b *bbolt.Bucket, id int64) (models.Message, error) {
	data := b.Get(idKey(id))
	if data == nil {
		return models.Message{}, models.NotFound("message %d not found", id)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return models.Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return dbMsg.toModel(), nil
}

func put(b *bbolt.Bucket, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return b.Put(s.Key(), data)
}
