package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"kairo/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel     TEXT    NOT NULL,
	sender_id   TEXT    NOT NULL,
	sender_name TEXT    NOT NULL DEFAULT '',
	receiver_id TEXT    NOT NULL DEFAULT '',
	text        TEXT    NOT NULL,
	html        TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER,
	status      TEXT    NOT NULL DEFAULT '',
	read_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel, id);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (sender_id, receiver_id, status);
CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT    NOT NULL,
	user_id  TEXT    NOT NULL,
	added_at INTEGER NOT NULL,
	PRIMARY KEY (group_id, user_id)
);
`

const messageColumns = `id, channel, sender_id, sender_name, receiver_id, text, html, created_at, updated_at, status, read_at`

// SQLiteStorage persists messages in a relational SQLite database.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStorage)(nil)

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single writer keeps read-check-write sequences serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	msg, err := prepareAppend(msg, s.now())
	if err != nil {
		return models.Message{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel, sender_id, sender_name, receiver_id, text, html, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Channel, msg.SenderID, msg.SenderName, msg.ReceiverID, msg.Text, msg.HTML,
		msg.CreatedAt.UnixNano(), string(msg.Status),
	)
	if err != nil {
		return models.Message{}, classify("append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, classify("append message", err)
	}
	msg.ID = id
	return msg, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, id int64) (models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.NotFound("message %d not found", id)
	}
	return msg, classify("get message", err)
}

func (s *SQLiteStorage) FetchRecent(ctx context.Context, channel string, before int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE channel = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC LIMIT ?`,
		channel, before, before, clampLimit(limit),
	)
	if err != nil {
		return nil, classify("fetch history", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify("fetch history", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch history", err)
	}
	reverse(messages)
	return messages, nil
}

func (s *SQLiteStorage) Update(ctx context.Context, id int64, editorID, text, html string, at time.Time) (models.Message, error) {
	var updated models.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		msg, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if msg.SenderID != editorID {
			return models.Forbidden("message %d can only be edited by its sender", id)
		}
		updated = msg.Edited(text, html, at)
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET text = ?, html = ?, updated_at = ? WHERE id = ?`,
			updated.Text, updated.HTML, nanosOf(updated.UpdatedAt), id,
		)
		return err
	})
	if err != nil {
		return models.Message{}, classify("update message", err)
	}
	return updated, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, id int64, requesterID string) (models.Message, error) {
	var deleted models.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		msg, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if msg.SenderID != requesterID {
			return models.Forbidden("message %d can only be deleted by its sender", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return err
		}
		deleted = msg
		return nil
	})
	if err != nil {
		return models.Message{}, classify("delete message", err)
	}
	return deleted, nil
}

func (s *SQLiteStorage) SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) (models.Message, bool, error) {
	var (
		result  models.Message
		changed bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		msg, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		result, changed = msg.WithStatus(status, at)
		if !changed {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, read_at = ? WHERE id = ?`,
			string(result.Status), nullableNanos(result.ReadAt), id,
		)
		return err
	})
	if err != nil {
		return models.Message{}, false, classify("set message status", err)
	}
	return result, changed, nil
}

func (s *SQLiteStorage) MarkAllRead(ctx context.Context, senderID, receiverID string, at time.Time) ([]models.Message, error) {
	var changed []models.Message
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE channel = ? AND sender_id = ? AND receiver_id = ? AND status <> ?
			 ORDER BY id`,
			models.Private(senderID, receiverID).Key(), senderID, receiverID, string(models.StatusRead),
		)
		if err != nil {
			return err
		}
		var pending []models.Message
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			pending = append(pending, msg)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, msg := range pending {
			read, ok := msg.WithStatus(models.StatusRead, at)
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = ?, read_at = ? WHERE id = ?`,
				string(read.Status), nullableNanos(read.ReadAt), read.ID,
			); err != nil {
				return err
			}
			changed = append(changed, read)
		}
		return nil
	})
	if err != nil {
		return nil, classify("mark thread read", err)
	}
	return changed, nil
}

func (s *SQLiteStorage) CountUnread(ctx context.Context, senderID, receiverID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE channel = ? AND sender_id = ? AND receiver_id = ? AND status <> ?`,
		models.Private(senderID, receiverID).Key(), senderID, receiverID, string(models.StatusRead),
	).Scan(&count)
	if err != nil {
		return 0, classify("count unread", err)
	}
	return count, nil
}

func (s *SQLiteStorage) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("check group membership", err)
	}
	return true, nil
}

func (s *SQLiteStorage) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID, s.now().Unix(),
	)
	return classify("add group member", err)
}

func (s *SQLiteStorage) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) getTx(ctx context.Context, tx *sql.Tx, id int64) (models.Message, error) {
	msg, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, models.NotFound("message %d not found", id)
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		dbMsg     DBMessage
		updatedAt sql.NullInt64
		readAt    sql.NullInt64
	)
	if err := row.Scan(
		&dbMsg.ID, &dbMsg.Channel, &dbMsg.SenderID, &dbMsg.SenderName, &dbMsg.ReceiverID,
		&dbMsg.Text, &dbMsg.HTML, &dbMsg.CreatedAt, &updatedAt, &dbMsg.Status, &readAt,
	); err != nil {
		return models.Message{}, err
	}
	dbMsg.UpdatedAt = updatedAt.Int64
	dbMsg.ReadAt = readAt.Int64
	return dbMsg.toModel(), nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
