package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"kairo/internal/models"

	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against every backend with a fresh database.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	backends := map[string]func(path string) (Store, error){
		"bbolt":  func(path string) (Store, error) { return NewBboltStorage(path) },
		"sqlite": func(path string) (Store, error) { return NewSQLiteStorage(path) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s, err := open(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func roomMessage(channel, sender, text string) models.Message {
	return models.Message{Channel: channel, SenderID: sender, SenderName: sender, Text: text}
}

func privateMessage(sender, receiver, text string) models.Message {
	return models.Message{
		Channel:    models.Private(sender, receiver).Key(),
		SenderID:   sender,
		SenderName: sender,
		ReceiverID: receiver,
		Text:       text,
	}
}

func TestStore_AppendAndFetch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.Append(ctx, roomMessage("room:general", "alice", "hi"))
		require.NoError(t, err)
		require.Positive(t, first.ID)
		require.False(t, first.CreatedAt.IsZero())
		require.Empty(t, first.Status, "room messages carry no status")

		second, err := s.Append(ctx, roomMessage("room:general", "bob", "hello"))
		require.NoError(t, err)
		require.Greater(t, second.ID, first.ID)

		_, err = s.Append(ctx, roomMessage("room:random", "bob", "elsewhere"))
		require.NoError(t, err)

		history, err := s.FetchRecent(ctx, "room:general", 0, 50)
		require.NoError(t, err)
		require.Len(t, history, 2)
		require.Equal(t, "hi", history[0].Text)
		require.Equal(t, "hello", history[1].Text)

		got, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		require.Equal(t, first.Text, got.Text)
		require.True(t, first.CreatedAt.Equal(got.CreatedAt))

		empty, err := s.FetchRecent(ctx, "room:nobody", 0, 50)
		require.NoError(t, err)
		require.Empty(t, empty)

		_, err = s.Append(ctx, models.Message{SenderID: "alice", Text: "x"})
		require.ErrorIs(t, err, models.ErrInvalidPayload)
	})
}

func TestStore_FetchRecentIsBoundedAndPaged(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var ids []int64
		for i := 0; i < 60; i++ {
			msg, err := s.Append(ctx, roomMessage("room:busy", "alice", fmt.Sprintf("msg %d", i)))
			require.NoError(t, err)
			ids = append(ids, msg.ID)
		}

		recent, err := s.FetchRecent(ctx, "room:busy", 0, 100)
		require.NoError(t, err)
		require.Len(t, recent, MaxHistory)
		require.Equal(t, "msg 10", recent[0].Text)
		require.Equal(t, "msg 59", recent[len(recent)-1].Text)
		for i := 1; i < len(recent); i++ {
			require.Less(t, recent[i-1].ID, recent[i].ID)
		}

		page, err := s.FetchRecent(ctx, "room:busy", ids[10], 5)
		require.NoError(t, err)
		require.Len(t, page, 5)
		require.Equal(t, "msg 5", page[0].Text)
		require.Equal(t, "msg 9", page[4].Text)

		beyond, err := s.FetchRecent(ctx, "room:busy", ids[59]+100, 2)
		require.NoError(t, err)
		require.Len(t, beyond, 2)
		require.Equal(t, "msg 59", beyond[1].Text)
	})
}

func TestStore_UpdateAndDeleteAreSenderOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Unix(1700000000, 0)

		msg, err := s.Append(ctx, roomMessage("room:general", "alice", "original"))
		require.NoError(t, err)

		_, err = s.Update(ctx, msg.ID, "mallory", "hacked", "", at)
		require.ErrorIs(t, err, models.ErrForbidden)
		unchanged, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		require.Equal(t, "original", unchanged.Text)
		require.Nil(t, unchanged.UpdatedAt)

		edited, err := s.Update(ctx, msg.ID, "alice", "fixed", "<p>fixed</p>", at)
		require.NoError(t, err)
		require.Equal(t, "fixed", edited.Text)
		require.NotNil(t, edited.UpdatedAt)
		require.True(t, edited.UpdatedAt.Equal(at))

		stored, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		require.Equal(t, "fixed", stored.Text)
		require.Equal(t, "<p>fixed</p>", stored.HTML)

		_, err = s.Delete(ctx, msg.ID, "mallory")
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = s.Get(ctx, msg.ID)
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, msg.ID, "alice")
		require.NoError(t, err)
		require.Equal(t, msg.ID, deleted.ID)

		_, err = s.Get(ctx, msg.ID)
		require.ErrorIs(t, err, models.ErrNotFound)
		_, err = s.Delete(ctx, msg.ID, "alice")
		require.ErrorIs(t, err, models.ErrNotFound)
		_, err = s.Update(ctx, msg.ID, "alice", "again", "", at)
		require.ErrorIs(t, err, models.ErrNotFound)

		history, err := s.FetchRecent(ctx, "room:general", 0, 50)
		require.NoError(t, err)
		require.Empty(t, history)
	})
}

func TestStore_StatusIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Unix(1700000000, 0)

		msg, err := s.Append(ctx, privateMessage("alice", "bob", "hello"))
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, msg.Status)

		delivered, changed, err := s.SetStatus(ctx, msg.ID, models.StatusDelivered, at)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, models.StatusDelivered, delivered.Status)

		_, changed, err = s.SetStatus(ctx, msg.ID, models.StatusDelivered, at)
		require.NoError(t, err)
		require.False(t, changed)

		read, changed, err := s.SetStatus(ctx, msg.ID, models.StatusRead, at)
		require.NoError(t, err)
		require.True(t, changed)
		require.NotNil(t, read.ReadAt)

		back, changed, err := s.SetStatus(ctx, msg.ID, models.StatusDelivered, at.Add(time.Hour))
		require.NoError(t, err)
		require.False(t, changed)
		require.Equal(t, models.StatusRead, back.Status)

		stored, err := s.Get(ctx, msg.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusRead, stored.Status)
		require.True(t, stored.ReadAt.Equal(at))

		_, _, err = s.SetStatus(ctx, msg.ID+1000, models.StatusRead, at)
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestStore_MarkAllReadAndUnread(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Unix(1700000000, 0)

		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, privateMessage("alice", "bob", fmt.Sprintf("a%d", i)))
			require.NoError(t, err)
		}
		reply, err := s.Append(ctx, privateMessage("bob", "alice", "reply"))
		require.NoError(t, err)

		count, err := s.CountUnread(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Equal(t, 3, count)

		changed, err := s.MarkAllRead(ctx, "alice", "bob", at)
		require.NoError(t, err)
		require.Len(t, changed, 3)
		for _, msg := range changed {
			require.Equal(t, models.StatusRead, msg.Status)
			require.Equal(t, "alice", msg.SenderID)
		}

		again, err := s.MarkAllRead(ctx, "alice", "bob", at)
		require.NoError(t, err)
		require.Empty(t, again)

		count, err = s.CountUnread(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Zero(t, count)

		count, err = s.CountUnread(ctx, "bob", "alice")
		require.NoError(t, err)
		require.Equal(t, 1, count)

		stored, err := s.Get(ctx, reply.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusSent, stored.Status, "the other direction is untouched")
	})
}

func TestStore_PrivateHistoryIsShared(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Append(ctx, privateMessage("alice", "bob", "one"))
		require.NoError(t, err)
		_, err = s.Append(ctx, privateMessage("bob", "alice", "two"))
		require.NoError(t, err)

		fromAlice, err := s.FetchRecent(ctx, models.Private("alice", "bob").Key(), 0, 50)
		require.NoError(t, err)
		fromBob, err := s.FetchRecent(ctx, models.Private("bob", "alice").Key(), 0, 50)
		require.NoError(t, err)
		require.Equal(t, fromAlice, fromBob)
		require.Len(t, fromAlice, 2)
	})
}

func TestStore_GroupMembership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		ok, err := s.IsGroupMember(ctx, "7", "alice")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.AddGroupMember(ctx, "7", "alice"))
		require.NoError(t, s.AddGroupMember(ctx, "7", "alice"))

		ok, err = s.IsGroupMember(ctx, "7", "alice")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.IsGroupMember(ctx, "8", "alice")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestStore_CanceledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Append(ctx, roomMessage("room:general", "alice", "hi"))
		require.ErrorIs(t, err, context.Canceled)

		history, err := s.FetchRecent(context.Background(), "room:general", 0, 50)
		require.NoError(t, err)
		require.Empty(t, history)
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("bbolt", filepath.Join(dir, "a.db"))
	require.NoError(t, err)
	require.IsType(t, &BboltStorage{}, s)
	require.NoError(t, s.Close())

	s, err = Open("sqlite", filepath.Join(dir, "b.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLiteStorage{}, s)
	require.NoError(t, s.Close())

	_, err = Open("postgres", "x")
	require.Error(t, err)
}
