package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kairo/internal/chat"
	"kairo/internal/content"
	"kairo/internal/delivery"
	"kairo/internal/models"
	"kairo/internal/presence"
	"kairo/internal/protocol"
	"kairo/internal/storage"

	"github.com/google/uuid"
)

const (
	DefaultOutboundBuffer = 256
)

type HubConfig struct {
	Store          storage.Store
	Presence       *presence.Registry
	HistoryLimit   int
	OutboundBuffer int
}

// Hub multiplexes connections over channels. Every channel is a chat.Chat
// whose lock orders persistence and fan-out; each connection owns a bounded
// outbound queue fed by the chats it belongs to.
type Hub struct {
	store        storage.Store
	presence     *presence.Registry
	tracker      *delivery.Tracker
	historyLimit int
	outboxSize   int
	now          func() time.Time

	// Map of channel key -> Chat object
	chats   map[string]*chat.Chat
	chatsMu sync.Mutex

	// Map of connID -> outbound queue
	outboxes map[string]chan []byte
	outboxMu sync.RWMutex
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Presence == nil {
		cfg.Presence = presence.New()
	}
	if cfg.HistoryLimit <= 0 || cfg.HistoryLimit > storage.MaxHistory {
		cfg.HistoryLimit = storage.MaxHistory
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultOutboundBuffer
	}

	h := &Hub{
		store:        cfg.Store,
		presence:     cfg.Presence,
		historyLimit: cfg.HistoryLimit,
		outboxSize:   cfg.OutboundBuffer,
		now:          time.Now,
		chats:        make(map[string]*chat.Chat),
		outboxes:     make(map[string]chan []byte),
	}
	h.tracker = delivery.NewTracker(cfg.Store, h)
	h.presence.OnRemove(h.handleRemove)
	return h
}

// Connect registers a new connection for identity and subscribes it to the
// user's personal channel. Events for the connection are read from the returned queue.
func (h *Hub) Connect(identity models.Identity) (string, <-chan []byte) {
	connID := uuid.NewString()
	outbox := make(chan []byte, h.outboxSize)

	h.outboxMu.Lock()
	h.outboxes[connID] = outbox
	h.outboxMu.Unlock()

	h.presence.Register(connID, identity.UserID, identity.Username)

	personal := models.Personal(identity.UserID).Key()
	if err := h.withChat(personal, func(c *chat.Chat) error {
		return c.Join(connID, nil, nil)
	}); err != nil {
		slog.Error("failed to subscribe personal channel", "conn_id", connID, "user_id", identity.UserID, "error", err)
	}

	slog.Info("connection registered", "conn_id", connID, "user_id", identity.UserID)
	return connID, outbox
}

// Disconnect removes every trace of the connection. The current channel
// receives a user-left notice. Calling it twice is harmless.
func (h *Hub) Disconnect(connID string) {
	p, ok := h.presence.Remove(connID)
	if ok {
		h.leave(models.Personal(p.UserID).Key(), connID, nil)
	}

	h.outboxMu.Lock()
	if outbox, ok := h.outboxes[connID]; ok {
		close(outbox)
		delete(h.outboxes, connID)
	}
	h.outboxMu.Unlock()

	if ok {
		slog.Info("connection removed", "conn_id", connID, "user_id", p.UserID)
	}
}

// Join makes spec the current channel of the connection. The joiner receives
// the channel history, other subscribers a user-joined notice, and the
// previous channel a user-left notice.
func (h *Hub) Join(ctx context.Context, connID, spec string) error {
	p, err := h.lookup(connID)
	if err != nil {
		return err
	}
	channel, err := models.ResolveChannel(spec, p.UserID)
	if err != nil {
		return err
	}
	if channel.Kind == models.ChannelGroup {
		member, err := h.store.IsGroupMember(ctx, channel.Name, p.UserID)
		if err != nil {
			return err
		}
		if !member {
			return models.Forbidden("not a member of group %s", channel.Name)
		}
	}

	key := channel.Key()
	notice := protocol.NoticeFrame(protocol.EventUserJoined, p.Username+" joined")
	err = h.withChat(key, func(c *chat.Chat) error {
		return c.Join(connID, func() ([]byte, error) {
			history, err := h.store.FetchRecent(ctx, key, 0, h.historyLimit)
			if err != nil {
				return nil, err
			}
			// The connection may have gone away while the store was busy.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return protocol.HistoryFrame(key, history), nil
		}, notice)
	})
	if err != nil {
		return err
	}

	previous, _ := h.presence.SetChannel(connID, key)
	if previous != "" && previous != key {
		h.leave(previous, connID, protocol.NoticeFrame(protocol.EventUserLeft, p.Username+" left"))
	}

	if channel.Kind == models.ChannelPrivate {
		if _, err := h.tracker.MarkAllRead(ctx, p.UserID, channel.Peer(p.UserID)); err != nil {
			slog.Warn("failed to mark thread read on join", "conn_id", connID, "channel", key, "error", err)
		}
	}
	return nil
}

// Send posts text to the connection's current channel. In a private channel
// it is sent as a private message to the peer.
func (h *Hub) Send(ctx context.Context, connID, text string) error {
	p, err := h.lookup(connID)
	if err != nil {
		return err
	}
	if p.Channel == "" {
		return models.ErrNotJoined
	}
	channel, err := models.ParseKey(p.Channel)
	if err != nil {
		return err
	}
	if channel.Kind == models.ChannelPrivate {
		return h.sendPrivate(ctx, p, channel.Peer(p.UserID), text)
	}

	text, err = content.NormalizeText(text)
	if err != nil {
		return err
	}
	msg := models.Message{
		Channel:    p.Channel,
		SenderID:   p.UserID,
		SenderName: p.Username,
		Text:       text,
		HTML:       content.Render(text),
	}

	err = h.withChat(p.Channel, func(c *chat.Chat) error {
		return c.Publish(connID, func() ([]byte, error) {
			saved, err := h.store.Append(ctx, msg)
			if err != nil {
				return nil, err
			}
			return protocol.MessageFrame(protocol.EventMessage, saved), nil
		})
	})
	// The connection switched channels after its presence was read.
	if errors.Is(err, chat.ErrNotMember) {
		return models.ErrNotJoined
	}
	return err
}

// SendPrivate persists a private message and delivers it to the personal
// channels of both participants. The receiver may be offline.
func (h *Hub) SendPrivate(ctx context.Context, connID, receiverID, text string) error {
	p, err := h.lookup(connID)
	if err != nil {
		return err
	}
	return h.sendPrivate(ctx, p, receiverID, text)
}

func (h *Hub) sendPrivate(ctx context.Context, p models.Presence, receiverID, text string) error {
	receiverID = strings.TrimSpace(receiverID)
	if err := models.ValidateID("receiver id", receiverID); err != nil {
		return err
	}
	if receiverID == p.UserID {
		return models.InvalidPayload("invalid receiver %q", receiverID)
	}
	text, err := content.NormalizeText(text)
	if err != nil {
		return err
	}

	thread := models.Private(p.UserID, receiverID).Key()
	msg := models.Message{
		Channel:    thread,
		SenderID:   p.UserID,
		SenderName: p.Username,
		ReceiverID: receiverID,
		Text:       text,
		HTML:       content.Render(text),
	}

	return h.withChat(thread, func(c *chat.Chat) error {
		return c.Exclusive(func() error {
			saved, err := h.store.Append(ctx, msg)
			if err != nil {
				return err
			}
			frame := protocol.MessageFrame(protocol.EventPrivateMessage, saved)
			h.NotifyUser(saved.SenderID, frame)
			h.NotifyUser(saved.ReceiverID, frame)
			return nil
		})
	})
}

// Acknowledge advances the delivery status of a private message on behalf of the connection's user.
func (h *Hub) Acknowledge(ctx context.Context, connID string, messageID int64, status models.Status) error {
	p, err := h.lookup(connID)
	if err != nil {
		return err
	}
	switch status {
	case models.StatusDelivered:
		_, err = h.tracker.MarkDelivered(ctx, p.UserID, messageID)
	case models.StatusRead:
		_, err = h.tracker.MarkRead(ctx, p.UserID, messageID)
	default:
		err = models.InvalidPayload("unsupported status %q", status)
	}
	return err
}

// MarkThreadRead marks all messages from senderID to readerID as read.
func (h *Hub) MarkThreadRead(ctx context.Context, readerID, senderID string) (int, error) {
	changed, err := h.tracker.MarkAllRead(ctx, readerID, senderID)
	return len(changed), err
}

// EditMessage replaces the text of a message sent by userID and propagates the change.
func (h *Hub) EditMessage(ctx context.Context, userID string, messageID int64, text string) (models.Message, error) {
	text, err := content.NormalizeText(text)
	if err != nil {
		return models.Message{}, err
	}
	updated, err := h.store.Update(ctx, messageID, userID, text, content.Render(text), h.now())
	if err != nil {
		return models.Message{}, err
	}
	h.propagate(updated, protocol.MessageFrame(protocol.EventMessageUpdated, updated))
	return updated, nil
}

// DeleteMessage removes a message sent by userID and propagates the removal.
func (h *Hub) DeleteMessage(ctx context.Context, userID string, messageID int64) error {
	deleted, err := h.store.Delete(ctx, messageID, userID)
	if err != nil {
		return err
	}
	h.propagate(deleted, protocol.DeletedFrame(deleted.ID))
	return nil
}

// propagate sends a change of msg to everybody who may be showing it.
func (h *Hub) propagate(msg models.Message, frame []byte) {
	if msg.IsPrivate() {
		h.NotifyUser(msg.SenderID, frame)
		h.NotifyUser(msg.ReceiverID, frame)
		return
	}
	if c := h.existingChat(msg.Channel); c != nil {
		c.Broadcast(frame)
	}
}

// NotifyUser delivers payload to every live connection of userID. Offline users are skipped.
func (h *Hub) NotifyUser(userID string, payload []byte) {
	if c := h.existingChat(models.Personal(userID).Key()); c != nil {
		c.Broadcast(payload)
	}
}

// Presence exposes the registry for read-only queries.
func (h *Hub) Presence() *presence.Registry {
	return h.presence
}

type HubStats struct {
	presence.Stats
	OpenChats int `json:"openChats"`
}

func (h *Hub) Stats() HubStats {
	h.chatsMu.Lock()
	open := len(h.chats)
	h.chatsMu.Unlock()
	return HubStats{Stats: h.presence.Stats(), OpenChats: open}
}

func (h *Hub) lookup(connID string) (models.Presence, error) {
	p, ok := h.presence.Lookup(connID)
	if !ok {
		return models.Presence{}, models.ErrUnauthenticated
	}
	return p, nil
}

func (h *Hub) handleRemove(p models.Presence) {
	h.leave(p.Channel, p.ConnID, protocol.NoticeFrame(protocol.EventUserLeft, p.Username+" left"))
}

func (h *Hub) handleDeliver(receiverID string, chatKey string, payload []byte) {
	h.outboxMu.RLock()
	defer h.outboxMu.RUnlock()

	outbox, ok := h.outboxes[receiverID]
	if !ok {
		return
	}
	select {
	case outbox <- payload:
	default:
		slog.Warn("outbound queue full, dropping event", "conn_id", receiverID, "channel", chatKey)
	}
}

// withChat runs fn against the chat of key, creating it when needed, and
// releases the chat afterwards if it ended up empty.
func (h *Hub) withChat(key string, fn func(c *chat.Chat) error) error {
	for {
		c := h.getOrCreateChat(key)
		err := fn(c)
		if errors.Is(err, chat.ErrClosed) {
			// Released between lookup and use, retry with a fresh one.
			h.forget(c)
			continue
		}
		h.release(c)
		return err
	}
}

func (h *Hub) leave(key, connID string, notice []byte) {
	c := h.existingChat(key)
	if c == nil {
		return
	}
	c.Leave(connID, notice)
	h.release(c)
}

func (h *Hub) getOrCreateChat(key string) *chat.Chat {
	h.chatsMu.Lock()
	defer h.chatsMu.Unlock()

	if c, ok := h.chats[key]; ok {
		return c
	}
	c := chat.New(chat.Config{
		Key:             key,
		DeliverCallback: h.handleDeliver,
	})
	h.chats[key] = c
	return c
}

func (h *Hub) existingChat(key string) *chat.Chat {
	h.chatsMu.Lock()
	defer h.chatsMu.Unlock()
	return h.chats[key]
}

// release drops an empty chat from the map. Chat locks may be held while
// chatsMu is taken, so the chat is closed before chatsMu is acquired.
// Callers that find the closed chat in between get chat.ErrClosed and retry.
func (h *Hub) release(c *chat.Chat) {
	if !c.Close() {
		return
	}

	h.forget(c)
}

func (h *Hub) forget(c *chat.Chat) {
	h.chatsMu.Lock()
	defer h.chatsMu.Unlock()
	if h.chats[c.Key] == c {
		delete(h.chats, c.Key)
	}
}

func (s HubStats) String() string {
	return fmt.Sprintf("%d connections, %d users, %d open chats", s.Connections, s.Users, s.OpenChats)
}
