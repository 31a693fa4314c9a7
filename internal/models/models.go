package models

import "time"

// Identity is a verified user bound to a connection.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Presence is the live binding of a connection to an identity and its current channel.
type Presence struct {
	ConnID   string `json:"connId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Channel  string `json:"channel,omitempty"` // canonical key, empty until the first join
}

// Message represents a chat message.
type Message struct {
	ID         int64      `json:"id"`
	Channel    string     `json:"channel"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	ReceiverID string     `json:"receiverId,omitempty"` // private messages only
	Text       string     `json:"text"`
	HTML       string     `json:"html,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	Status     Status     `json:"status,omitempty"` // private messages only
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

// IsPrivate reports whether the message belongs to a private thread and carries a delivery status.
func (m Message) IsPrivate() bool {
	return m.ReceiverID != ""
}

// Edited returns a copy of m with new text and update time.
func (m Message) Edited(text, html string, at time.Time) Message {
	out := m
	out.Text = text
	out.HTML = html
	t := at.UTC()
	out.UpdatedAt = &t
	return out
}
