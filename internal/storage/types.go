package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"kairo/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	ID         int64  `msgpack:"id"`
	Channel    string `msgpack:"channel"`
	SenderID   string `msgpack:"senderId"`
	SenderName string `msgpack:"senderName"`
	ReceiverID string `msgpack:"receiverId"`
	Text       string `msgpack:"text"`
	HTML       string `msgpack:"html"`
	CreatedAt  int64  `msgpack:"createdAt"` // unix nanoseconds
	UpdatedAt  int64  `msgpack:"updatedAt"` // 0 when never edited
	Status     string `msgpack:"status"`
	ReadAt     int64  `msgpack:"readAt"`
}

func (m *DBMessage) Key() []byte {
	return idKey(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) *DBMessage {
	return &DBMessage{
		ID:         m.ID,
		Channel:    m.Channel,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		HTML:       m.HTML,
		CreatedAt:  m.CreatedAt.UnixNano(),
		UpdatedAt:  nanosOf(m.UpdatedAt),
		Status:     string(m.Status),
		ReadAt:     nanosOf(m.ReadAt),
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:         m.ID,
		Channel:    m.Channel,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		HTML:       m.HTML,
		CreatedAt:  time.Unix(0, m.CreatedAt).UTC(),
		UpdatedAt:  timeOf(m.UpdatedAt),
		Status:     models.Status(m.Status),
		ReadAt:     timeOf(m.ReadAt),
	}
}

type DBGroupMember struct {
	GroupID string `msgpack:"groupId"`
	UserID  string `msgpack:"userId"`
	AddedAt int64  `msgpack:"addedAt"`
}

func (g *DBGroupMember) Key() []byte {
	return []byte(g.UserID)
}

func (g *DBGroupMember) MarshalBinary() (data []byte, err error) {
	type alias DBGroupMember
	return msgpack.Marshal((*alias)(g))
}

func (g *DBGroupMember) UnmarshalBinary(data []byte) error {
	type alias DBGroupMember
	return msgpack.Unmarshal(data, (*alias)(g))
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func nanosOf(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func timeOf(nanos int64) *time.Time {
	if nanos == 0 {
		return nil
	}
	t := time.Unix(0, nanos).UTC()
	return &t
}
