package models

import "time"

// Status is the delivery state of a private message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// CanAdvance reports whether moving from s to next is a forward transition.
// Allowed moves: sent -> delivered, sent -> read, delivered -> read.
func (s Status) CanAdvance(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// WithStatus returns a copy of m moved to next. When the move is not a forward
// transition, m is returned unchanged and the second result is false.
func (m Message) WithStatus(next Status, at time.Time) (Message, bool) {
	if !m.IsPrivate() || !m.Status.CanAdvance(next) {
		return m, false
	}
	out := m
	out.Status = next
	if next == StatusRead {
		t := at.UTC()
		out.ReadAt = &t
	}
	return out, true
}
