// Package chat holds the live subscriber set of a single channel.
//
// A Chat's lock is held for the whole of a publish, from persistence to the
// last delivery, so every subscriber observes messages in the order they were
// stored.
package chat

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by operations on a chat that was released after its last member left.
	ErrClosed = errors.New("chat is closed")
	// ErrNotMember is returned when a publisher is not subscribed to the chat.
	ErrNotMember = errors.New("not a member of the chat")
)

// DeliverCallback hands an encoded event to a subscriber's outbound queue.
type DeliverCallback func(receiverID string, chatKey string, payload []byte)

type Chat struct {
	Key     string
	Members map[string]bool

	DeliverCallback DeliverCallback

	closed bool
	mux    sync.Mutex
}

type Config struct {
	Key             string
	DeliverCallback DeliverCallback
}

func New(config Config) *Chat {
	return &Chat{
		Key:             config.Key,
		Members:         make(map[string]bool),
		DeliverCallback: config.DeliverCallback,
	}
}

// Exclusive runs fn while holding the chat lock.
func (c *Chat) Exclusive(fn func() error) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closed {
		return ErrClosed
	}
	return fn()
}

// Publish runs persist under the chat lock and fans the payload it returns out
// to every member. Nothing is persisted unless publisherID is a member, and
// nothing is delivered when persist fails.
func (c *Chat) Publish(publisherID string, persist func() ([]byte, error)) error {
	return c.Exclusive(func() error {
		if !c.Members[publisherID] {
			return ErrNotMember
		}
		payload, err := persist()
		if err != nil {
			return err
		}
		c.broadcast(payload, "")
		return nil
	})
}

// Join subscribes memberID. Under the chat lock it calls prepare, and when that
// succeeds adds the member, delivers the prepared payload to it alone and the
// notice to everybody else. A failed prepare leaves the member set unchanged.
// Either payload may be nil. Rejoining members get the prepared payload again
// but no notice is sent.
func (c *Chat) Join(memberID string, prepare func() ([]byte, error), notice []byte) error {
	return c.Exclusive(func() error {
		var payload []byte
		if prepare != nil {
			var err error
			if payload, err = prepare(); err != nil {
				return err
			}
		}

		rejoin := c.Members[memberID]
		c.Members[memberID] = true

		if payload != nil {
			c.deliver(memberID, payload)
		}
		if notice != nil && !rejoin {
			c.broadcast(notice, memberID)
		}
		return nil
	})
}

// Leave unsubscribes memberID and sends notice to the remaining members.
// It reports whether memberID was subscribed.
func (c *Chat) Leave(memberID string, notice []byte) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if !c.Members[memberID] {
		return false
	}
	delete(c.Members, memberID)
	if notice != nil {
		c.broadcast(notice, "")
	}
	return true
}

// Broadcast delivers payload to every member.
func (c *Chat) Broadcast(payload []byte) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.broadcast(payload, "")
}

// Close marks an empty chat as closed. It reports false, leaving the chat
// open, when members remain.
func (c *Chat) Close() bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if len(c.Members) > 0 {
		return false
	}
	c.closed = true
	return true
}

func (c *Chat) broadcast(payload []byte, except string) {
	for receiverID := range c.Members {
		if receiverID == except {
			continue
		}
		c.deliver(receiverID, payload)
	}
}

func (c *Chat) deliver(receiverID string, payload []byte) {
	if c.DeliverCallback != nil {
		c.DeliverCallback(receiverID, c.Key, payload)
	}
}
