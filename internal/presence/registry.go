// Package presence tracks which user is behind each live connection and which
// channel that connection currently has open.
package presence

import (
	"sort"
	"sync"

	"kairo/internal/models"

	"github.com/c-pro/geche"
)

// RemoveCallback is called after a connection is removed from the registry.
type RemoveCallback func(p models.Presence)

type Registry struct {
	conns *geche.Locker[string, models.Presence]

	cbMux    sync.RWMutex
	onRemove RemoveCallback
}

func New() *Registry {
	return &Registry{
		conns: geche.NewLocker[string, models.Presence](geche.NewMapCache[string, models.Presence]()),
	}
}

// OnRemove sets the callback fired by Remove for connections that had a channel open.
func (r *Registry) OnRemove(cb RemoveCallback) {
	r.cbMux.Lock()
	defer r.cbMux.Unlock()
	r.onRemove = cb
}

// Register binds connID to a user. A repeated call overwrites the previous binding.
func (r *Registry) Register(connID, userID, username string) models.Presence {
	p := models.Presence{ConnID: connID, UserID: userID, Username: username}

	tx := r.conns.Lock()
	defer tx.Unlock()
	tx.Set(connID, p)
	return p
}

// SetChannel records the current channel of a connection and returns the previous one.
// It reports false when the connection is not registered.
func (r *Registry) SetChannel(connID, channel string) (string, bool) {
	tx := r.conns.Lock()
	defer tx.Unlock()

	p, err := tx.Get(connID)
	if err != nil {
		return "", false
	}
	previous := p.Channel
	p.Channel = channel
	tx.Set(connID, p)
	return previous, true
}

func (r *Registry) Lookup(connID string) (models.Presence, bool) {
	tx := r.conns.RLock()
	defer tx.Unlock()

	p, err := tx.Get(connID)
	if err != nil {
		return models.Presence{}, false
	}
	return p, true
}

// Remove drops the binding of connID. Unknown ids are ignored.
func (r *Registry) Remove(connID string) (models.Presence, bool) {
	tx := r.conns.Lock()
	p, err := tx.Get(connID)
	if err != nil {
		tx.Unlock()
		return models.Presence{}, false
	}
	_ = tx.Del(connID)
	tx.Unlock()

	r.cbMux.RLock()
	cb := r.onRemove
	r.cbMux.RUnlock()

	if cb != nil && p.Channel != "" {
		cb(p)
	}
	return p, true
}

// Connections returns the ids of all live connections of userID, sorted.
func (r *Registry) Connections(userID string) []string {
	tx := r.conns.RLock()
	defer tx.Unlock()

	var ids []string
	for connID, p := range tx.Snapshot() {
		if p.UserID == userID {
			ids = append(ids, connID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Online reports whether userID has at least one live connection.
func (r *Registry) Online(userID string) bool {
	return len(r.Connections(userID)) > 0
}

// Stats summarizes the registry for the admin API.
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Channels    map[string]int `json:"channels"`
}

func (r *Registry) Stats() Stats {
	tx := r.conns.RLock()
	defer tx.Unlock()

	stats := Stats{Channels: make(map[string]int)}
	users := make(map[string]struct{})
	for _, p := range tx.Snapshot() {
		stats.Connections++
		users[p.UserID] = struct{}{}
		if p.Channel != "" {
			stats.Channels[p.Channel]++
		}
	}
	stats.Users = len(users)
	return stats
}
