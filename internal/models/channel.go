package models

import (
	"sort"
	"strings"
)

// ChannelKind tags the conversation context of a channel.
type ChannelKind string

const (
	ChannelRoom     ChannelKind = "room"
	ChannelGroup    ChannelKind = "group"
	ChannelPrivate  ChannelKind = "private"
	ChannelPersonal ChannelKind = "user"
)

// Channel identifies a conversation context.
// Private channels keep their participants sorted so both sides resolve to the same key.
type Channel struct {
	Kind  ChannelKind
	Name  string    // room name, group id or personal user id
	Users [2]string // private participants, sorted
}

func Room(name string) Channel {
	return Channel{Kind: ChannelRoom, Name: name}
}

func Group(id string) Channel {
	return Channel{Kind: ChannelGroup, Name: id}
}

func Personal(userID string) Channel {
	return Channel{Kind: ChannelPersonal, Name: userID}
}

func Private(a, b string) Channel {
	ids := []string{a, b}
	sort.Strings(ids)
	return Channel{Kind: ChannelPrivate, Users: [2]string{ids[0], ids[1]}}
}

// Key returns the canonical channel key, e.g. "room:general" or "private:a:b".
func (c Channel) Key() string {
	if c.Kind == ChannelPrivate {
		return string(c.Kind) + ":" + c.Users[0] + ":" + c.Users[1]
	}
	return string(c.Kind) + ":" + c.Name
}

func (c Channel) String() string {
	return c.Key()
}

// Has reports whether userID participates in a private channel.
func (c Channel) Has(userID string) bool {
	return c.Kind == ChannelPrivate && (c.Users[0] == userID || c.Users[1] == userID)
}

// Peer returns the other participant of a private channel.
func (c Channel) Peer(self string) string {
	if !c.Has(self) {
		return ""
	}
	if c.Users[0] == self {
		return c.Users[1]
	}
	return c.Users[0]
}

// ParseKey parses a canonical key produced by Key.
func ParseKey(key string) (Channel, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok || rest == "" {
		return Channel{}, InvalidPayload("malformed channel key %q", key)
	}
	switch ChannelKind(kind) {
	case ChannelRoom:
		return Room(rest), nil
	case ChannelGroup:
		return Group(rest), nil
	case ChannelPersonal:
		return Personal(rest), nil
	case ChannelPrivate:
		a, b, ok := strings.Cut(rest, ":")
		if !ok || a == "" || b == "" {
			return Channel{}, InvalidPayload("malformed private channel key %q", key)
		}
		return Private(a, b), nil
	}
	return Channel{}, InvalidPayload("unknown channel kind %q", kind)
}

// ResolveChannel turns a client join request into a canonical channel for user self.
//
// Accepted forms: "general" and "room:general" for open rooms, "group:<id>",
// and "private:<peer>" or "private:<a>:<b>" for private threads. A private
// peer is taken verbatim, so ids containing '-' resolve unambiguously.
// Personal channels cannot be joined explicitly.
func ResolveChannel(spec, self string) (Channel, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Channel{}, InvalidPayload("room is required")
	}

	prefix, rest, found := strings.Cut(spec, ":")
	if !found {
		return Room(spec), nil
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Channel{}, InvalidPayload("room %q has an empty name", spec)
	}

	switch ChannelKind(prefix) {
	case ChannelRoom:
		if strings.Contains(rest, ":") {
			return Channel{}, InvalidPayload("room name %q must not contain ':'", rest)
		}
		return Room(rest), nil
	case ChannelGroup:
		if err := ValidateID("group id", rest); err != nil {
			return Channel{}, err
		}
		return Group(rest), nil
	case ChannelPrivate:
		peer, err := privatePeer(rest, self)
		if err != nil {
			return Channel{}, err
		}
		return Private(self, peer), nil
	}
	return Channel{}, InvalidPayload("unknown channel kind %q", prefix)
}

func privatePeer(rest, self string) (string, error) {
	peer := rest
	if a, b, ok := strings.Cut(rest, ":"); ok {
		switch self {
		case a:
			peer = b
		case b:
			peer = a
		default:
			return "", Forbidden("not a participant of %q", rest)
		}
	}

	if peer == self {
		return "", InvalidPayload("invalid private peer %q", peer)
	}
	if err := ValidateID("private peer", peer); err != nil {
		return "", err
	}
	return peer, nil
}

// ValidateID checks that a user or group id can be embedded in a channel key.
func ValidateID(what, id string) error {
	if strings.TrimSpace(id) == "" {
		return InvalidPayload("%s is required", what)
	}
	if strings.Contains(id, ":") {
		return InvalidPayload("%s %q must not contain ':'", what, id)
	}
	return nil
}
