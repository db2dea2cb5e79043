package models

import "sort"

// Message is the canonical wire and store representation of a relayed
// message. The server stamps ID and CreatedAt; CorrelationID is
// client-assigned and carried only so the originator can reconcile its
// optimistic copy against the broadcast echo.
type Message struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
	Author        string `json:"author"`
	Username      string `json:"username,omitempty"`
	Text          string `json:"text"`
	// CreatedAt is a server timestamp in unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
	// EditedAt is set on the first edit; zero means never edited.
	EditedAt int64 `json:"editedAt,omitempty"`
	IsEdited bool  `json:"isEdited,omitempty"`
	// Optional parent message ID for threaded replies
	ParentID string `json:"parentId,omitempty"`
	// Deleted flag; soft-delete implemented as a tombstone record
	Deleted bool `json:"deleted,omitempty"`
	// DeletedAt is the tombstone timestamp in unix milliseconds, used
	// by the retention purge.
	DeletedAt int64 `json:"deletedAt,omitempty"`
	// Reactions maps a reaction symbol to the sorted set of author ids
	// holding that reaction. An author appears at most once per symbol.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// HasReaction reports whether author holds the given reaction symbol.
func (m *Message) HasReaction(symbol, author string) bool {
	for _, a := range m.Reactions[symbol] {
		if a == author {
			return true
		}
	}
	return false
}

// ToggleReaction flips author's membership in the symbol's author set and
// reports the resulting membership. Empty symbol sets are removed so the
// map never carries dead keys.
func (m *Message) ToggleReaction(symbol, author string) bool {
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	set := m.Reactions[symbol]
	for i, a := range set {
		if a == author {
			set = append(set[:i], set[i+1:]...)
			if len(set) == 0 {
				delete(m.Reactions, symbol)
			} else {
				m.Reactions[symbol] = set
			}
			return false
		}
	}
	set = append(set, author)
	sort.Strings(set)
	m.Reactions[symbol] = set
	return true
}

// CloneReactions returns a deep copy of the reaction map. Broadcast
// payloads must not alias pipeline-owned state.
func (m *Message) CloneReactions() map[string][]string {
	if m.Reactions == nil {
		return nil
	}
	out := make(map[string][]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out[k] = append([]string(nil), v...)
	}
	return out
}
