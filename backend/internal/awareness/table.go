// Package awareness holds the ephemeral presence state of a room: who is
// connected, their cursor, name, color and write capability. Nothing here is
// ever persisted; losing it on restart is fine, losing document content is
// not, which is why this lives apart from the merge core.
package awareness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// State is the client-published part of a presence entry. Cursor stays an
// opaque JSON blob; the engine relays it without interpreting the editor's
// selection model.
type State struct {
	Name     string          `json:"name,omitempty"`
	Color    string          `json:"color,omitempty"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	CanWrite bool            `json:"canWrite"`
}

// Entry is one live client in the table.
type Entry struct {
	ClientID string    `json:"clientId"`
	State    State     `json:"state"`
	LastBeat time.Time `json:"-"`
}

// Table is a last-writer-wins map of client id to presence entry with
// heartbeat expiry. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Set overwrites the entry for a client and refreshes its heartbeat.
func (t *Table) Set(clientID string, s State, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[clientID] = Entry{ClientID: clientID, State: s, LastBeat: now}
}

// Touch refreshes only the heartbeat, keeping the published state.
// Returns false if the client is not present.
func (t *Table) Touch(clientID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[clientID]
	if !ok {
		return false
	}
	e.LastBeat = now
	t.entries[clientID] = e
	return true
}

// Remove drops a client on explicit disconnect.
func (t *Table) Remove(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[clientID]; !ok {
		return false
	}
	delete(t.entries, clientID)
	return true
}

// Expire removes every entry whose last heartbeat is older than ttl and
// returns the ids that were dropped. Presence decays independently of edit
// activity; a silent reader still heartbeats.
func (t *Table) Expire(now time.Time, ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id, e := range t.entries {
		if now.Sub(e.LastBeat) > ttl {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns the live entries ordered by client id.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
