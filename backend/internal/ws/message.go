package ws

import (
	"encoding/json"

	"collabsync/backend/internal/awareness"
	"collabsync/backend/internal/crdt"
)

// Client to server message types.
const (
	MsgJoin      = "join"
	MsgFragment  = "fragment"
	MsgAwareness = "awareness"
	MsgLeave     = "leave"
)

// Server to client message types.
const (
	MsgSync   = "sync"
	MsgResync = "resync"
	MsgAck    = "ack"
	MsgError  = "error"
)

// ClientMessage is the single inbound envelope. Which fields are meaningful
// depends on Type:
//   - join: DocID, ClientID, Mode and optionally StateVector (what the client
//     already holds; empty asks for a full snapshot)
//   - fragment: Fragment
//   - awareness: Awareness (doubles as the presence heartbeat)
//   - leave: nothing
type ClientMessage struct {
	Type     string `json:"type"`
	DocID    string `json:"docId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	// Mode is the requested access, "read" or "write". The server may grant
	// less than requested.
	Mode        string           `json:"mode,omitempty"`
	StateVector json.RawMessage  `json:"stateVector,omitempty"`
	Fragment    *crdt.Fragment   `json:"fragment,omitempty"`
	Awareness   *awareness.State `json:"awareness,omitempty"`
}

// ServerMessage is the single outbound envelope.
//
// A "sync" carries either Snapshot (client declared no state) or Fragment
// (catch-up diff), plus the server vector, the granted permission and the
// current presence table. A "resync" carries Snapshot and the vector; the
// client replaces pending local state by merging the snapshot. On an "error"
// with code MALFORMED_FRAGMENT the client is expected to re-join with an
// empty state vector.
type ServerMessage struct {
	Type        string            `json:"type"`
	DocID       string            `json:"docId,omitempty"`
	Snapshot    []byte            `json:"snapshot,omitempty"`
	Fragment    *crdt.Fragment    `json:"fragment,omitempty"`
	StateVector json.RawMessage   `json:"stateVector,omitempty"`
	Permission  string            `json:"permission,omitempty"`
	Awareness   []awareness.Entry `json:"awareness,omitempty"`
	Code        string            `json:"code,omitempty"`
	Content     string            `json:"content,omitempty"`
}
