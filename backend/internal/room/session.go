package room

import (
	"context"

	"collabsync/backend/internal/awareness"
	"collabsync/backend/internal/crdt"
)

// ACL resolves a user's access to a document. The broker consults it on
// every submit, not once per session, so an upstream revoke takes effect on
// the very next write attempt.
type ACL interface {
	Permission(ctx context.Context, docID string, userID uint64) (Permission, error)
}

// Peer is the outbound side of a session, implemented by the websocket
// connection. All sends are non-blocking enqueues.
type Peer interface {
	// SendFragment queues a document update. Returns false when the
	// session's queue is full; the broker then forces a snapshot resync
	// because update fragments must never be silently dropped.
	SendFragment(f *crdt.Fragment) bool
	// SendAwareness queues a presence broadcast. Droppable under pressure,
	// only the latest table matters.
	SendAwareness(docID string, entries []awareness.Entry)
	// SendResync queues a full-snapshot catch-up for this peer.
	SendResync(docID string, snapshot []byte, vector crdt.Vector)
}

// Session is one client connection bound to one document. Fields are written
// by the broker under the owning room's lock; Peer must be safe to call
// concurrently.
type Session struct {
	ID       string
	UserID   uint64
	Username string
	// ClientID identifies the editing replica (one per tab/device), distinct
	// from the user identity.
	ClientID   string
	DocID      string
	Permission Permission
	Peer       Peer
}
