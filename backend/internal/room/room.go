package room

import (
	"log"
	"sync"
	"time"

	"collabsync/backend/internal/awareness"
	"collabsync/backend/internal/crdt"
)

// Room owns all shared mutable state for one document: the authoritative
// replica, the live sessions and the awareness table. Sessions only hold a
// reference into their room; every mutation goes through the room's lock, so
// unrelated documents never contend.
type Room struct {
	docID string

	mu       sync.Mutex
	doc      *crdt.Doc
	revision uint64
	sessions map[string]*Session
	aw       *awareness.Table
	frozen   bool
	closed   bool
	grace    *time.Timer

	// ready is closed once the snapshot load finished (ok or not).
	ready   chan struct{}
	loadErr error
	stop    chan struct{}
}

func newRoom(docID string) *Room {
	return &Room{
		docID:    docID,
		doc:      crdt.NewDoc("room:" + docID),
		sessions: make(map[string]*Session),
		aw:       awareness.NewTable(),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// fanoutLocked relays a merged fragment to every session except the
// originator. Peers whose queue is full get a forced snapshot resync instead;
// document updates are never dropped on the floor.
func (r *Room) fanoutLocked(from *Session, f *crdt.Fragment) {
	remote := f.Tagged(crdt.TagRemote)
	for id, other := range r.sessions {
		if id == from.ID {
			continue
		}
		if !other.Peer.SendFragment(remote) {
			log.Printf("session %s (doc=%s) backlogged, forcing resync", other.ID, r.docID)
			r.resyncLocked(other)
		}
	}
}

func (r *Room) resyncLocked(s *Session) {
	blob, err := r.doc.Snapshot()
	if err != nil {
		log.Printf("snapshot for resync failed (doc=%s): %v", r.docID, err)
		return
	}
	s.Peer.SendResync(r.docID, blob, r.doc.StateVector())
}

// broadcastAwarenessLocked pushes the current presence table to every
// session except the one identified by exceptClient.
func (r *Room) broadcastAwarenessLocked(exceptClient string) {
	entries := r.aw.Snapshot()
	for _, s := range r.sessions {
		if s.ClientID == exceptClient {
			continue
		}
		s.Peer.SendAwareness(r.docID, entries)
	}
}
