// Package room is the server-side registry of live editing rooms: it fans
// updates and presence out to sessions, owns the per-room concurrency
// discipline, and talks to the snapshot store and event pipeline. It is a
// relay, not a transaction coordinator: fragments are applied and forwarded
// as received, convergence is the merge core's job.
package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collabsync/backend/internal/awareness"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/crdt"
)

// SnapshotGateway is the persistence collaborator. LoadSnapshot returns the
// newest checkpoint and its revision, or (nil, 0, nil) for a document that
// has never been checkpointed.
type SnapshotGateway interface {
	LoadSnapshot(ctx context.Context, docID string) ([]byte, uint64, error)
	SaveSnapshot(ctx context.Context, docID string, revision uint64, blob []byte) error
}

type Options struct {
	// GracePeriod keeps an empty room alive to absorb quick reconnects.
	GracePeriod time.Duration
	// CheckpointInterval drives periodic snapshot writes for live rooms.
	CheckpointInterval time.Duration
	// AwarenessTTL expires presence entries that stopped heartbeating.
	AwarenessTTL time.Duration
}

func (o *Options) fillDefaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 30 * time.Second
	}
	if o.AwarenessTTL <= 0 {
		o.AwarenessTTL = 30 * time.Second
	}
}

// JoinResult carries everything a joining client needs to catch up.
type JoinResult struct {
	// Snapshot is set when the client declared no prior state.
	Snapshot []byte
	// Diff is set otherwise: the ops the client is missing.
	Diff *crdt.Fragment
	// Vector is the server's state vector after the join.
	Vector crdt.Vector
	// Permission actually granted (may be weaker than requested).
	Permission Permission
	// Awareness is the current presence table of the room.
	Awareness []awareness.Entry
}

type Broker struct {
	mu    sync.Mutex
	rooms map[string]*Room

	gateway    SnapshotGateway
	acl        ACL
	presence   cache.PresenceCache
	dispatcher *Dispatcher
	opts       Options
}

// NewBroker wires the broker. presence and dispatcher may be nil; they are
// side channels, not required for correctness.
func NewBroker(gateway SnapshotGateway, acl ACL, presence cache.PresenceCache, dispatcher *Dispatcher, opts Options) *Broker {
	opts.fillDefaults()
	return &Broker{
		rooms:      make(map[string]*Room),
		gateway:    gateway,
		acl:        acl,
		presence:   presence,
		dispatcher: dispatcher,
		opts:       opts,
	}
}

// Join registers a session with its document's room, creating and loading
// the room on first join. clientVector is what the client already has; empty
// means "send me everything".
func (b *Broker) Join(ctx context.Context, sess *Session, requested Permission, clientVector crdt.Vector) (*JoinResult, error) {
	if requested == PermissionNone {
		requested = PermissionRead
	}
	granted := requested
	if b.acl != nil {
		perm, err := b.acl.Permission(ctx, sess.DocID, sess.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: acl lookup: %v", ErrAuthRejected, err)
		}
		if perm == PermissionNone {
			return nil, ErrPermissionDenied
		}
		granted = requested.Min(perm)
		if granted == PermissionNone {
			granted = PermissionRead
		}
	}

	for {
		r, err := b.roomFor(ctx, sess.DocID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.closed {
			// Lost a race against grace-period teardown; take a fresh room.
			r.mu.Unlock()
			continue
		}
		if r.grace != nil {
			r.grace.Stop()
			r.grace = nil
		}
		sess.Permission = granted
		r.sessions[sess.ID] = sess
		r.aw.Set(sess.ClientID, awareness.State{
			Name:     sess.Username,
			CanWrite: granted == PermissionWrite,
		}, time.Now())

		res := &JoinResult{
			Vector:     r.doc.StateVector(),
			Permission: granted,
			Awareness:  r.aw.Snapshot(),
		}
		if len(clientVector) == 0 {
			blob, err := r.doc.Snapshot()
			if err != nil {
				delete(r.sessions, sess.ID)
				r.mu.Unlock()
				return nil, err
			}
			res.Snapshot = blob
		} else {
			res.Diff = r.doc.DiffSince(clientVector).Tagged(crdt.TagRemote)
		}
		r.broadcastAwarenessLocked(sess.ClientID)
		r.mu.Unlock()

		b.mirrorPresence(ctx, sess)
		return res, nil
	}
}

// Submit merges a fragment from a session into its room and fans it out.
// The write permission is re-checked against the ACL on every call, so a
// mid-session revoke bites immediately.
func (b *Broker) Submit(ctx context.Context, sess *Session, frag *crdt.Fragment) error {
	r := b.liveRoom(sess.DocID)
	if r == nil {
		return ErrNotJoined
	}

	perm := sess.Permission
	if b.acl != nil {
		p, err := b.acl.Permission(ctx, sess.DocID, sess.UserID)
		if err != nil {
			return fmt.Errorf("%w: acl lookup: %v", ErrPermissionDenied, err)
		}
		perm = p
	}

	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return ErrNotJoined
	}
	sess.Permission = sess.Permission.Min(perm)
	if perm != PermissionWrite {
		r.mu.Unlock()
		return ErrPermissionDenied
	}
	if r.frozen {
		r.mu.Unlock()
		return ErrRoomFrozen
	}

	changed, err := r.doc.Merge(frag)
	if err != nil {
		if errors.Is(err, crdt.ErrInvariant) {
			// Should be unreachable by construction. Freeze the room for
			// manual inspection instead of propagating corruption.
			r.frozen = true
			log.Printf("room %s frozen after invariant violation: %v", r.docID, err)
			r.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrRoomFrozen, err)
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}
	r.revision++
	rev := r.revision
	r.fanoutLocked(sess, frag)
	r.mu.Unlock()

	if b.dispatcher != nil {
		evtCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_ = b.dispatcher.Enqueue(evtCtx, FragmentAppliedEvent{
			EventType: "FRAGMENT_APPLIED",
			DocID:     sess.DocID,
			Revision:  rev,
			UserID:    sess.UserID,
			ClientID:  frag.Client,
			Ops:       frag.Ops,
			AppliedAt: time.Now(),
		})
	}
	return nil
}

// Heartbeat refreshes the session's awareness entry and rebroadcasts it.
// Document state is never touched here.
func (b *Broker) Heartbeat(ctx context.Context, sess *Session, state awareness.State) error {
	r := b.liveRoom(sess.DocID)
	if r == nil {
		return ErrNotJoined
	}
	r.mu.Lock()
	if _, ok := r.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return ErrNotJoined
	}
	// The write flag is server knowledge, never trusted from the client.
	state.CanWrite = sess.Permission == PermissionWrite
	r.aw.Set(sess.ClientID, state, time.Now())
	r.broadcastAwarenessLocked(sess.ClientID)
	r.mu.Unlock()

	b.mirrorPresence(ctx, sess)
	return nil
}

// Leave removes the session; an emptied room lingers for the grace period
// and is then checkpointed and torn down.
func (b *Broker) Leave(ctx context.Context, sess *Session) {
	r := b.liveRoom(sess.DocID)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.sessions, sess.ID)
	if r.aw.Remove(sess.ClientID) {
		r.broadcastAwarenessLocked(sess.ClientID)
	}
	if len(r.sessions) == 0 && r.grace == nil && !r.closed {
		r.grace = time.AfterFunc(b.opts.GracePeriod, func() { b.teardown(r) })
	}
	r.mu.Unlock()

	if b.presence != nil {
		if err := b.presence.RemoveMember(ctx, sess.DocID, sess.ClientID); err != nil {
			log.Printf("presence remove failed (doc=%s client=%s): %v", sess.DocID, sess.ClientID, err)
		}
	}
}

// Shutdown checkpoints every live room and stops their housekeeping.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	rooms := make([]*Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.Unlock()
	for _, r := range rooms {
		b.checkpoint(r)
		r.mu.Lock()
		if !r.closed {
			r.closed = true
			close(r.stop)
		}
		r.mu.Unlock()
	}
}

func (b *Broker) roomFor(ctx context.Context, docID string) (*Room, error) {
	b.mu.Lock()
	r, ok := b.rooms[docID]
	if !ok {
		r = newRoom(docID)
		b.rooms[docID] = r
		go b.openRoom(r)
	}
	b.mu.Unlock()

	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.loadErr != nil {
		b.mu.Lock()
		if b.rooms[docID] == r {
			delete(b.rooms, docID)
		}
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSnapshotLoadFailed, r.loadErr)
	}
	return r, nil
}

// openRoom loads the durable snapshot exactly once per room; every joiner
// waits on ready and sees the same outcome.
func (b *Broker) openRoom(r *Room) {
	defer close(r.ready)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	blob, rev, err := b.gateway.LoadSnapshot(ctx, r.docID)
	if err != nil {
		r.loadErr = err
		return
	}
	if len(blob) > 0 {
		if err := r.doc.Restore(blob); err != nil {
			r.loadErr = err
			return
		}
	}
	// Resume the revision sequence where the last lifetime left off; a
	// recreated room must never checkpoint under an already-used revision.
	r.revision = rev
	go b.housekeeping(r)
}

func (b *Broker) housekeeping(r *Room) {
	sweep := time.NewTicker(b.opts.AwarenessTTL / 2)
	checkpoint := time.NewTicker(b.opts.CheckpointInterval)
	defer sweep.Stop()
	defer checkpoint.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-sweep.C:
			r.mu.Lock()
			if removed := r.aw.Expire(now, b.opts.AwarenessTTL); len(removed) > 0 {
				r.broadcastAwarenessLocked("")
			}
			r.mu.Unlock()
		case <-checkpoint.C:
			b.checkpoint(r)
		}
	}
}

func (b *Broker) checkpoint(r *Room) {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return
	}
	blob, err := r.doc.Snapshot()
	rev := r.revision
	r.mu.Unlock()
	if err != nil {
		log.Printf("checkpoint snapshot failed (doc=%s): %v", r.docID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.gateway.SaveSnapshot(ctx, r.docID, rev, blob); err != nil {
		log.Printf("checkpoint save failed (doc=%s rev=%d): %v", r.docID, rev, err)
	}
}

// teardown runs after the grace period. A session that joined in the
// meantime aborts it.
func (b *Broker) teardown(r *Room) {
	r.mu.Lock()
	if len(r.sessions) > 0 || r.closed {
		r.grace = nil
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	b.checkpoint(r)

	b.mu.Lock()
	if b.rooms[r.docID] == r {
		delete(b.rooms, r.docID)
	}
	b.mu.Unlock()
}

// liveRoom returns the room only if it finished loading successfully.
func (b *Broker) liveRoom(docID string) *Room {
	b.mu.Lock()
	r := b.rooms[docID]
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.ready:
	default:
		return nil
	}
	if r.loadErr != nil {
		return nil
	}
	return r
}

func (b *Broker) mirrorPresence(ctx context.Context, sess *Session) {
	if b.presence == nil {
		return
	}
	if err := b.presence.AddMember(ctx, sess.DocID, sess.ClientID, sess.Username, b.opts.AwarenessTTL); err != nil {
		log.Printf("presence mirror failed (doc=%s client=%s): %v", sess.DocID, sess.ClientID, err)
	}
}
