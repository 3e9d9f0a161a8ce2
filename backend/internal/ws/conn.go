package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/awareness"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
)

// Conn is one authenticated websocket connection. It is the room.Peer for at
// most one session at a time; joining a second document leaves the first.
//
// All outbound traffic goes through the bounded send queue consumed by
// writeLoop. Forced resyncs use a separate one-slot channel so a full send
// queue (the very condition that triggers a resync) cannot swallow it.
type Conn struct {
	ws       *websocket.Conn
	broker   *room.Broker
	userID   uint64
	username string

	send   chan ServerMessage
	resync chan ServerMessage
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sess *room.Session
}

func NewConn(ws *websocket.Conn, broker *room.Broker, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		broker:   broker,
		userID:   userID,
		username: username,
		send:     make(chan ServerMessage, sendQueueSize),
		resync:   make(chan ServerMessage, 1),
		done:     make(chan struct{}),
	}
}

// SendFragment implements room.Peer. Returns false when the queue is full so
// the broker can fall back to a snapshot resync instead of dropping the
// update.
func (c *Conn) SendFragment(f *crdt.Fragment) bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return true
	}
	select {
	case c.send <- ServerMessage{Type: MsgFragment, DocID: sess.DocID, Fragment: f}:
		return true
	default:
		return false
	}
}

// SendAwareness implements room.Peer. Presence is droppable under pressure;
// only the latest table matters.
func (c *Conn) SendAwareness(docID string, entries []awareness.Entry) {
	select {
	case c.send <- ServerMessage{Type: MsgAwareness, DocID: docID, Awareness: entries}:
	default:
	}
}

// SendResync implements room.Peer. The one-slot channel keeps only the newest
// snapshot; an older pending resync is superseded, never the other way round.
func (c *Conn) SendResync(docID string, snapshot []byte, vector crdt.Vector) {
	vec, err := vector.Encode()
	if err != nil {
		log.Printf("encode resync vector (doc=%s): %v", docID, err)
		return
	}
	msg := ServerMessage{Type: MsgResync, DocID: docID, Snapshot: snapshot, StateVector: vec}
	for {
		select {
		case c.resync <- msg:
			return
		default:
		}
		select {
		case <-c.resync:
		default:
		}
	}
}

func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *Conn) sendError(err error) {
	c.enqueue(ServerMessage{Type: MsgError, Code: errorCode(err), Content: err.Error()})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error (user=%d): %v", c.userID, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case MsgJoin:
			c.handleJoin(ctx, msg)
		case MsgFragment:
			c.handleFragment(ctx, msg)
		case MsgAwareness:
			c.handleAwareness(ctx, msg)
		case MsgLeave:
			c.handleLeave(ctx)
		default:
			c.enqueue(ServerMessage{Type: MsgError, Code: "UNKNOWN_TYPE", Content: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" || msg.ClientID == "" {
		c.enqueue(ServerMessage{Type: MsgError, Code: "BAD_JOIN", Content: "join requires docId and clientId"})
		return
	}
	vector, err := crdt.DecodeVector(msg.StateVector)
	if err != nil {
		c.enqueue(ServerMessage{Type: MsgError, Code: "BAD_JOIN", Content: "unreadable state vector"})
		return
	}
	requested := room.ParsePermission(msg.Mode)
	if msg.Mode == "" {
		requested = room.PermissionWrite
	}

	// Detach the old session before the new join: if the join fails the
	// connection must be cleanly unjoined, not pointing at a left session.
	c.mu.Lock()
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()
	if prev != nil {
		c.broker.Leave(ctx, prev)
	}

	sess := &room.Session{
		ID:       uuid.NewString(),
		UserID:   c.userID,
		Username: c.username,
		ClientID: msg.ClientID,
		DocID:    msg.DocID,
		Peer:     c,
	}
	res, err := c.broker.Join(ctx, sess, requested, vector)
	if err != nil {
		c.sendError(err)
		return
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	vec, err := res.Vector.Encode()
	if err != nil {
		log.Printf("encode sync vector (doc=%s): %v", msg.DocID, err)
		return
	}
	c.enqueue(ServerMessage{
		Type:        MsgSync,
		DocID:       msg.DocID,
		Snapshot:    res.Snapshot,
		Fragment:    res.Diff,
		StateVector: vec,
		Permission:  res.Permission.String(),
		Awareness:   res.Awareness,
	})
}

func (c *Conn) handleFragment(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		c.sendError(room.ErrNotJoined)
		return
	}
	if msg.Fragment.Empty() {
		return
	}
	if err := c.broker.Submit(ctx, sess, msg.Fragment); err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(ServerMessage{Type: MsgAck, DocID: sess.DocID})
}

func (c *Conn) handleAwareness(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		c.sendError(room.ErrNotJoined)
		return
	}
	state := awareness.State{Name: c.username}
	if msg.Awareness != nil {
		state = *msg.Awareness
	}
	if err := c.broker.Heartbeat(ctx, sess, state); err != nil {
		c.sendError(err)
	}
}

func (c *Conn) handleLeave(ctx context.Context) {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		c.broker.Leave(ctx, sess)
	}
	c.enqueue(ServerMessage{Type: MsgAck})
}

func (c *Conn) writeLoop() {
	defer c.close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.resync:
			if !c.write(msg) {
				return
			}
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(msg ServerMessage) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Printf("write error (user=%d): %v", c.userID, err)
		return false
	}
	return true
}

// close tears the connection down once: leaves the room, stops both loops
// and closes the socket. Either loop exiting triggers it, so a write failure
// cannot leave the read side blocked on a full send queue, and vice versa.
func (c *Conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		sess := c.sess
		c.sess = nil
		c.mu.Unlock()
		if sess != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.broker.Leave(ctx, sess)
			cancel()
		}
		close(c.done)
		c.ws.Close()
	})
}

// errorCode maps broker sentinels onto wire codes. The sentinel messages are
// already SCREAMING_SNAKE codes, so any matched sentinel is its own code.
func errorCode(err error) string {
	for _, sentinel := range []error{
		room.ErrAuthRejected,
		room.ErrPermissionDenied,
		room.ErrMalformedFragment,
		room.ErrSnapshotLoadFailed,
		room.ErrRoomFrozen,
		room.ErrNotJoined,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "INTERNAL"
}
