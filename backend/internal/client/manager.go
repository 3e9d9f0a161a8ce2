// Package client is the editor-facing half of the sync engine: a local-first
// replica plus the connection manager that keeps it converged with the
// server. Edits always apply locally first; the network only ever adds
// remote operations or carries local ones out.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabsync/backend/internal/awareness"
	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/ws"
)

// Status is the connection manager's externally visible state.
type Status int

const (
	StatusConnecting Status = iota
	StatusHandshaking
	StatusSynced
	// StatusDegraded means no live connection; edits still apply locally and
	// are carried over on the next handshake.
	StatusDegraded
	// StatusError is terminal: the server refused this client outright and
	// redialing with the same credentials cannot succeed. The local document
	// stays readable and editable.
	StatusError
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusSynced:
		return "synced"
	case StatusDegraded:
		return "degraded"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed is returned by Edit after Close.
var ErrClosed = errors.New("client closed")

type Options struct {
	DocID string
	// ClientID identifies this replica; defaults to a fresh uuid.
	ClientID string
	// Mode is the requested access, "read" or "write" (default).
	Mode string

	// BaseBackoff/MaxBackoff bound the reconnect delay (250ms..10s default).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnRemoteFragment fires after a remote update changed the document. A
	// nil fragment means the replica was refreshed from a full snapshot.
	OnRemoteFragment func(f *crdt.Fragment)
	// OnAwareness fires on every presence broadcast.
	OnAwareness func(entries []awareness.Entry)
	// OnStatus fires on every status transition.
	OnStatus func(s Status)
	// OnServerError fires for server-reported errors the manager does not
	// recover from by itself (permission denied, frozen room, ...), including
	// the AUTH_REJECTED that parks the manager in StatusError.
	OnServerError func(code, content string)
}

func (o *Options) fillDefaults() {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Mode == "" {
		o.Mode = "write"
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
}

// Manager drives one document replica against the server: dial, handshake,
// relay, reconnect. All exported methods are safe for concurrent use.
type Manager struct {
	dialer Dialer
	opts   Options

	mu     sync.Mutex
	doc    *crdt.Doc
	status Status
	tr     Transport
	perm   string
	closed bool
	fatal  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(dialer Dialer, opts Options) *Manager {
	opts.fillDefaults()
	return &Manager{
		dialer: dialer,
		opts:   opts,
		doc:    crdt.NewDoc(opts.ClientID),
		status: StatusDegraded,
		done:   make(chan struct{}),
	}
}

// Start launches the connect/handshake/relay loop in the background.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(ctx)
}

// Close stops the manager. The local document stays readable.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancel
	tr := m.tr
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}
	if cancel != nil {
		<-m.done
	}
}

// Edit applies a local mutation. It never blocks on the network: when
// synced the fragment is pushed immediately, otherwise it rides along in the
// catch-up diff of the next handshake.
func (m *Manager) Edit(mut crdt.Mutation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	frag, err := m.doc.Apply(mut)
	tr := m.tr
	synced := m.status == StatusSynced
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if synced && tr != nil {
		if err := tr.Send(ws.ClientMessage{Type: ws.MsgFragment, Fragment: frag}); err != nil {
			// The relay loop notices the broken transport; the edit is safe
			// in the local doc and covered by the reconnect diff.
			log.Printf("push fragment failed: %v", err)
		}
	}
	return nil
}

// SetAwareness publishes cursor/presence state. Dropped while offline;
// presence is ephemeral.
func (m *Manager) SetAwareness(state awareness.State) {
	m.mu.Lock()
	tr := m.tr
	synced := m.status == StatusSynced
	m.mu.Unlock()
	if !synced || tr == nil {
		return
	}
	if err := tr.Send(ws.ClientMessage{Type: ws.MsgAwareness, Awareness: &state}); err != nil {
		log.Printf("push awareness failed: %v", err)
	}
}

// Text returns the replica's current visible text.
func (m *Manager) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Text()
}

// StateVector returns a copy of the replica's state vector.
func (m *Manager) StateVector() crdt.Vector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.StateVector()
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Permission returns the access level granted at the last handshake.
func (m *Manager) Permission() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perm
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setStatus(StatusClosed)
			return
		}
		m.setStatus(StatusConnecting)
		tr, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(StatusClosed)
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				log.Printf("dial rejected: %v", err)
				if m.opts.OnServerError != nil {
					m.opts.OnServerError("AUTH_REJECTED", err.Error())
				}
				m.setStatus(StatusError)
				return
			}
			log.Printf("dial failed (attempt %d): %v", attempt, err)
			m.setStatus(StatusDegraded)
			if !m.wait(ctx, attempt) {
				m.setStatus(StatusClosed)
				return
			}
			attempt++
			continue
		}

		m.setStatus(StatusHandshaking)
		synced, err := m.session(ctx, tr)
		m.detach(tr)
		tr.Close()
		if ctx.Err() != nil {
			m.setStatus(StatusClosed)
			return
		}
		if err != nil {
			log.Printf("connection lost: %v", err)
		}
		if m.isFatal() {
			m.setStatus(StatusError)
			return
		}
		if synced {
			attempt = 0
		}
		m.setStatus(StatusDegraded)
		if !m.wait(ctx, attempt) {
			m.setStatus(StatusClosed)
			return
		}
		attempt++
	}
}

// session runs one connection: join, then relay until the transport dies.
// Reports whether the handshake completed at least once.
func (m *Manager) session(ctx context.Context, tr Transport) (bool, error) {
	if err := m.sendJoin(tr, false); err != nil {
		return false, err
	}
	synced := false
	for {
		msg, err := tr.Receive()
		if err != nil {
			return synced, err
		}
		if msg.Type == ws.MsgSync {
			synced = true
		}
		m.handle(tr, msg)
	}
}

// sendJoin asks for the document. fresh forces an empty state vector, i.e. a
// full snapshot, used to recover after the server rejected a fragment.
func (m *Manager) sendJoin(tr Transport, fresh bool) error {
	var vec json.RawMessage
	if !fresh {
		m.mu.Lock()
		v, err := m.doc.StateVector().Encode()
		m.mu.Unlock()
		if err != nil {
			return err
		}
		vec = v
	}
	return tr.Send(ws.ClientMessage{
		Type:        ws.MsgJoin,
		DocID:       m.opts.DocID,
		ClientID:    m.opts.ClientID,
		Mode:        m.opts.Mode,
		StateVector: vec,
	})
}

func (m *Manager) handle(tr Transport, msg ws.ServerMessage) {
	switch msg.Type {
	case ws.MsgSync:
		m.handleSync(tr, msg)
	case ws.MsgResync:
		m.handleResync(tr, msg)
	case ws.MsgFragment:
		m.handleFragment(msg)
	case ws.MsgAwareness:
		if m.opts.OnAwareness != nil {
			m.opts.OnAwareness(msg.Awareness)
		}
	case ws.MsgAck:
	case ws.MsgError:
		m.handleError(tr, msg)
	}
}

// handleSync folds the server's snapshot or diff into the local doc, then
// pushes everything the server is missing (the offline edits) in one diff.
func (m *Manager) handleSync(tr Transport, msg ws.ServerMessage) {
	serverVec, err := crdt.DecodeVector(msg.StateVector)
	if err != nil {
		log.Printf("sync: bad server vector: %v", err)
		return
	}
	m.mu.Lock()
	if msg.Snapshot != nil {
		if _, err := m.doc.MergeSnapshot(msg.Snapshot); err != nil {
			m.mu.Unlock()
			log.Printf("sync: merge snapshot: %v", err)
			return
		}
	} else if !msg.Fragment.Empty() {
		if _, err := m.doc.Merge(msg.Fragment); err != nil {
			m.mu.Unlock()
			log.Printf("sync: merge diff: %v", err)
			return
		}
	}
	diff := m.doc.DiffSince(serverVec)
	m.perm = msg.Permission
	m.status = StatusSynced
	m.tr = tr
	m.mu.Unlock()

	if m.opts.OnStatus != nil {
		m.opts.OnStatus(StatusSynced)
	}
	if m.opts.OnAwareness != nil && len(msg.Awareness) > 0 {
		m.opts.OnAwareness(msg.Awareness)
	}
	if !diff.Empty() {
		if err := tr.Send(ws.ClientMessage{Type: ws.MsgFragment, Fragment: diff}); err != nil {
			log.Printf("push catch-up diff failed: %v", err)
		}
	}
}

func (m *Manager) handleResync(tr Transport, msg ws.ServerMessage) {
	serverVec, err := crdt.DecodeVector(msg.StateVector)
	if err != nil {
		log.Printf("resync: bad server vector: %v", err)
		return
	}
	m.mu.Lock()
	changed, err := m.doc.MergeSnapshot(msg.Snapshot)
	var diff *crdt.Fragment
	if err == nil {
		diff = m.doc.DiffSince(serverVec)
	}
	m.mu.Unlock()
	if err != nil {
		log.Printf("resync: merge snapshot: %v", err)
		return
	}
	if changed && m.opts.OnRemoteFragment != nil {
		m.opts.OnRemoteFragment(nil)
	}
	if !diff.Empty() {
		if err := tr.Send(ws.ClientMessage{Type: ws.MsgFragment, Fragment: diff}); err != nil {
			log.Printf("push resync diff failed: %v", err)
		}
	}
}

func (m *Manager) handleFragment(msg ws.ServerMessage) {
	if msg.Fragment.Empty() {
		return
	}
	m.mu.Lock()
	changed, err := m.doc.Merge(msg.Fragment)
	m.mu.Unlock()
	if err != nil {
		log.Printf("merge remote fragment: %v", err)
		return
	}
	if changed && m.opts.OnRemoteFragment != nil {
		m.opts.OnRemoteFragment(msg.Fragment)
	}
}

func (m *Manager) handleError(tr Transport, msg ws.ServerMessage) {
	switch msg.Code {
	case "MALFORMED_FRAGMENT":
		// Local and server state disagree about what we sent; start over
		// from a full snapshot. Local edits survive the merge.
		if err := m.sendJoin(tr, true); err != nil {
			log.Printf("recovery join failed: %v", err)
		}
	case "AUTH_REJECTED":
		// Retrying with the same credentials cannot help; end the session
		// and let the run loop park in the terminal error state.
		m.mu.Lock()
		m.fatal = true
		m.mu.Unlock()
		if m.opts.OnServerError != nil {
			m.opts.OnServerError(msg.Code, msg.Content)
		}
		tr.Close()
	default:
		if m.opts.OnServerError != nil {
			m.opts.OnServerError(msg.Code, msg.Content)
		}
	}
}

// detach clears the transport so Edit stops pushing into a dead connection.
func (m *Manager) detach(tr Transport) {
	m.mu.Lock()
	if m.tr == tr {
		m.tr = nil
	}
	m.mu.Unlock()
}

func (m *Manager) isFatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s || m.status == StatusClosed || m.status == StatusError {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(s)
	}
}

// wait sleeps the backoff for the given attempt; false means ctx ended.
// Exponential with full jitter on the upper half, so a herd of clients does
// not reconnect in lockstep.
func (m *Manager) wait(ctx context.Context, attempt int) bool {
	d := m.opts.BaseBackoff
	for i := 0; i < attempt && d < m.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > m.opts.MaxBackoff {
		d = m.opts.MaxBackoff
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
