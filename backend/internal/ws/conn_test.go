package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/room"
)

type nopGateway struct{}

func (nopGateway) LoadSnapshot(ctx context.Context, docID string) ([]byte, uint64, error) {
	return nil, 0, nil
}

func (nopGateway) SaveSnapshot(ctx context.Context, docID string, rev uint64, blob []byte) error {
	return nil
}

func testServer(t *testing.T) (*httptest.Server, *room.Broker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	broker := room.NewBroker(nopGateway{}, nil, nil, nil, testOptions())
	m := NewManager(broker, nil)
	r := gin.New()
	r.GET("/collab/ws", func(c *gin.Context) {
		// Stand-in for the auth middleware.
		c.Set("userId", uint64(1))
		c.Set("username", "tester")
		m.WebSocketConnect(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, broker
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

// readUntil skips droppable traffic (awareness, acks) until a message of the
// wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == wantType {
			return msg
		}
		if msg.Type == MsgError {
			t.Fatalf("got error %s (%s) while waiting for %q", msg.Code, msg.Content, wantType)
		}
	}
	t.Fatalf("no %q message before deadline", wantType)
	return ServerMessage{}
}

func join(t *testing.T, conn *websocket.Conn, docID, clientID string) ServerMessage {
	t.Helper()
	err := conn.WriteJSON(ClientMessage{Type: MsgJoin, DocID: docID, ClientID: clientID, Mode: "write"})
	if err != nil {
		t.Fatalf("WriteJSON join: %v", err)
	}
	return readUntil(t, conn, MsgSync)
}

func TestConnect_JoinReturnsSync(t *testing.T) {
	srv, _ := testServer(t)
	conn := dial(t, srv)

	sync := join(t, conn, "doc-1", "c1")
	if sync.DocID != "doc-1" {
		t.Fatalf("sync docId = %q, want %q", sync.DocID, "doc-1")
	}
	if sync.Permission != "write" {
		t.Fatalf("sync permission = %q, want %q", sync.Permission, "write")
	}
	if sync.Snapshot == nil {
		t.Fatalf("sync snapshot missing for fresh client")
	}
	if len(sync.StateVector) == 0 {
		t.Fatalf("sync state vector missing")
	}
}

func TestConnect_FragmentBeforeJoinRejected(t *testing.T) {
	srv, _ := testServer(t)
	conn := dial(t, srv)

	d := crdt.NewDoc("c1")
	frag, err := d.Apply(crdt.Mutation{Pos: 0, Insert: "x"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := conn.WriteJSON(ClientMessage{Type: MsgFragment, Fragment: frag}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MsgError || msg.Code != "NOT_JOINED" {
		t.Fatalf("got %s/%s, want error/NOT_JOINED", msg.Type, msg.Code)
	}
}

func TestConnect_FragmentFansOutToOtherConnection(t *testing.T) {
	srv, _ := testServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	join(t, connA, "doc-1", "c-alice")
	join(t, connB, "doc-1", "c-bob")

	aliceDoc := crdt.NewDoc("c-alice")
	frag, err := aliceDoc.Apply(crdt.Mutation{Pos: 0, Insert: "hi"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := connA.WriteJSON(ClientMessage{Type: MsgFragment, Fragment: frag}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	if msg := readUntil(t, connA, MsgAck); msg.DocID != "doc-1" {
		t.Fatalf("ack docId = %q, want doc-1", msg.DocID)
	}

	got := readUntil(t, connB, MsgFragment)
	if got.Fragment.Empty() {
		t.Fatalf("broadcast fragment is empty")
	}
	bobDoc := crdt.NewDoc("c-bob")
	if _, err := bobDoc.Merge(got.Fragment); err != nil {
		t.Fatalf("Merge broadcast: %v", err)
	}
	if text := bobDoc.Text(); text != "hi" {
		t.Fatalf("bob text = %q, want %q", text, "hi")
	}
}

func TestConnect_MalformedFragmentGetsCodedError(t *testing.T) {
	srv, _ := testServer(t)
	conn := dial(t, srv)
	join(t, conn, "doc-1", "c1")

	bad := &crdt.Fragment{Client: "c1", Ops: []crdt.Op{{Kind: "mystery", ID: crdt.ItemID{Client: "c1", Seq: 1}}}}
	if err := conn.WriteJSON(ClientMessage{Type: MsgFragment, Fragment: bad}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MsgError || msg.Code != "MALFORMED_FRAGMENT" {
		t.Fatalf("got %s/%s, want error/MALFORMED_FRAGMENT", msg.Type, msg.Code)
	}
}

// rawPair upgrades a single websocket and hands both ends to the test, so a
// Conn can be driven directly without going through the manager.
func rawPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	serverSide := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	r := gin.New()
	r.GET("/raw", func(c *gin.Context) {
		conn, err := up.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/raw"
	clientConn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { clientConn.Close() })
	select {
	case serverConn := <-serverSide:
		t.Cleanup(func() { serverConn.Close() })
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatalf("server side never upgraded")
		return nil, nil
	}
}

func testOptions() room.Options {
	return room.Options{
		GracePeriod:        time.Hour,
		CheckpointInterval: time.Hour,
		AwarenessTTL:       time.Hour,
	}
}

func TestConn_WriteFailureShutsConnDown(t *testing.T) {
	broker := room.NewBroker(nopGateway{}, nil, nil, nil, testOptions())
	serverWS, clientWS := rawPair(t)
	conn := NewConn(serverWS, broker, 1, "tester")
	go conn.writeLoop()

	// The peer vanishes without a close handshake.
	clientWS.Close()

	// Producers must not wedge once writes start failing: the send queue
	// would fill and every enqueue after it would block forever.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			conn.enqueue(ServerMessage{Type: MsgAck})
			select {
			case <-conn.done:
				return
			default:
			}
		}
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("conn kept accepting work after its peer went away")
	}
}

// docACL grants write on a single document and nothing anywhere else.
type docACL struct{ allowed string }

func (a docACL) Permission(ctx context.Context, docID string, userID uint64) (room.Permission, error) {
	if docID == a.allowed {
		return room.PermissionWrite, nil
	}
	return room.PermissionNone, nil
}

func TestConn_FailedRejoinClearsSession(t *testing.T) {
	broker := room.NewBroker(nopGateway{}, docACL{allowed: "doc-1"}, nil, nil, testOptions())
	serverWS, clientWS := rawPair(t)
	conn := NewConn(serverWS, broker, 1, "tester")
	go conn.writeLoop()
	go conn.readLoop(context.Background())

	if err := clientWS.WriteJSON(ClientMessage{Type: MsgJoin, DocID: "doc-1", ClientID: "c1", Mode: "write"}); err != nil {
		t.Fatalf("WriteJSON join: %v", err)
	}
	readUntil(t, clientWS, MsgSync)

	if err := clientWS.WriteJSON(ClientMessage{Type: MsgJoin, DocID: "doc-2", ClientID: "c1", Mode: "write"}); err != nil {
		t.Fatalf("WriteJSON join: %v", err)
	}
	msg := readMessage(t, clientWS)
	if msg.Type != MsgError || msg.Code != "PERMISSION_DENIED" {
		t.Fatalf("got %s/%s, want error/PERMISSION_DENIED", msg.Type, msg.Code)
	}

	conn.mu.Lock()
	stale := conn.sess
	conn.mu.Unlock()
	if stale != nil {
		t.Fatalf("session still set after failed re-join: %+v", stale)
	}

	d := crdt.NewDoc("c1")
	frag, err := d.Apply(crdt.Mutation{Pos: 0, Insert: "x"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := clientWS.WriteJSON(ClientMessage{Type: MsgFragment, Fragment: frag}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg = readMessage(t, clientWS)
	if msg.Type != MsgError || msg.Code != "NOT_JOINED" {
		t.Fatalf("got %s/%s, want error/NOT_JOINED", msg.Type, msg.Code)
	}
}

func TestConnect_AwarenessReachesOtherConnection(t *testing.T) {
	srv, _ := testServer(t)
	connA := dial(t, srv)
	connB := dial(t, srv)
	join(t, connA, "doc-1", "c-alice")
	join(t, connB, "doc-1", "c-bob")

	err := connA.WriteJSON(ClientMessage{Type: MsgAwareness, Awareness: nil})
	if err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg := readUntil(t, connB, MsgAwareness)
	found := false
	for _, e := range msg.Awareness {
		if e.ClientID == "c-alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("awareness broadcast missing c-alice: %v", msg.Awareness)
	}
}
