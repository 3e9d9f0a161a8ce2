package ws

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/room"
)

// upgrader allows local development origins plus whatever extra origins the
// manager is configured with.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Manager upgrades authenticated HTTP requests into sync connections.
type Manager struct {
	broker         *room.Broker
	allowedOrigins []string
}

func NewManager(broker *room.Broker, allowedOrigins []string) *Manager {
	return &Manager{broker: broker, allowedOrigins: allowedOrigins}
}

func (m *Manager) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		// Non-browser clients and some embedded webviews send no Origin.
		return true
	}
	prefixes := append([]string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}, m.allowedOrigins...)
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect is the gin handler for /collab/ws. Authentication already
// ran in middleware; userId and username sit in the gin context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	up := upgrader
	up.CheckOrigin = m.originAllowed
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.broker, userID, username)
	go wsConn.writeLoop()
	wsConn.readLoop(c.Request.Context())
}
