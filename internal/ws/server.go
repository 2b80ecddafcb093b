package ws

import (
	"log"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
)

var (
	// Server is the global Socket.IO server instance
	Server *socketio.Server
)

// InitServer initializes the Socket.IO server
func InitServer() error {
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool {
					return true
				},
			},
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool {
					return true
				},
			},
		},
	})

	server.OnConnect("/", func(s socketio.Conn) error {
		// The handshake middleware already authenticated this client
		log.Printf("[WebSocket] Client connected: %s", s.ID())
		s.Emit("connected", map[string]interface{}{
			"ok": true,
		})
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("[WebSocket] Client disconnected: %s, reason: %s", s.ID(), reason)
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Printf("[WebSocket] Error for client %s: %v", s.ID(), e)
	})

	server.OnEvent("/", "request:workflows", handleRequestWorkflows)

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("[WebSocket] Server error: %v", err)
		}
	}()

	Server = server
	log.Println("[WebSocket] Socket.IO server initialized")
	return nil
}

// BroadcastToAll broadcasts a message to all connected clients
func BroadcastToAll(event string, data interface{}) {
	if Server != nil {
		Server.BroadcastToNamespace("/", event, data)
	}
}
