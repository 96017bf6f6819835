package devserver

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

//go:embed livereload.js
var clientScript []byte

const (
	protocolV7     = "http://livereload.com/protocols/official-7"
	writeTimeout   = 10 * time.Second
	clientSendSize = 8
)

type reloadMessage struct {
	Command   string   `json:"command"`
	Protocols []string `json:"protocols,omitempty"`
	// ServerName is only sent in the hello reply
	ServerName string `json:"serverName,omitempty"`
	Path       string `json:"path,omitempty"`
	LiveCSS    bool   `json:"liveCSS,omitempty"`
}

type reloadClient struct {
	conn *websocket.Conn
	send chan reloadMessage
}

// reloadHub tracks the connected browsers and fans reload messages out to them.
type reloadHub struct {
	upgrader websocket.Upgrader
	lock     sync.Mutex
	clients  map[*reloadClient]bool
	closed   bool
}

func newReloadHub() *reloadHub {
	return &reloadHub{
		upgrader: websocket.Upgrader{
			// the dev server is reached through all kinds of host names (VMs, LAN IPs, ...)
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*reloadClient]bool),
	}
}

// Count returns the number of connected clients.
func (h *reloadHub) Count() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Broadcast tells every client to reload path. Slow clients miss the message instead of blocking the others.
func (h *reloadHub) Broadcast(path string) {
	msg := reloadMessage{Command: "reload", Path: path, LiveCSS: true}

	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		h.deliverLocked(client, msg)
	}
}

func (h *reloadHub) deliverLocked(client *reloadClient, msg reloadMessage) {
	if !h.clients[client] {
		return
	}

	select {
	case client.send <- msg:
	default:
	}
}

// Close disconnects all clients. Connections arriving afterwards are dropped right away.
func (h *reloadHub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.closed = true
	for client := range h.clients {
		client.conn.Close()
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *reloadHub) remove(client *reloadClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		client.conn.Close()
		close(client.send)
	}
}

func (h *reloadHub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		Log(r.Context()).Warn().Err(err).Msg("livereload upgrade failed")
		return
	}

	client := &reloadClient{
		conn: conn,
		send: make(chan reloadMessage, clientSendSize),
	}

	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.lock.Unlock()

	Log(r.Context()).Debug().Msg("livereload client connected")
	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *reloadHub) readLoop(client *reloadClient) {
	defer h.remove(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg reloadMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		if msg.Command == "hello" {
			h.lock.Lock()
			h.deliverLocked(client, reloadMessage{
				Command:    "hello",
				Protocols:  []string{protocolV7},
				ServerName: "sitepipe",
			})
			h.lock.Unlock()
		}
	}
}

func (h *reloadHub) writeLoop(client *reloadClient) {
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := client.conn.WriteJSON(msg)
		if err != nil {
			h.remove(client)
			return
		}
	}
}
