// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/flopfight/relay/server/metrics"
	"github.com/flopfight/relay/server/session"
	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 8) / 10

	// If more than this many messages are queued for sending, the
	// socket is congested and relayed messages may be dropped
	socketCongestionThreshold = 5

	// Allows ~1 second of state messages to backup before close
	socketBufferSize = 64

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	debugSocket = false
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: time.Second,
	ReadBufferSize:   maxMessageSize,
	WriteBufferSize:  2048,
}

// SocketClient is a middleman between the websocket connection and the hub.
type SocketClient struct {
	ClientData
	conn *websocket.Conn
	id   string
	addr string

	mu      sync.Mutex
	send    chan session.Outbound
	closed  bool
	counter int // counts up every send

	once sync.Once
}

// Create a SocketClient from a connection
func NewSocketClient(conn *websocket.Conn, addr string) *SocketClient {
	return &SocketClient{
		conn: conn,
		id:   uuid.Must(uuid.NewV4()).String(),
		addr: addr,
		send: make(chan session.Outbound, socketBufferSize),
	}
}

func (client *SocketClient) ID() string {
	return client.id
}

func (client *SocketClient) Addr() string {
	return client.addr
}

func (client *SocketClient) Close() {
	client.mu.Lock()
	defer client.mu.Unlock()

	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

func (client *SocketClient) Data() *ClientData {
	return &client.ClientData
}

func (client *SocketClient) Destroy() {
	client.once.Do(func() {
		hub := client.Hub

		// Needs to go through when called on hub goroutine.
		select {
		case hub.unregister <- client:
		default:
			go func() {
				hub.unregister <- client
			}()
		}

		_ = client.conn.Close()
	})
}

func (client *SocketClient) Init() {
	go client.writePump()
	go client.readPump(client.Hub)
}

func (client *SocketClient) Send(message session.Outbound) bool {
	client.mu.Lock()

	if client.closed {
		client.mu.Unlock()
		return false
	}

	// How many messages there are in excess of a reasonable amount
	congestion := len(client.send) - socketCongestionThreshold

	// The closer the buffer is to being full, the more relayed
	// messages we drop on the floor (to give the socket a chance
	// to catch up)
	client.counter++
	if congestion > 1 && client.counter%congestion != 0 && droppable(message) {
		client.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues("congestion").Inc()
		return true
	}

	select {
	case client.send <- message:
		client.mu.Unlock()
		return true
	default:
		client.mu.Unlock()
		// Not responsive
		if debugSocket {
			log.Println("SocketClient is not responsive")
		}
		client.Destroy()
		return false
	}
}

// droppable messages are superseded by the next one of the same kind.
func droppable(message session.Outbound) bool {
	switch message.(type) {
	case session.State, session.Input:
		return true
	}
	return false
}

func (client *SocketClient) readPump(hub *Hub) {
	defer client.Destroy()
	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, buf, err := client.conn.ReadMessage()
		if err != nil {
			if debugSocket {
				log.Println(err)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Println("close error:", err)
			}
			break
		}

		if !hub.gate.AllowMessage(context.Background(), client.addr) {
			metrics.MessagesDropped.WithLabelValues("rate").Inc()
			log.Println("closing rate limited connection from", client.addr)
			break
		}

		hub.receive(context.Background(), client.id, client.addr, buf)
	}
}

func (client *SocketClient) writePump() {
	pingTicker := time.NewTicker(pingPeriod)

	defer func() {
		if err := recover(); err != nil {
			if debugSocket {
				log.Println("send error:", err)
			}
		}
		pingTicker.Stop()
		client.Destroy()
	}()

	for {
		select {
		case out, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = client.conn.WriteMessage(websocket.CloseMessage, nil)
				panic("hub closed channel")
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				panic(err)
			}

			// Wrap with Message to marshal type
			if err = json.NewEncoder(w).Encode(Message{Data: out}); err != nil {
				panic(err)
			}

			if err = w.Close(); err != nil {
				panic(err)
			}
		case <-pingTicker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
