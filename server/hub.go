// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flopfight/relay/server/metrics"
	"github.com/flopfight/relay/server/session"
	"github.com/flopfight/relay/server/throttle"
)

// disconnectTimeout bounds the cleanup of a closed connection's rooms.
const disconnectTimeout = 10 * time.Second

// RemotePusher reaches connections that are not held by this process.
type RemotePusher interface {
	session.Pusher
	Disconnect(ctx context.Context, conn string) error
}

type HubOptions struct {
	Cloud    Cloud
	Sessions *session.Manager
	Gate     *throttle.Gate
	// Remote is optional. Without it only local websocket clients can be reached.
	Remote RemotePusher
	// TrustProxy uses the first X-Forwarded-For address as the client address.
	TrustProxy bool
}

// Hub maintains the set of local clients and routes pushes to them. It holds no
// match state; that lives in the store.
type Hub struct {
	sessions   *session.Manager
	gate       *throttle.Gate
	remote     RemotePusher
	trustProxy bool

	// clients is only accessed by the hub goroutine.
	clients ClientList
	// sockets maps connection ids to clients for pushes from any goroutine.
	sockets sync.Map

	// Cloud (and things that are served atomically by HTTP)
	cloud      Cloud
	statusJSON atomic.Value

	// Inbound channels
	register   chan Client
	unregister chan Client

	cloudTicker *time.Ticker
}

func NewHub(options HubOptions) *Hub {
	c := options.Cloud
	if c == nil {
		c = Offline{}
	}
	return &Hub{
		sessions:    options.Sessions,
		gate:        options.Gate,
		remote:      options.Remote,
		trustProxy:  options.TrustProxy,
		cloud:       c,
		register:    make(chan Client, 64),
		unregister:  make(chan Client, 64),
		cloudTicker: time.NewTicker(c.UpdatePeriod()),
	}
}

// SetSessions is for wiring, since the session manager pushes through the hub.
func (h *Hub) SetSessions(sessions *session.Manager) {
	h.sessions = sessions
}

func (h *Hub) Run() {
	defer func() {
		if r := recover(); r != nil {
			panic(r)
		}
		println("That's it, I'm out -hub") // Don't waste time debugging hub exists
		os.Exit(1)
	}()

	h.Cloud()

	for {
		select {
		case client := <-h.register:
			h.clients.Add(client)
			h.sockets.Store(client.ID(), client)
			client.Data().Hub = h
			client.Init()
			metrics.Connections.Set(float64(h.clients.Len))
		case client := <-h.unregister:
			h.sockets.Delete(client.ID())
			client.Close()
			client.Data().Hub = nil
			h.clients.Remove(client)
			metrics.Connections.Set(float64(h.clients.Len))

			go h.disconnect(client.ID())
		case <-h.cloudTicker.C:
			h.Cloud()
		}
	}
}

// disconnect runs the room cleanup for a closed connection.
func (h *Hub) disconnect(conn string) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := h.sessions.OnDisconnect(ctx, conn); err != nil {
		log.Printf("disconnect %s: %v", conn, err)
	}
}

// Push implements session.Pusher over local clients first, then the remote pusher.
func (h *Hub) Push(ctx context.Context, conn string, message session.Outbound) (session.Delivery, error) {
	if value, ok := h.sockets.Load(conn); ok {
		if value.(Client).Send(message) {
			return session.Delivered, nil
		}
		return session.RecipientGone, nil
	}
	if h.remote != nil {
		return h.remote.Push(ctx, conn, message)
	}
	return session.RecipientGone, nil
}

// Clients returns the number of local clients.
func (h *Hub) Clients() int {
	n := 0
	h.sockets.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
