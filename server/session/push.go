// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"log"

	"github.com/flopfight/relay/server/metrics"
)

type Delivery int

const (
	Delivered Delivery = iota
	// RecipientGone means the connection is closed. It is an expected outcome.
	RecipientGone
)

func (delivery Delivery) String() string {
	if delivery == Delivered {
		return "delivered"
	}
	return "recipient gone"
}

// Pusher sends a message to one live connection.
type Pusher interface {
	Push(ctx context.Context, conn string, message Outbound) (Delivery, error)
}

// send pushes to conn, if any. Nothing is retried and no failure is returned to the caller.
func (m *Manager) send(ctx context.Context, conn string, message Outbound) {
	if conn == "" || m.pusher == nil {
		return
	}
	delivery, err := m.pusher.Push(ctx, conn, message)
	if err != nil {
		log.Printf("push %T to %s: %v", message, conn, err)
		return
	}
	if delivery == RecipientGone {
		metrics.RecipientsGone.Inc()
		log.Printf("stale connection %s", conn)
	}
}

// broadcast sends to both slots of room.
func (m *Manager) broadcast(ctx context.Context, p1, p2 string, message Outbound) {
	m.send(ctx, p1, message)
	m.send(ctx, p2, message)
}
