// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"log"
	"strings"

	"github.com/flopfight/relay/server/combat"
	"github.com/flopfight/relay/server/metrics"
	"github.com/flopfight/relay/server/session"
)

// Make sure to register in init function
type (
	// Join creates, joins or rejoins a room.
	Join struct {
		Room string `json:"room"`
	}

	// State is relayed to the opponent.
	State struct {
		Room string `json:"room"`
		session.State
	}

	// Input is relayed to the opponent.
	Input struct {
		Room string `json:"room"`
		session.Input
	}

	// Hit reports that the sender's attack connected.
	Hit struct {
		Room       string            `json:"room"`
		AttackType combat.AttackType `json:"attackType"`
		Countered  bool              `json:"countered"`
	}

	// End reports the outcome of the match.
	End struct {
		Room   string `json:"room"`
		Winner string `json:"winner"`
		Timeup bool   `json:"timeup"`
	}

	// Cancel deletes a waiting room.
	Cancel struct {
		Room string `json:"room"`
	}

	// InvalidInbound means invalid message action from client (possibly out of date).
	// NOTE: Do not register, otherwise client could send action "invalidInbound"
	InvalidInbound struct {
		action messageType
	}
)

func init() {
	registerInbound(
		Join{},
		State{},
		Input{},
		Hit{},
		End{},
		Cancel{},
	)
}

// roomCode canonicalizes the code of an existing room. Malformed codes just won't be found.
func roomCode(room string) string {
	return strings.ToUpper(strings.TrimSpace(room))
}

func (data Join) Process(ctx context.Context, h *Hub, conn, addr string) error {
	return h.sessions.Join(ctx, conn, addr, data.Room)
}

func (data State) Process(ctx context.Context, h *Hub, conn, _ string) error {
	return h.sessions.Relay(ctx, roomCode(data.Room), conn, data.State)
}

func (data Input) Process(ctx context.Context, h *Hub, conn, _ string) error {
	return h.sessions.Relay(ctx, roomCode(data.Room), conn, data.Input)
}

func (data Hit) Process(ctx context.Context, h *Hub, conn, _ string) error {
	return h.sessions.ResolveCombat(ctx, roomCode(data.Room), conn, data.AttackType, data.Countered)
}

func (data End) Process(ctx context.Context, h *Hub, conn, _ string) error {
	return h.sessions.End(ctx, roomCode(data.Room), conn, session.ParseWinner(data.Winner), data.Timeup)
}

func (data Cancel) Process(ctx context.Context, h *Hub, conn, _ string) error {
	return h.sessions.Cancel(ctx, roomCode(data.Room), conn)
}

func (data InvalidInbound) Process(context.Context, *Hub, string, string) error {
	return nil
}

// receive decodes and processes one message from conn. Nothing here closes the connection.
func (h *Hub) receive(ctx context.Context, conn, addr string, buf []byte) {
	var message Message
	if err := json.Unmarshal(buf, &message); err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		log.Println("unmarshal error:", err.Error())
		return
	}

	if invalidMessage, ok := message.Data.(InvalidInbound); ok {
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		log.Println("invalid message action received:", invalidMessage.action)
		return
	}

	if h.sessions == nil {
		return
	}
	if err := message.Data.(inbound).Process(ctx, h, conn, addr); err != nil {
		log.Printf("%T from %s: %v", message.Data, conn, err)
	}
}
