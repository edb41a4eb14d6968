// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"github.com/flopfight/relay/server/combat"
	jsoniter "github.com/json-iterator/go"
)

// Outbound is a message pushed to a connection.
type Outbound interface {
	outbound()
}

type ErrorCode string

const (
	InvalidRoom ErrorCode = "INVALID_ROOM"
	RoomFull    ErrorCode = "ROOM_FULL"
	RoomLimit   ErrorCode = "ROOM_LIMIT"
)

var errorMessages = map[ErrorCode]string{
	InvalidRoom: "room codes are 6 letters or digits",
	RoomFull:    "this room is full",
	RoomLimit:   "too many rooms created, try again in a few minutes",
}

type (
	Waiting struct {
		Room string `json:"room"`
	}

	Start struct {
		Seed uint32      `json:"seed"`
		You  combat.Side `json:"you"`
		// TTL is the match length in seconds.
		TTL int64 `json:"ttl"`
	}

	Error struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}

	// State is a client's physics snapshot. Only the known fields are kept and each is
	// relayed with the bytes the client sent, so absent fields stay absent.
	State struct {
		X         jsoniter.RawMessage `json:"x,omitempty"`
		Y         jsoniter.RawMessage `json:"y,omitempty"`
		VX        jsoniter.RawMessage `json:"vx,omitempty"`
		VY        jsoniter.RawMessage `json:"vy,omitempty"`
		Attack    jsoniter.RawMessage `json:"atk,omitempty"`
		AttackT   jsoniter.RawMessage `json:"atkT,omitempty"`
		Attacking jsoniter.RawMessage `json:"isAtk,omitempty"`
		Cooldown  jsoniter.RawMessage `json:"atkCd,omitempty"`
		SlideT    jsoniter.RawMessage `json:"slideT,omitempty"`
		HP        jsoniter.RawMessage `json:"hp,omitempty"`
		Frame     jsoniter.RawMessage `json:"f,omitempty"`
		Grounded  jsoniter.RawMessage `json:"gr,omitempty"`
		Facing    jsoniter.RawMessage `json:"face,omitempty"`
	}

	// Input is a client's controls for one frame, relayed as is.
	Input struct {
		Frame  int  `json:"frame"`
		Left   bool `json:"left"`
		Right  bool `json:"right"`
		Up     bool `json:"up"`
		Attack bool `json:"atk"`
	}

	Damage struct {
		Target    combat.Side `json:"target"`
		Damage    float32     `json:"dmg"`
		HitNum    int         `json:"hitNum"`
		Countered bool        `json:"countered"`
	}

	End struct {
		Winner Winner `json:"winner"`
		Timeup bool   `json:"timeup,omitempty"`
	}

	OpponentDisconnected struct{}
)

func (Waiting) outbound()              {}
func (Start) outbound()                {}
func (Error) outbound()                {}
func (State) outbound()                {}
func (Input) outbound()                {}
func (Damage) outbound()               {}
func (End) outbound()                  {}
func (OpponentDisconnected) outbound() {}

func newError(code ErrorCode) Error {
	return Error{Code: code, Message: errorMessages[code]}
}

type Winner string

const (
	WinnerP1   = Winner(combat.P1)
	WinnerP2   = Winner(combat.P2)
	WinnerDraw = Winner("draw")
)

// ParseWinner accepts p1 or p2 and maps anything else to a draw.
func ParseWinner(s string) Winner {
	switch Winner(s) {
	case WinnerP1, WinnerP2:
		return Winner(s)
	}
	return WinnerDraw
}
