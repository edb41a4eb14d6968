// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"errors"
)

// ErrNotFound is returned for items that are absent or logically expired.
var ErrNotFound = errors.New("not found")

// Result is the outcome of a conditional write. A failed precondition is an expected
// race, not an error.
type Result int

const (
	Applied Result = iota
	PreconditionFailed
)

func (result Result) String() string {
	if result == Applied {
		return "applied"
	}
	return "precondition failed"
}

// RoomStore holds rooms. Every transition is conditional; now is unix seconds and
// rooms with ttl <= now never satisfy a precondition.
type RoomStore interface {
	GetRoom(ctx context.Context, code string, now int64) (Room, error)
	CountRoomsByCreator(ctx context.Context, addr string, now int64) (int, error)
	CreateRoom(ctx context.Context, room Room, now int64) (Result, error)
	ClaimFirstSlot(ctx context.Context, code, conn, addr string, expiresAt, now int64) (Result, error)
	ClaimSecondSlot(ctx context.Context, code string, pairing Pairing, now int64) (Result, error)
	// ApplyHit returns the room after the hit was applied.
	ApplyHit(ctx context.Context, code string, hit Hit) (Room, Result, error)
	// ResetRoom ends the match identified by seed and returns the room as it was before.
	ResetRoom(ctx context.Context, code string, seed uint32, expiresAt int64) (Room, Result, error)
	DeleteRoom(ctx context.Context, code string) error
	// DeleteRoomIfOccupant deletes the room only if conn holds a slot and returns the deleted room.
	DeleteRoomIfOccupant(ctx context.Context, code, conn string) (Room, Result, error)
	// RoomsByConnection uses secondary indexes and may return projected (partial) rooms.
	RoomsByConnection(ctx context.Context, conn string) ([]Room, error)
	ScanRoomsByConnection(ctx context.Context, conn string) ([]Room, error)
}

type GameLogStore interface {
	// PutGameLog is write-once per match id.
	PutGameLog(ctx context.Context, entry GameLog) (Result, error)
}

type ThrottleStore interface {
	GetBan(ctx context.Context, addr string) (Ban, error)
	PutBan(ctx context.Context, ban Ban) error
	// IncrementCounter adds by to the counter, creating it with expiresAt if absent,
	// and returns the new count.
	IncrementCounter(ctx context.Context, counter Counter, by int, expiresAt int64) (int, error)
}
