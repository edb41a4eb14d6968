// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"sort"
	"sync"
)

// MemoryDatabase is a single-process store with the same conditional semantics as
// DynamoDBDatabase. It backs offline mode and tests.
type MemoryDatabase struct {
	mu       sync.Mutex
	rooms    map[string]Room
	logs     map[string]GameLog
	bans     map[string]Ban
	counters map[string]memoryCounter
	csvPath  string

	// nextSweep is the earliest time writes will sweep expired items again.
	nextSweep int64
}

const (
	// sweepPeriod is the minimum time between sweeps in seconds.
	sweepPeriod = 60
	// roomGrace keeps expired rooms around a little longer, so a match's final messages
	// still find its room.
	roomGrace = 60
)

type memoryCounter struct {
	count     int
	expiresAt int64
}

// NewMemoryDatabase creates an empty store. If csvPath is not empty, game logs are
// also appended to it.
func NewMemoryDatabase(csvPath string) *MemoryDatabase {
	return &MemoryDatabase{
		rooms:    make(map[string]Room),
		logs:     make(map[string]GameLog),
		bans:     make(map[string]Ban),
		counters: make(map[string]memoryCounter),
		csvPath:  csvPath,
	}
}

func (mem *MemoryDatabase) GetRoom(_ context.Context, code string, now int64) (Room, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	room, ok := mem.rooms[code]
	if !ok || room.Expired(now) {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (mem *MemoryDatabase) CountRoomsByCreator(_ context.Context, addr string, now int64) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	count := 0
	for _, room := range mem.rooms {
		if room.CreatorAddr == addr && !room.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (mem *MemoryDatabase) CreateRoom(_ context.Context, room Room, now int64) (Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.sweep(now)

	if existing, ok := mem.rooms[room.Code]; ok && !existing.Expired(now) {
		return PreconditionFailed, nil
	}
	mem.rooms[room.Code] = room
	return Applied, nil
}

func (mem *MemoryDatabase) ClaimFirstSlot(_ context.Context, code, conn, addr string, expiresAt, now int64) (Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.sweep(now)

	room, ok := mem.rooms[code]
	if !ok || room.Expired(now) || room.Status != StatusWaiting || room.P1Conn != "" || room.P2Conn == conn {
		return PreconditionFailed, nil
	}
	room.P1Conn = conn
	if addr != "" {
		room.P1Addr = addr
	}
	room.ExpiresAt = expiresAt
	mem.rooms[code] = room
	return Applied, nil
}

func (mem *MemoryDatabase) ClaimSecondSlot(_ context.Context, code string, pairing Pairing, now int64) (Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.sweep(now)

	room, ok := mem.rooms[code]
	if !ok || room.Expired(now) || room.Status != StatusWaiting || room.P1Conn == "" || room.P1Conn != pairing.P1Conn ||
		room.P2Conn != "" || room.P1Conn == pairing.Conn {
		return PreconditionFailed, nil
	}
	room.P2Conn = pairing.Conn
	if pairing.Addr != "" {
		room.P2Addr = pairing.Addr
	}
	room.Status = StatusPlaying
	room.Seed = pairing.Seed
	room.HitCount = 0
	room.P1HP = pairing.HP
	room.P2HP = pairing.HP
	room.StartedAt = pairing.StartedAt
	room.ExpiresAt = pairing.ExpiresAt
	mem.rooms[code] = room
	return Applied, nil
}

func (mem *MemoryDatabase) ApplyHit(_ context.Context, code string, hit Hit) (Room, Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	room, ok := mem.rooms[code]
	if !ok || room.Status != StatusPlaying || room.Seed != hit.Seed || room.HitCount != hit.ExpectedHitCount {
		return Room{}, PreconditionFailed, nil
	}
	room.HitCount++
	if hit.TargetP1 {
		room.P1HP -= hit.Damage
	} else {
		room.P2HP -= hit.Damage
	}
	mem.rooms[code] = room
	return room, Applied, nil
}

func (mem *MemoryDatabase) ResetRoom(_ context.Context, code string, seed uint32, expiresAt int64) (Room, Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	old, ok := mem.rooms[code]
	if !ok || old.Status != StatusPlaying || old.Seed != seed {
		return Room{}, PreconditionFailed, nil
	}
	room := old
	room.Status = StatusWaiting
	room.Seed = 0
	room.HitCount = 0
	room.P1Conn = ""
	room.P2Conn = ""
	room.ExpiresAt = expiresAt
	mem.rooms[code] = room
	return old, Applied, nil
}

func (mem *MemoryDatabase) DeleteRoom(_ context.Context, code string) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	delete(mem.rooms, code)
	return nil
}

func (mem *MemoryDatabase) DeleteRoomIfOccupant(_ context.Context, code, conn string) (Room, Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	room, ok := mem.rooms[code]
	if !ok || !room.Occupies(conn) {
		return Room{}, PreconditionFailed, nil
	}
	delete(mem.rooms, code)
	return room, Applied, nil
}

// RoomsByConnection returns key-only projections, like the DynamoDB indexes do.
func (mem *MemoryDatabase) RoomsByConnection(_ context.Context, conn string) ([]Room, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	var rooms []Room
	for _, room := range mem.sortedRooms() {
		switch conn {
		case room.P1Conn:
			rooms = append(rooms, Room{Code: room.Code, P1Conn: conn})
		case room.P2Conn:
			rooms = append(rooms, Room{Code: room.Code, P2Conn: conn})
		}
	}
	return rooms, nil
}

func (mem *MemoryDatabase) ScanRoomsByConnection(_ context.Context, conn string) ([]Room, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	var rooms []Room
	for _, room := range mem.sortedRooms() {
		if room.Occupies(conn) {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// sortedRooms must be called with mu held.
func (mem *MemoryDatabase) sortedRooms() []Room {
	rooms := make([]Room, 0, len(mem.rooms))
	for _, room := range mem.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Code < rooms[j].Code
	})
	return rooms
}

func (mem *MemoryDatabase) PutGameLog(_ context.Context, entry GameLog) (Result, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	key := entry.DateKey + "#" + entry.MatchID
	if _, ok := mem.logs[key]; ok {
		return PreconditionFailed, nil
	}
	mem.logs[key] = entry

	if mem.csvPath != "" {
		if err := appendGameLog(mem.csvPath, entry); err != nil {
			return Applied, err
		}
	}
	return Applied, nil
}

// GameLogs returns a copy of every stored game log, ordered by end time.
func (mem *MemoryDatabase) GameLogs() []GameLog {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	logs := make([]GameLog, 0, len(mem.logs))
	for _, entry := range mem.logs {
		logs = append(logs, entry)
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].EndedAt < logs[j].EndedAt
	})
	return logs
}

// Rooms returns a copy of every stored room, including expired ones.
func (mem *MemoryDatabase) Rooms() []Room {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	return mem.sortedRooms()
}

func (mem *MemoryDatabase) GetBan(_ context.Context, addr string) (Ban, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	ban, ok := mem.bans[addr]
	if !ok {
		return Ban{}, ErrNotFound
	}
	return ban, nil
}

func (mem *MemoryDatabase) PutBan(_ context.Context, ban Ban) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	mem.bans[ban.Address] = ban
	return nil
}

func (mem *MemoryDatabase) IncrementCounter(_ context.Context, counter Counter, by int, expiresAt int64) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.sweep(counter.Minute * 60)

	key := counter.Key()
	c, ok := mem.counters[key]
	if !ok {
		c.expiresAt = expiresAt
	}
	c.count += by
	mem.counters[key] = c
	return c.count, nil
}

// Len returns the number of stored rooms, bans and counters, expired or not.
func (mem *MemoryDatabase) Len() (rooms, bans, counters int) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	return len(mem.rooms), len(mem.bans), len(mem.counters)
}

// sweep physically removes expired items, at most once per sweepPeriod. Must be called
// with mu held.
func (mem *MemoryDatabase) sweep(now int64) {
	if now < mem.nextSweep {
		return
	}
	mem.nextSweep = now + sweepPeriod

	for code, room := range mem.rooms {
		if room.Expired(now - roomGrace) {
			delete(mem.rooms, code)
		}
	}
	for addr, ban := range mem.bans {
		if !ban.Active(now) {
			delete(mem.bans, addr)
		}
	}
	for key, c := range mem.counters {
		if c.expiresAt <= now {
			delete(mem.counters, key)
		}
	}
}
