// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNow = int64(1700000000)

func waitingRoom(code, p1 string) Room {
	return Room{
		Code:        code,
		Status:      StatusWaiting,
		P1Conn:      p1,
		CreatorAddr: "192.0.2.1",
		P1Addr:      "192.0.2.1",
		CreatedAt:   testNow,
		ExpiresAt:   testNow + 300,
	}
}

func pairing(p1, p2 string) Pairing {
	return Pairing{P1Conn: p1, Conn: p2, Addr: "192.0.2.2", Seed: 42, HP: 100, StartedAt: testNow, ExpiresAt: testNow + 600}
}

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDatabase("")

	result, err := mem.CreateRoom(ctx, waitingRoom("AB12CD", "a"), testNow)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)

	result, err = mem.CreateRoom(ctx, waitingRoom("AB12CD", "z"), testNow)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	// Pairing is guarded on the first slot and can't pair a connection with itself
	for _, p := range []Pairing{pairing("x", "b"), pairing("a", "a")} {
		result, err = mem.ClaimSecondSlot(ctx, "AB12CD", p, testNow)
		require.NoError(t, err)
		assert.Equal(t, PreconditionFailed, result)
	}

	result, err = mem.ClaimSecondSlot(ctx, "AB12CD", pairing("a", "b"), testNow)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)

	result, err = mem.ClaimSecondSlot(ctx, "AB12CD", pairing("a", "c"), testNow)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	room, err := mem.GetRoom(ctx, "AB12CD", testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaying, room.Status)
	assert.Equal(t, "b", room.P2Conn)
	assert.Equal(t, uint32(42), room.Seed)
	assert.Equal(t, float32(100), room.P2HP)

	// Stale hit count
	_, result, err = mem.ApplyHit(ctx, "AB12CD", Hit{Seed: 42, ExpectedHitCount: 1, Damage: 9})
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	room, result, err = mem.ApplyHit(ctx, "AB12CD", Hit{Seed: 42, ExpectedHitCount: 0, Damage: 9.5})
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
	assert.Equal(t, 1, room.HitCount)
	assert.Equal(t, float32(90.5), room.P2HP)
	assert.Equal(t, float32(100), room.P1HP)

	room, _, err = mem.ApplyHit(ctx, "AB12CD", Hit{Seed: 42, ExpectedHitCount: 1, TargetP1: true, Damage: 120})
	require.NoError(t, err)
	assert.Equal(t, float32(-20), room.P1HP)

	// Stale seed
	_, result, err = mem.ResetRoom(ctx, "AB12CD", 7, testNow+300)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	old, result, err := mem.ResetRoom(ctx, "AB12CD", 42, testNow+300)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
	assert.Equal(t, "a", old.P1Conn)
	assert.Equal(t, 2, old.HitCount)

	room, err = mem.GetRoom(ctx, "AB12CD", testNow)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status)
	assert.Zero(t, room.Seed)
	assert.Zero(t, room.HitCount)
	assert.Empty(t, room.P1Conn)
	assert.Empty(t, room.P2Conn)

	_, result, err = mem.ResetRoom(ctx, "AB12CD", 42, testNow+300)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	result, err = mem.ClaimFirstSlot(ctx, "AB12CD", "c", "192.0.2.3", testNow+300, testNow)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
	result, err = mem.ClaimFirstSlot(ctx, "AB12CD", "d", "192.0.2.4", testNow+300, testNow)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)
}

func TestRoomExpiry(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDatabase("")

	room := waitingRoom("EXP001", "a")
	room.ExpiresAt = testNow
	_, err := mem.CreateRoom(ctx, room, testNow-10)
	require.NoError(t, err)

	// ttl <= now is expired even though the item is still present
	_, err = mem.GetRoom(ctx, "EXP001", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, mem.Rooms(), 1)

	count, err := mem.CountRoomsByCreator(ctx, "192.0.2.1", testNow)
	require.NoError(t, err)
	assert.Zero(t, count)

	result, err := mem.ClaimSecondSlot(ctx, "EXP001", pairing("a", "b"), testNow)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	result, err = mem.CreateRoom(ctx, waitingRoom("EXP001", "z"), testNow)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
}

func TestDeleteRoomIfOccupant(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDatabase("")
	_, err := mem.CreateRoom(ctx, waitingRoom("DEL001", "a"), testNow)
	require.NoError(t, err)

	_, result, err := mem.DeleteRoomIfOccupant(ctx, "DEL001", "b")
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	_, result, err = mem.DeleteRoomIfOccupant(ctx, "DEL001", "")
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	room, result, err := mem.DeleteRoomIfOccupant(ctx, "DEL001", "a")
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
	assert.Equal(t, "DEL001", room.Code)
	assert.Empty(t, mem.Rooms())
}

func TestRoomsByConnection(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDatabase("")
	_, err := mem.CreateRoom(ctx, waitingRoom("ROOM02", "a"), testNow)
	require.NoError(t, err)
	_, err = mem.CreateRoom(ctx, waitingRoom("ROOM01", "b"), testNow)
	require.NoError(t, err)
	_, err = mem.ClaimSecondSlot(ctx, "ROOM01", pairing("b", "a"), testNow)
	require.NoError(t, err)

	rooms, err := mem.RoomsByConnection(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []Room{{Code: "ROOM01", P2Conn: "a"}, {Code: "ROOM02", P1Conn: "a"}}, rooms)
	assert.True(t, rooms[0].Partial())

	rooms, err = mem.ScanRoomsByConnection(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "b", rooms[0].P1Conn)
	assert.False(t, rooms[0].Partial())
}

func TestGameLogWriteOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "games.csv")
	mem := NewMemoryDatabase(path)

	entry := GameLog{
		DateKey:  "2024-03-01",
		MatchID:  "m1",
		RoomCode: "AB12CD",
		Winner:   "p1",
		HitCount: 3,
		P1HP:     80,
		P2HP:     -3.5,
		Seed:     42,
		EndedAt:  testNow,
	}
	result, err := mem.PutGameLog(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)

	entry.Winner = "p2"
	result, err = mem.PutGameLog(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	logs := mem.GameLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "p1", logs[0].Winner)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "2024-03-01,m1,AB12CD,p1,0,3,,,80.0,-3.5,42,1700000000,false", lines[0])
}

func TestThrottleRecords(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDatabase("")

	_, err := mem.GetBan(ctx, "192.0.2.9")
	assert.ErrorIs(t, err, ErrNotFound)

	ban := Ban{Address: "192.0.2.9", ExpiresAt: testNow + 60, Reason: BanMsgRate, TriggerCount: 7}
	require.NoError(t, mem.PutBan(ctx, ban))
	got, err := mem.GetBan(ctx, "192.0.2.9")
	require.NoError(t, err)
	assert.Equal(t, ban, got)
	assert.True(t, got.Active(testNow))
	assert.False(t, got.Active(testNow+60))

	counter := Counter{Address: "192.0.2.9", Metric: MetricConnections, Minute: testNow / 60}
	for i := 1; i <= 3; i++ {
		count, err := mem.IncrementCounter(ctx, counter, 2, testNow+120)
		require.NoError(t, err)
		assert.Equal(t, 2*i, count)
	}
	counter.Minute++
	count, err := mem.IncrementCounter(ctx, counter, 1, testNow+180)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestKeys(t *testing.T) {
	counter := Counter{Address: "1.2.3.4", Metric: MetricMessages, Minute: 28123456}
	assert.Equal(t, "msg#1.2.3.4#28123456", counter.Key())

	addr, ok := BanAddress(banKey("1.2.3.4"))
	assert.True(t, ok)
	assert.Equal(t, "1.2.3.4", addr)

	_, ok = BanAddress(counter.Key())
	assert.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryDatabase("")

	for _, addr := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		counter := Counter{Address: addr, Metric: MetricConnections, Minute: testNow / 60}
		_, err := mem.IncrementCounter(ctx, counter, 1, testNow+120)
		require.NoError(t, err)
	}
	require.NoError(t, mem.PutBan(ctx, Ban{Address: "192.0.2.9", ExpiresAt: testNow + 120, Reason: BanConnRate}))
	old := waitingRoom("OLD001", "a")
	old.ExpiresAt = testNow + 240
	_, err := mem.CreateRoom(ctx, old, testNow)
	require.NoError(t, err)

	rooms, bans, counters := mem.Len()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, bans)
	assert.Equal(t, 3, counters)

	// Nothing has expired yet
	fresh := waitingRoom("NEW001", "b")
	fresh.ExpiresAt = testNow + 1000
	_, err = mem.CreateRoom(ctx, fresh, testNow+60)
	require.NoError(t, err)
	rooms, _, counters = mem.Len()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 3, counters)

	// Counters and the ban are gone, the old room is still within its grace period
	later := Counter{Address: "192.0.2.1", Metric: MetricConnections, Minute: (testNow + 300) / 60}
	_, err = mem.IncrementCounter(ctx, later, 1, testNow+420)
	require.NoError(t, err)
	rooms, bans, counters = mem.Len()
	assert.Equal(t, 2, rooms)
	assert.Zero(t, bans)
	assert.Equal(t, 1, counters)

	_, err = mem.GetBan(ctx, "192.0.2.9")
	assert.ErrorIs(t, err, ErrNotFound)

	room := waitingRoom("NEW002", "c")
	room.ExpiresAt = testNow + 1000
	_, err = mem.CreateRoom(ctx, room, testNow+420)
	require.NoError(t, err)
	codes := make([]string, 0, 2)
	for _, room := range mem.Rooms() {
		codes = append(codes, room.Code)
	}
	assert.Equal(t, []string{"NEW001", "NEW002"}, codes)
}
