// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs the room state machine. Handlers share no memory; every
// transition is a conditional write, and a failed precondition means another handler
// got there first.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"time"

	"github.com/flopfight/relay/server/cloud/db"
	"github.com/flopfight/relay/server/combat"
	"github.com/flopfight/relay/server/metrics"
	"github.com/gofrs/uuid"
)

type Config struct {
	MaxHP              float32
	MaxRoomsPerAddress int
	WaitingTTL         time.Duration
	MatchTTL           time.Duration
	RematchTTL         time.Duration
	// HitAttempts bounds re-reads when hits race.
	HitAttempts  int
	LogRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxHP:              100,
		MaxRoomsPerAddress: 3,
		WaitingTTL:         5 * time.Minute,
		MatchTTL:           10 * time.Minute,
		RematchTTL:         5 * time.Minute,
		HitAttempts:        3,
		LogRetention:       90 * 24 * time.Hour,
	}
}

var matchNamespace = uuid.NewV5(uuid.NamespaceDNS, "match.flopfight")

type Manager struct {
	rooms    db.RoomStore
	logs     db.GameLogStore
	pusher   Pusher
	config   Config
	resolver combat.Resolver

	Now func() time.Time
	// Seed returns match seeds, which must be non-zero.
	Seed func() uint32
}

func NewManager(rooms db.RoomStore, logs db.GameLogStore, pusher Pusher, config Config) *Manager {
	if config.HitAttempts < 1 {
		config.HitAttempts = 1
	}
	return &Manager{
		rooms:  rooms,
		logs:   logs,
		pusher: pusher,
		config: config,
		Now:    time.Now,
		Seed:   randomSeed,
	}
}

func randomSeed() uint32 {
	for {
		if seed := rand.Uint32(); seed != 0 {
			return seed
		}
	}
}

func (m *Manager) seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// Authorize returns the side conn plays in room, if any.
func Authorize(room *db.Room, conn string) (combat.Side, bool) {
	switch {
	case conn == "":
		return "", false
	case room.P1Conn == conn:
		return combat.P1, true
	case room.P2Conn == conn:
		return combat.P2, true
	}
	return "", false
}

// Join handles a join message by creating, rejoining or pairing as appropriate.
func (m *Manager) Join(ctx context.Context, conn, addr, rawCode string) error {
	code, ok := NormalizeCode(rawCode)
	if !ok {
		metrics.RoomEvents.WithLabelValues("invalid").Inc()
		m.send(ctx, conn, newError(InvalidRoom))
		return nil
	}

	// A lost create race is routed once more against the winner's room
	for attempt := 0; attempt < 2; attempt++ {
		now := m.Now().Unix()
		room, err := m.rooms.GetRoom(ctx, code, now)
		if errors.Is(err, db.ErrNotFound) {
			taken, err := m.create(ctx, code, conn, addr, now)
			if err != nil || !taken {
				return err
			}
			continue
		} else if err != nil {
			return fmt.Errorf("get room %s: %w", code, err)
		}

		switch {
		case room.Status != db.StatusWaiting:
			m.roomFull(ctx, conn)
			return nil
		case room.P1Conn == conn:
			m.send(ctx, conn, Waiting{Room: code})
			return nil
		case room.P1Conn == "":
			return m.rejoinAsFirst(ctx, code, conn, addr, now)
		case room.P2Conn == "":
			return m.joinAsSecond(ctx, &room, conn, addr, now)
		default:
			m.roomFull(ctx, conn)
			return nil
		}
	}

	m.roomFull(ctx, conn)
	return nil
}

// Create creates a waiting room with conn in the first slot. If the code is taken the
// sender gets ROOM_FULL.
func (m *Manager) Create(ctx context.Context, code, conn, addr string) error {
	taken, err := m.create(ctx, code, conn, addr, m.Now().Unix())
	if taken {
		m.roomFull(ctx, conn)
	}
	return err
}

// create returns true if a live room already holds code.
func (m *Manager) create(ctx context.Context, code, conn, addr string, now int64) (bool, error) {
	if addr != "" && m.config.MaxRoomsPerAddress > 0 {
		count, err := m.rooms.CountRoomsByCreator(ctx, addr, now)
		if err != nil {
			return false, fmt.Errorf("count rooms by %s: %w", addr, err)
		}
		if count >= m.config.MaxRoomsPerAddress {
			metrics.RoomEvents.WithLabelValues("limit").Inc()
			m.send(ctx, conn, newError(RoomLimit))
			return false, nil
		}
	}

	result, err := m.rooms.CreateRoom(ctx, db.Room{
		Code:        code,
		Status:      db.StatusWaiting,
		P1Conn:      conn,
		CreatorAddr: addr,
		P1Addr:      addr,
		CreatedAt:   now,
		ExpiresAt:   now + m.seconds(m.config.WaitingTTL),
	}, now)
	if err != nil {
		return false, fmt.Errorf("create room %s: %w", code, err)
	}
	if result != db.Applied {
		return true, nil
	}

	metrics.RoomEvents.WithLabelValues("created").Inc()
	m.send(ctx, conn, Waiting{Room: code})
	return false, nil
}

// JoinAsSecond pairs conn with the waiting room's first player and starts the match.
func (m *Manager) JoinAsSecond(ctx context.Context, code, conn, addr string) error {
	now := m.Now().Unix()
	room, err := m.rooms.GetRoom(ctx, code, now)
	if errors.Is(err, db.ErrNotFound) {
		m.roomFull(ctx, conn)
		return nil
	} else if err != nil {
		return fmt.Errorf("get room %s: %w", code, err)
	}
	return m.joinAsSecond(ctx, &room, conn, addr, now)
}

func (m *Manager) joinAsSecond(ctx context.Context, room *db.Room, conn, addr string, now int64) error {
	pairing := db.Pairing{
		P1Conn:    room.P1Conn,
		Conn:      conn,
		Addr:      addr,
		Seed:      m.Seed(),
		HP:        m.config.MaxHP,
		StartedAt: now,
		ExpiresAt: now + m.seconds(m.config.MatchTTL),
	}
	result, err := m.rooms.ClaimSecondSlot(ctx, room.Code, pairing, now)
	if err != nil {
		return fmt.Errorf("claim second slot of %s: %w", room.Code, err)
	}
	if result != db.Applied {
		m.roomFull(ctx, conn)
		return nil
	}

	metrics.RoomEvents.WithLabelValues("started").Inc()
	ttl := m.seconds(m.config.MatchTTL)
	m.send(ctx, pairing.P1Conn, Start{Seed: pairing.Seed, You: combat.P1, TTL: ttl})
	m.send(ctx, conn, Start{Seed: pairing.Seed, You: combat.P2, TTL: ttl})
	return nil
}

// RejoinAsFirst takes the empty first slot of a room that was reset for a rematch.
func (m *Manager) RejoinAsFirst(ctx context.Context, code, conn, addr string) error {
	return m.rejoinAsFirst(ctx, code, conn, addr, m.Now().Unix())
}

func (m *Manager) rejoinAsFirst(ctx context.Context, code, conn, addr string, now int64) error {
	result, err := m.rooms.ClaimFirstSlot(ctx, code, conn, addr, now+m.seconds(m.config.WaitingTTL), now)
	if err != nil {
		return fmt.Errorf("claim first slot of %s: %w", code, err)
	}
	if result != db.Applied {
		m.roomFull(ctx, conn)
		return nil
	}

	metrics.RoomEvents.WithLabelValues("rejoined").Inc()
	m.send(ctx, conn, Waiting{Room: code})
	return nil
}

func (m *Manager) roomFull(ctx context.Context, conn string) {
	metrics.RoomEvents.WithLabelValues("full").Inc()
	m.send(ctx, conn, newError(RoomFull))
}

// playing returns the room and the sender's side if code is a match conn plays in.
func (m *Manager) playing(ctx context.Context, code, conn string) (*db.Room, combat.Side, error) {
	room, err := m.rooms.GetRoom(ctx, code, m.Now().Unix())
	if errors.Is(err, db.ErrNotFound) {
		return nil, "", nil
	} else if err != nil {
		return nil, "", fmt.Errorf("get room %s: %w", code, err)
	}
	if room.Status != db.StatusPlaying {
		return nil, "", nil
	}
	side, ok := Authorize(&room, conn)
	if !ok {
		metrics.MessagesDropped.WithLabelValues("unauthorized").Inc()
		return nil, "", nil
	}
	return &room, side, nil
}

// ResolveCombat applies one hit from conn and broadcasts the damage.
func (m *Manager) ResolveCombat(ctx context.Context, code, conn string, attack combat.AttackType, countered bool) error {
	for attempt := 0; attempt < m.config.HitAttempts; attempt++ {
		room, attacker, err := m.playing(ctx, code, conn)
		if err != nil || room == nil {
			return err
		}

		hitIndex := room.HitCount + 1
		hit := m.resolver.Resolve(room.Seed, hitIndex, attacker, attack, countered)

		updated, result, err := m.rooms.ApplyHit(ctx, room.Code, db.Hit{
			Seed:             room.Seed,
			ExpectedHitCount: room.HitCount,
			TargetP1:         hit.Target == combat.P1,
			Damage:           hit.Damage,
		})
		if err != nil {
			return fmt.Errorf("apply hit to %s: %w", room.Code, err)
		}
		if result != db.Applied {
			// Another hit landed first, or the match ended
			continue
		}

		metrics.RoomEvents.WithLabelValues("hit").Inc()
		m.broadcast(ctx, updated.P1Conn, updated.P2Conn, Damage{
			Target:    hit.Target,
			Damage:    hit.Damage,
			HitNum:    updated.HitCount,
			Countered: hit.Countered,
		})
		return nil
	}

	metrics.RoomEvents.WithLabelValues("hit_lost").Inc()
	log.Printf("dropping hit in %s from %s after %d attempts", code, conn, m.config.HitAttempts)
	return nil
}

// End finishes the match conn plays in, logs it, and resets the room for a rematch.
// Only the first End of a match has any effect.
func (m *Manager) End(ctx context.Context, code, conn string, winner Winner, timeup bool) error {
	room, _, err := m.playing(ctx, code, conn)
	if err != nil || room == nil {
		return err
	}

	now := m.Now()
	old, result, err := m.rooms.ResetRoom(ctx, room.Code, room.Seed, now.Unix()+m.seconds(m.config.RematchTTL))
	if err != nil {
		return fmt.Errorf("reset room %s: %w", room.Code, err)
	}
	if result != db.Applied {
		metrics.RoomEvents.WithLabelValues("end_ignored").Inc()
		return nil
	}
	metrics.RoomEvents.WithLabelValues("ended").Inc()

	entry := m.gameLog(&old, winner, timeup, now)
	if m.logs != nil {
		result, err = m.logs.PutGameLog(ctx, entry)
		if err != nil {
			// The reset already applied, so the players still hear the outcome
			log.Printf("put game log %s: %v", entry.MatchID, err)
		} else if result != db.Applied {
			metrics.RoomEvents.WithLabelValues("log_duplicate").Inc()
		}
	}

	m.broadcast(ctx, old.P1Conn, old.P2Conn, End{Winner: winner, Timeup: timeup})
	return nil
}

// MatchID identifies a match by its room, seed and start time.
func MatchID(code string, seed uint32, startedAt int64) string {
	name := code + "/" + strconv.FormatUint(uint64(seed), 10) + "/" + strconv.FormatInt(startedAt, 10)
	return uuid.NewV5(matchNamespace, name).String()
}

func (m *Manager) gameLog(room *db.Room, winner Winner, timeup bool, now time.Time) db.GameLog {
	entry := db.GameLog{
		DateKey:  now.UTC().Format("2006-01-02"),
		MatchID:  MatchID(room.Code, room.Seed, room.StartedAt),
		RoomCode: room.Code,
		Winner:   string(winner),
		HitCount: room.HitCount,
		P1Addr:   room.P1Addr,
		P2Addr:   room.P2Addr,
		P1HP:     room.P1HP,
		P2HP:     room.P2HP,
		Seed:     room.Seed,
		EndedAt:  now.Unix(),
		Timeup:   timeup,
	}
	if room.StartedAt > 0 && room.StartedAt <= entry.EndedAt {
		entry.DurationSec = entry.EndedAt - room.StartedAt
	}
	if m.config.LogRetention > 0 {
		entry.TTL = entry.EndedAt + m.seconds(m.config.LogRetention)
	}
	return entry
}

// Cancel deletes a waiting room on request of one of its occupants.
func (m *Manager) Cancel(ctx context.Context, code, conn string) error {
	room, err := m.rooms.GetRoom(ctx, code, m.Now().Unix())
	if errors.Is(err, db.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("get room %s: %w", code, err)
	}
	if room.Status != db.StatusWaiting || !room.Occupies(conn) {
		return nil
	}
	if err := m.rooms.DeleteRoom(ctx, room.Code); err != nil {
		return fmt.Errorf("delete room %s: %w", room.Code, err)
	}
	metrics.RoomEvents.WithLabelValues("cancelled").Inc()
	return nil
}

// OnDisconnect deletes every room conn occupies and tells each remaining player.
func (m *Manager) OnDisconnect(ctx context.Context, conn string) error {
	if conn == "" {
		return nil
	}
	rooms, err := m.rooms.RoomsByConnection(ctx, conn)
	if err != nil {
		log.Printf("connection index unavailable, scanning: %v", err)
		rooms, err = m.rooms.ScanRoomsByConnection(ctx, conn)
		if err != nil {
			return fmt.Errorf("scan rooms of %s: %w", conn, err)
		}
	}

	var errs []error
	for i := range rooms {
		room := rooms[i]
		if room.Partial() {
			// Index projections lack the opponent's slot
			room, err = m.rooms.GetRoom(ctx, room.Code, m.Now().Unix())
			if errors.Is(err, db.ErrNotFound) {
				continue
			} else if err != nil {
				errs = append(errs, fmt.Errorf("get room %s: %w", rooms[i].Code, err))
				continue
			}
		}
		if !room.Occupies(conn) {
			continue
		}

		old, result, err := m.rooms.DeleteRoomIfOccupant(ctx, room.Code, conn)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete room %s: %w", room.Code, err))
			continue
		}
		if result != db.Applied {
			continue
		}
		metrics.RoomEvents.WithLabelValues("disconnected").Inc()

		peer := old.P1Conn
		if peer == conn {
			peer = old.P2Conn
		}
		m.send(ctx, peer, OpponentDisconnected{})
	}
	return errors.Join(errs...)
}

// Relay forwards a state or input message from conn to its opponent.
func (m *Manager) Relay(ctx context.Context, code, conn string, message Outbound) error {
	room, side, err := m.playing(ctx, code, conn)
	if err != nil || room == nil {
		return err
	}

	opponent := room.P2Conn
	if side == combat.P2 {
		opponent = room.P1Conn
	}
	metrics.Relayed.WithLabelValues(relayLabel(message)).Inc()
	m.send(ctx, opponent, message)
	return nil
}

func relayLabel(message Outbound) string {
	switch message.(type) {
	case State, *State:
		return "state"
	case Input, *Input:
		return "input"
	}
	return "other"
}
