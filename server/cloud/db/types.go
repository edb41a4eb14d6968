// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"strconv"
	"strings"
)

type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusPlaying RoomStatus = "playing"
)

// Room is the paired-session entity. Connection slots are omitted (never stored as "")
// so they can serve as index keys.
type Room struct {
	Code        string     `dynamo:"roomCode"`
	Status      RoomStatus `dynamo:"status,omitempty"`
	P1Conn      string     `dynamo:"p1ConnectionId,omitempty"`
	P2Conn      string     `dynamo:"p2ConnectionId,omitempty"`
	CreatorAddr string     `dynamo:"creatorIp,omitempty"`
	P1Addr      string     `dynamo:"p1Ip,omitempty"`
	P2Addr      string     `dynamo:"p2Ip,omitempty"`
	Seed        uint32     `dynamo:"seed"`
	HitCount    int        `dynamo:"hitCount"`
	P1HP        float32    `dynamo:"p1Hp"`
	P2HP        float32    `dynamo:"p2Hp"`
	CreatedAt   int64      `dynamo:"createdAt,omitempty"`
	StartedAt   int64      `dynamo:"startedAt,omitempty"`
	ExpiresAt   int64      `dynamo:"ttl"`
}

// Expired is true once ttl has passed, regardless of whether the item was physically removed.
func (room *Room) Expired(now int64) bool {
	return room.ExpiresAt <= now
}

// Partial reports whether the room may be an index projection lacking a slot.
func (room *Room) Partial() bool {
	return room.P1Conn == "" || room.P2Conn == ""
}

// Occupies reports whether conn holds either slot.
func (room *Room) Occupies(conn string) bool {
	return conn != "" && (room.P1Conn == conn || room.P2Conn == conn)
}

// Pairing is everything JoinAsSecond writes on the waiting to playing transition.
// It only applies while P1Conn still holds the first slot.
type Pairing struct {
	P1Conn    string
	Conn      string
	Addr      string
	Seed      uint32
	HP        float32
	StartedAt int64
	ExpiresAt int64
}

// Hit is a resolved hit to apply against the room's authoritative counters.
type Hit struct {
	Seed             uint32
	ExpectedHitCount int
	TargetP1         bool
	Damage           float32
}

type GameLog struct {
	DateKey     string  `dynamo:"dateKey"`
	MatchID     string  `dynamo:"matchId"`
	RoomCode    string  `dynamo:"roomCode"`
	Winner      string  `dynamo:"winner"`
	DurationSec int64   `dynamo:"durationSec"`
	HitCount    int     `dynamo:"hitCount"`
	P1Addr      string  `dynamo:"p1Ip,omitempty"`
	P2Addr      string  `dynamo:"p2Ip,omitempty"`
	P1HP        float32 `dynamo:"p1Hp"`
	P2HP        float32 `dynamo:"p2Hp"`
	Seed        uint32  `dynamo:"seed"`
	EndedAt     int64   `dynamo:"endedAt"`
	Timeup      bool    `dynamo:"timeup"`
	TTL         int64   `dynamo:"ttl,omitempty"`
}

type BanReason string

const (
	BanConnRate BanReason = "conn_rate"
	BanMsgRate  BanReason = "msg_rate"
)

// Ban is a ban record. Presence alone does not mean the ban is in force, see Active.
type Ban struct {
	Address      string
	ExpiresAt    int64
	Reason       BanReason
	TriggerCount int
}

func (ban *Ban) Active(now int64) bool {
	return ban.ExpiresAt > now
}

type Metric string

const (
	MetricConnections Metric = "conn"
	MetricMessages    Metric = "msg"
)

// Counter identifies a per-minute rate counter.
type Counter struct {
	Address string
	Metric  Metric
	Minute  int64
}

// Key is the counter's throttle table key, e.g. "conn#1.2.3.4#28123456".
func (counter Counter) Key() string {
	var builder strings.Builder
	builder.WriteString(string(counter.Metric))
	builder.WriteByte('#')
	builder.WriteString(counter.Address)
	builder.WriteByte('#')
	builder.WriteString(strconv.FormatInt(counter.Minute, 10))
	return builder.String()
}

const banKeyPrefix = "ban#"

func banKey(address string) string {
	return banKeyPrefix + address
}

// BanAddress extracts the address from a ban key, or returns false if key isn't one.
func BanAddress(key string) (string, bool) {
	if !strings.HasPrefix(key, banKeyPrefix) || len(key) == len(banKeyPrefix) {
		return "", false
	}
	return key[len(banKeyPrefix):], true
}

type BanChangeKind int

const (
	BanInserted BanChangeKind = iota
	BanModified
	BanRemoved
)

func (kind BanChangeKind) String() string {
	switch kind {
	case BanInserted:
		return "INSERT"
	case BanModified:
		return "MODIFY"
	case BanRemoved:
		return "REMOVE"
	}
	return "UNKNOWN"
}

// BanChange is one event of the ordered ban change feed.
type BanChange struct {
	Kind    BanChangeKind
	Address string
}
