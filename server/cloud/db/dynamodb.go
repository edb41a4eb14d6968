// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/guregu/dynamo"
)

const (
	creatorIndex = "CreatorIndex"
	p1Index      = "P1ConnectionIndex"
	p2Index      = "P2ConnectionIndex"
)

type Tables struct {
	Rooms    string
	Throttle string
	GameLog  string
}

// DefaultTables are the table names for a deployment stage.
func DefaultTables(stage string) Tables {
	return Tables{
		Rooms:    "flopfight-" + stage + "-rooms",
		Throttle: "flopfight-" + stage + "-throttle",
		GameLog:  "flopfight-" + stage + "-gamelog",
	}
}

type DynamoDBDatabase struct {
	svc           dynamodbiface.DynamoDBAPI
	db            *dynamo.DB
	roomsTable    dynamo.Table
	throttleTable dynamo.Table
	gameLogTable  dynamo.Table
}

func NewDynamoDBDatabase(session *session.Session, tables Tables) (*DynamoDBDatabase, error) {
	return NewDynamoDBDatabaseFromIface(dynamodb.New(session), tables)
}

func NewDynamoDBDatabaseFromIface(svc dynamodbiface.DynamoDBAPI, tables Tables) (*DynamoDBDatabase, error) {
	if tables.Rooms == "" || tables.Throttle == "" || tables.GameLog == "" {
		return nil, errors.New("missing table name")
	}
	ddb := &DynamoDBDatabase{svc: svc}
	ddb.db = dynamo.NewFromIface(ddb.svc)
	ddb.roomsTable = ddb.db.Table(tables.Rooms)
	ddb.throttleTable = ddb.db.Table(tables.Throttle)
	ddb.gameLogTable = ddb.db.Table(tables.GameLog)
	return ddb, nil
}

// conditional maps a failed condition expression to PreconditionFailed.
func conditional(err error) (Result, error) {
	if err == nil {
		return Applied, nil
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return PreconditionFailed, nil
	}
	return PreconditionFailed, err
}

func (ddb *DynamoDBDatabase) GetRoom(ctx context.Context, code string, now int64) (room Room, err error) {
	err = ddb.roomsTable.Get("roomCode", code).Consistent(true).OneWithContext(ctx, &room)
	if err == dynamo.ErrNotFound || (err == nil && room.Expired(now)) {
		return Room{}, ErrNotFound
	}
	return
}

func (ddb *DynamoDBDatabase) CountRoomsByCreator(ctx context.Context, addr string, now int64) (int, error) {
	count, err := ddb.roomsTable.Get("creatorIp", addr).
		Index(creatorIndex).
		Filter("$ > ?", "ttl", now).
		CountWithContext(ctx)
	return int(count), err
}

func (ddb *DynamoDBDatabase) CreateRoom(ctx context.Context, room Room, now int64) (Result, error) {
	err := ddb.roomsTable.Put(room).
		If("attribute_not_exists($) OR $ <= ?", "roomCode", "ttl", now).
		RunWithContext(ctx)
	return conditional(err)
}

func (ddb *DynamoDBDatabase) ClaimFirstSlot(ctx context.Context, code, conn, addr string, expiresAt, now int64) (Result, error) {
	update := ddb.roomsTable.Update("roomCode", code).
		Set("p1ConnectionId", conn).
		Set("ttl", expiresAt).
		If("$ = ? AND attribute_not_exists($) AND (attribute_not_exists($) OR $ <> ?) AND $ > ?",
			"status", StatusWaiting,
			"p1ConnectionId",
			"p2ConnectionId", "p2ConnectionId", conn,
			"ttl", now)
	if addr != "" {
		update.Set("p1Ip", addr)
	}
	return conditional(update.RunWithContext(ctx))
}

func (ddb *DynamoDBDatabase) ClaimSecondSlot(ctx context.Context, code string, pairing Pairing, now int64) (Result, error) {
	if pairing.P1Conn == "" || pairing.P1Conn == pairing.Conn {
		return PreconditionFailed, nil
	}
	update := ddb.roomsTable.Update("roomCode", code).
		Set("p2ConnectionId", pairing.Conn).
		Set("status", StatusPlaying).
		Set("seed", pairing.Seed).
		Set("hitCount", 0).
		Set("p1Hp", pairing.HP).
		Set("p2Hp", pairing.HP).
		Set("startedAt", pairing.StartedAt).
		Set("ttl", pairing.ExpiresAt).
		If("$ = ? AND $ = ? AND attribute_not_exists($) AND $ > ?",
			"status", StatusWaiting,
			"p1ConnectionId", pairing.P1Conn,
			"p2ConnectionId",
			"ttl", now)
	if pairing.Addr != "" {
		update.Set("p2Ip", pairing.Addr)
	}
	return conditional(update.RunWithContext(ctx))
}

func (ddb *DynamoDBDatabase) ApplyHit(ctx context.Context, code string, hit Hit) (room Room, result Result, err error) {
	hpField := "p2Hp"
	if hit.TargetP1 {
		hpField = "p1Hp"
	}
	err = ddb.roomsTable.Update("roomCode", code).
		Add("hitCount", 1).
		Add(hpField, -hit.Damage).
		If("$ = ? AND $ = ? AND $ = ?",
			"status", StatusPlaying,
			"seed", hit.Seed,
			"hitCount", hit.ExpectedHitCount).
		ValueWithContext(ctx, &room)
	result, err = conditional(err)
	return
}

func (ddb *DynamoDBDatabase) ResetRoom(ctx context.Context, code string, seed uint32, expiresAt int64) (old Room, result Result, err error) {
	err = ddb.roomsTable.Update("roomCode", code).
		Set("status", StatusWaiting).
		Set("seed", 0).
		Set("hitCount", 0).
		Set("ttl", expiresAt).
		Remove("p1ConnectionId", "p2ConnectionId").
		If("$ = ? AND $ = ?", "status", StatusPlaying, "seed", seed).
		OldValueWithContext(ctx, &old)
	result, err = conditional(err)
	return
}

func (ddb *DynamoDBDatabase) DeleteRoom(ctx context.Context, code string) error {
	return ddb.roomsTable.Delete("roomCode", code).RunWithContext(ctx)
}

func (ddb *DynamoDBDatabase) DeleteRoomIfOccupant(ctx context.Context, code, conn string) (old Room, result Result, err error) {
	err = ddb.roomsTable.Delete("roomCode", code).
		If("$ = ? OR $ = ?", "p1ConnectionId", conn, "p2ConnectionId", conn).
		OldValueWithContext(ctx, &old)
	result, err = conditional(err)
	return
}

// RoomsByConnection queries both connection indexes. They project keys only, so callers
// must re-fetch before reading the opponent's slot.
func (ddb *DynamoDBDatabase) RoomsByConnection(ctx context.Context, conn string) ([]Room, error) {
	var p1Rooms, p2Rooms []Room
	err := ddb.roomsTable.Get("p1ConnectionId", conn).Index(p1Index).AllWithContext(ctx, &p1Rooms)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p1Index, err)
	}
	err = ddb.roomsTable.Get("p2ConnectionId", conn).Index(p2Index).AllWithContext(ctx, &p2Rooms)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p2Index, err)
	}
	return append(p1Rooms, p2Rooms...), nil
}

func (ddb *DynamoDBDatabase) ScanRoomsByConnection(ctx context.Context, conn string) (rooms []Room, err error) {
	err = ddb.roomsTable.Scan().
		Filter("$ = ? OR $ = ?", "p1ConnectionId", conn, "p2ConnectionId", conn).
		AllWithContext(ctx, &rooms)
	return
}

func (ddb *DynamoDBDatabase) PutGameLog(ctx context.Context, entry GameLog) (Result, error) {
	err := ddb.gameLogTable.Put(entry).If("attribute_not_exists($)", "matchId").RunWithContext(ctx)
	return conditional(err)
}

// banItem and counterItem share the throttle table, keyed by pk.
type banItem struct {
	PK     string    `dynamo:"pk"`
	TTL    int64     `dynamo:"ttl"`
	Reason BanReason `dynamo:"reason"`
	Count  int       `dynamo:"count"`
}

type counterItem struct {
	PK    string `dynamo:"pk"`
	Count int    `dynamo:"cnt"`
	TTL   int64  `dynamo:"ttl"`
}

func (ddb *DynamoDBDatabase) GetBan(ctx context.Context, addr string) (Ban, error) {
	var item banItem
	err := ddb.throttleTable.Get("pk", banKey(addr)).OneWithContext(ctx, &item)
	if err == dynamo.ErrNotFound {
		return Ban{}, ErrNotFound
	} else if err != nil {
		return Ban{}, err
	}
	return Ban{Address: addr, ExpiresAt: item.TTL, Reason: item.Reason, TriggerCount: item.Count}, nil
}

func (ddb *DynamoDBDatabase) PutBan(ctx context.Context, ban Ban) error {
	return ddb.throttleTable.Put(banItem{
		PK:     banKey(ban.Address),
		TTL:    ban.ExpiresAt,
		Reason: ban.Reason,
		Count:  ban.TriggerCount,
	}).RunWithContext(ctx)
}

func (ddb *DynamoDBDatabase) IncrementCounter(ctx context.Context, counter Counter, by int, expiresAt int64) (int, error) {
	var item counterItem
	err := ddb.throttleTable.Update("pk", counter.Key()).
		Add("cnt", by).
		SetExpr("$ = if_not_exists($, ?)", "ttl", "ttl", expiresAt).
		ValueWithContext(ctx, &item)
	return item.Count, err
}
