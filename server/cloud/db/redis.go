// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisThrottle is a ThrottleStore on Redis. Ban keys expire with the ban, and every ban
// write is announced on the "<prefix>bans" channel for RedisBanFeed.
type RedisThrottle struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisThrottle(rdb *redis.Client, prefix string) *RedisThrottle {
	return &RedisThrottle{rdb: rdb, prefix: prefix}
}

type redisBan struct {
	TTL    int64  `redis:"ttl"`
	Reason string `redis:"reason"`
	Count  int    `redis:"count"`
}

func (r *RedisThrottle) banKey(addr string) string {
	return r.prefix + banKey(addr)
}

func (r *RedisThrottle) channel() string {
	return r.prefix + "bans"
}

func (r *RedisThrottle) GetBan(ctx context.Context, addr string) (Ban, error) {
	cmd := r.rdb.HGetAll(ctx, r.banKey(addr))
	if err := cmd.Err(); err != nil {
		return Ban{}, err
	}
	if len(cmd.Val()) == 0 {
		return Ban{}, ErrNotFound
	}

	var item redisBan
	if err := cmd.Scan(&item); err != nil {
		return Ban{}, err
	}
	return Ban{Address: addr, ExpiresAt: item.TTL, Reason: BanReason(item.Reason), TriggerCount: item.Count}, nil
}

func (r *RedisThrottle) PutBan(ctx context.Context, ban Ban) error {
	key := r.banKey(ban.Address)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "ttl", ban.ExpiresAt, "reason", string(ban.Reason), "count", ban.TriggerCount)
		pipe.ExpireAt(ctx, key, time.Unix(ban.ExpiresAt, 0))
		pipe.Publish(ctx, r.channel(), ban.Address)
		return nil
	})
	return err
}

func (r *RedisThrottle) IncrementCounter(ctx context.Context, counter Counter, by int, expiresAt int64) (int, error) {
	key := r.prefix + counter.Key()

	// One transaction, so the key never exists without an expiry
	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, int64(by))
		pipe.ExpireAt(ctx, key, time.Unix(expiresAt, 0))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

// RedisBanFeed turns ban announcements into inserts and ban key expiry into removals.
type RedisBanFeed struct {
	throttle *RedisThrottle
}

func NewRedisBanFeed(throttle *RedisThrottle) *RedisBanFeed {
	return &RedisBanFeed{throttle: throttle}
}

const expiredPattern = "__keyevent@*__:expired"

// Run blocks until ctx is done, sending one change per batch.
func (feed *RedisBanFeed) Run(ctx context.Context, out chan<- []BanChange) error {
	rdb := feed.throttle.rdb

	// Needs keyspace notifications for expired keys; managed Redis may refuse CONFIG.
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Println("redis ban feed: cannot enable keyspace events:", err)
	}

	sub := rdb.PSubscribe(ctx, expiredPattern, feed.throttle.channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			change, ok := feed.parse(msg.Channel, msg.Payload)
			if !ok {
				continue
			}
			select {
			case out <- []BanChange{change}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (feed *RedisBanFeed) parse(channel, payload string) (BanChange, bool) {
	if channel == feed.throttle.channel() {
		return BanChange{Kind: BanInserted, Address: payload}, payload != ""
	}

	key := strings.TrimPrefix(payload, feed.throttle.prefix)
	if len(key) == len(payload) && feed.throttle.prefix != "" {
		return BanChange{}, false
	}
	addr, ok := BanAddress(key)
	return BanChange{Kind: BanRemoved, Address: addr}, ok
}
