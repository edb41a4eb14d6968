// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package throttle decides whether connections and messages from an address are accepted.
// It fails open: any store error accepts, so the gate can never deny service by itself.
package throttle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/flopfight/relay/server/cloud/db"
	"github.com/flopfight/relay/server/metrics"
)

type Config struct {
	// ConnRateLimit is the number of connections per address per minute.
	ConnRateLimit int
	// MessageRateLimit is the estimated number of messages per address per minute.
	MessageRateLimit int
	// MessageSampleRate is the fraction of messages that are counted.
	MessageSampleRate float64
	BanDuration       time.Duration
	CounterTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnRateLimit:     30,
		MessageRateLimit:  1200,
		MessageSampleRate: 0.1,
		BanDuration:       24 * time.Hour,
		CounterTTL:        2 * time.Minute,
	}
}

type Gate struct {
	store  db.ThrottleStore
	config Config

	// Now and Random default to the wall clock and a pooled math/rand.
	Now    func() time.Time
	Random func() float64
}

// New creates a gate. A nil store accepts everything.
func New(store db.ThrottleStore, config Config) *Gate {
	return &Gate{
		store:  store,
		config: config,
		Now:    time.Now,
		Random: pooledFloat64,
	}
}

// AllowConnection is called once per connection attempt. Only an active ban or going over
// ConnRateLimit rejects.
func (g *Gate) AllowConnection(ctx context.Context, addr string) bool {
	if g == nil || g.store == nil || addr == "" {
		return true
	}
	now := g.Now().Unix()

	ban, err := g.store.GetBan(ctx, addr)
	if err == nil {
		// Expired ban records linger until the store removes them
		if ban.Active(now) {
			metrics.ConnectionsRejected.WithLabelValues("banned").Inc()
			return false
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		g.failOpen("get ban", addr, err)
		return true
	}

	return g.account(ctx, addr, db.MetricConnections, 1, g.config.ConnRateLimit, db.BanConnRate, now)
}

// AllowMessage samples messages; a sampled message counts as 1/MessageSampleRate messages.
func (g *Gate) AllowMessage(ctx context.Context, addr string) bool {
	if g == nil || g.store == nil || addr == "" {
		return true
	}
	rate := g.config.MessageSampleRate
	if rate <= 0 || !prob(g.Random, rate) {
		return true
	}
	weight := 1
	if rate < 1 {
		// Round 1/rate up or down at random so the expected weight is exactly 1/rate
		w := 1 / rate
		weight = int(w)
		if prob(g.Random, w-float64(weight)) {
			weight++
		}
	}
	return g.account(ctx, addr, db.MetricMessages, weight, g.config.MessageRateLimit, db.BanMsgRate, g.Now().Unix())
}

// account increments the current minute's counter and bans addr if it goes over limit.
func (g *Gate) account(ctx context.Context, addr string, metric db.Metric, by, limit int, reason db.BanReason, now int64) bool {
	counter := db.Counter{Address: addr, Metric: metric, Minute: now / 60}
	expiresAt := now + int64(g.config.CounterTTL/time.Second)

	count, err := g.store.IncrementCounter(ctx, counter, by, expiresAt)
	if err != nil {
		g.failOpen("increment "+string(metric), addr, err)
		return true
	}
	if limit <= 0 || count <= limit {
		return true
	}

	log.Printf("rate limit exceeded, banning %s reason %s count %d", addr, reason, count)
	err = g.store.PutBan(ctx, db.Ban{
		Address:      addr,
		ExpiresAt:    now + int64(g.config.BanDuration/time.Second),
		Reason:       reason,
		TriggerCount: count,
	})
	if err != nil {
		g.failOpen("put ban", addr, err)
		return true
	}
	metrics.BansIssued.WithLabelValues(string(reason)).Inc()
	if metric == db.MetricConnections {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
	}
	return false
}

func (g *Gate) failOpen(operation, addr string, err error) {
	metrics.ThrottleErrors.WithLabelValues(operation).Inc()
	log.Printf("throttle %s error for %s (fail-open): %v", operation, addr, err)
}
