// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ban mirrors ban records onto an edge IP set.
package ban

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/flopfight/relay/server/cloud/db"
	"github.com/flopfight/relay/server/metrics"
)

// ErrLockConflict is returned by IPSet.Update when the lock token is stale.
var ErrLockConflict = errors.New("ip set lock conflict")

// IPSet is an edge-enforced set of CIDRs guarded by an optimistic lock token.
type IPSet interface {
	Get(ctx context.Context) (addresses []string, lockToken string, err error)
	Update(ctx context.Context, addresses []string, lockToken string) error
}

type Config struct {
	// MaxAttempts bounds read-merge-write cycles per batch.
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		Multiplier:     2,
	}
}

type Propagator struct {
	set    IPSet
	config Config
}

func New(set IPSet, config Config) *Propagator {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Propagator{set: set, config: config}
}

// Run reconciles every batch from feed until ctx is done or feed is closed.
// Failed batches are logged and dropped.
func (p *Propagator) Run(ctx context.Context, feed <-chan []db.BanChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case changes, ok := <-feed:
			if !ok {
				return
			}
			if err := p.Reconcile(ctx, changes); err != nil {
				log.Printf("dropping %d ban changes: %v", len(changes), err)
			}
		}
	}
}

// Reconcile applies one ordered batch of ban changes to the IP set.
func (p *Propagator) Reconcile(ctx context.Context, changes []db.BanChange) error {
	desired := Desired(changes)
	if len(desired) == 0 {
		return nil
	}

	attempts := 0
	operation := func() error {
		attempts++
		current, token, err := p.set.Get(ctx)
		if err != nil {
			metrics.IPSetUpdates.WithLabelValues("error").Inc()
			return backoff.Permanent(fmt.Errorf("get ip set: %w", err))
		}

		merged, changed := Merge(current, desired)
		if !changed {
			metrics.IPSetUpdates.WithLabelValues("unchanged").Inc()
			return nil
		}

		err = p.set.Update(ctx, merged, token)
		switch {
		case err == nil:
			metrics.IPSetUpdates.WithLabelValues("applied").Inc()
			return nil
		case errors.Is(err, ErrLockConflict):
			metrics.IPSetUpdates.WithLabelValues("conflict").Inc()
			return err
		default:
			metrics.IPSetUpdates.WithLabelValues("error").Inc()
			return backoff.Permanent(fmt.Errorf("update ip set: %w", err))
		}
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = p.config.InitialBackoff
	exponential.Multiplier = p.config.Multiplier
	exponential.RandomizationFactor = 0
	exponential.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(p.config.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		log.Printf("ip set attempt %d failed, retrying in %s: %v", attempts, wait, err)
	})
	if err != nil {
		if errors.Is(err, ErrLockConflict) {
			return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}
		return err
	}
	return nil
}

// Desired folds an ordered batch into the final membership of each CIDR, where the
// later event for an address wins. Addresses that aren't IPv4 are skipped.
func Desired(changes []db.BanChange) map[string]bool {
	desired := make(map[string]bool, len(changes))
	for _, change := range changes {
		cidr, ok := CIDR(change.Address)
		if !ok {
			continue
		}
		desired[cidr] = change.Kind != db.BanRemoved
	}
	return desired
}

// CIDR returns the /32 for an IPv4 address.
func CIDR(address string) (string, bool) {
	if strings.Contains(address, ":") {
		return "", false
	}
	ip := net.ParseIP(strings.TrimSpace(address)).To4()
	if ip == nil {
		return "", false
	}
	return ip.String() + "/32", true
}

// Merge applies desired membership to current and returns the sorted result, and
// whether it differs from current.
func Merge(current []string, desired map[string]bool) ([]string, bool) {
	set := make(map[string]struct{}, len(current)+len(desired))
	for _, cidr := range current {
		set[cidr] = struct{}{}
	}

	changed := false
	for cidr, member := range desired {
		_, present := set[cidr]
		if member && !present {
			set[cidr] = struct{}{}
			changed = true
		} else if !member && present {
			delete(set, cidr)
			changed = true
		}
	}

	merged := make([]string, 0, len(set))
	for cidr := range set {
		merged = append(merged, cidr)
	}
	sort.Strings(merged)
	return merged, changed
}
