// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package combat

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulberry32Known(t *testing.T) {
	assert.Equal(t, float32(8420935)/(1<<24), Mulberry32(12345, 1))
	assert.Equal(t, float32(13022911)/(1<<24), Mulberry32(12345, 2))
	assert.Equal(t, float32(2797366)/(1<<24), Mulberry32(1, 1))
	// Seed arithmetic wraps
	assert.Equal(t, float32(2518859)/(1<<24), Mulberry32(0xFFFFFFFF, 3))
}

func TestDamageKnown(t *testing.T) {
	var resolver Resolver
	assert.Equal(t, float32(10), resolver.Damage(12345, 1, Slap))
	assert.Equal(t, float32(22.2), resolver.Damage(12345, 2, Flop))
}

func TestDamagePure(t *testing.T) {
	random := rand.New(rand.NewSource(0))
	var resolver Resolver

	for i := 0; i < 1000; i++ {
		seed := random.Uint32()
		hitIndex := random.Intn(200) + 1
		attack := AttackType(random.Intn(3))

		a := resolver.Damage(seed, hitIndex, attack)
		b := resolver.Damage(seed, hitIndex, attack)
		require.Equal(t, a, b)
	}
}

func TestDamageRanges(t *testing.T) {
	random := rand.New(rand.NewSource(1))
	var resolver Resolver

	for attack, r := range damageRanges {
		for i := 0; i < 2000; i++ {
			d := resolver.Damage(random.Uint32(), random.Intn(500)+1, AttackType(attack))
			require.GreaterOrEqual(t, d, r.min)
			require.Less(t, d, r.min+r.span)
			if attack+1 < len(damageRanges) {
				require.Less(t, d, damageRanges[attack+1].min)
			}

			// One decimal place
			tenths := d * 10
			require.InDelta(t, Round(tenths), tenths, 1e-3)
		}
	}
}

func TestDamageTopOfRange(t *testing.T) {
	resolver := Resolver{Generator: func(seed uint32, hitIndex int) float32 {
		return float32(1<<24-1) / (1 << 24)
	}}
	assert.Equal(t, float32(11.9), resolver.Damage(1, 1, Slap))
	assert.Equal(t, float32(15.9), resolver.Damage(1, 1, Slide))
	assert.Equal(t, float32(23.9), resolver.Damage(1, 1, Flop))

	// Seed 34's first hit is near the top of the slap and slide ranges
	var mulberry Resolver
	for _, attack := range []AttackType{Slap, Slide} {
		d := mulberry.Damage(34, 1, attack)
		assert.Less(t, d, damageRanges[attack+1].min)
	}
}

func TestDamageUnknownAttack(t *testing.T) {
	assert.Equal(t, DefaultDamage, Resolver{}.Damage(7, 1, AttackType(9)))
	assert.Equal(t, DefaultDamage, Resolver{}.Damage(7, 1, AttackType(-1)))
}

func TestResolveTarget(t *testing.T) {
	hit := Resolve(42, 1, P1, Slap, false)
	assert.Equal(t, P2, hit.Target)
	assert.False(t, hit.Countered)

	hit = Resolve(42, 1, P2, Flop, false)
	assert.Equal(t, P1, hit.Target)
}

func TestResolveCountered(t *testing.T) {
	hit := Resolve(42, 5, P1, Flop, true)
	assert.Equal(t, Hit{Target: P1, Damage: CounterDamage, Countered: true}, hit)
}

func TestResolverGenerator(t *testing.T) {
	resolver := Resolver{Generator: func(seed uint32, hitIndex int) float32 {
		return 0.5
	}}
	assert.Equal(t, float32(10), resolver.Damage(1, 1, Slap))
	assert.Equal(t, float32(14), resolver.Damage(1, 1, Slide))
	assert.Equal(t, float32(20), resolver.Damage(1, 1, Flop))
}

func TestRound(t *testing.T) {
	assert.Equal(t, float32(12.3), Round(12.34))
	assert.Equal(t, float32(12.4), Round(12.35001))
	assert.Equal(t, float32(8), Round(7.96))
}
