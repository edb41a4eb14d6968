// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package combat resolves hits. Everything here is a pure function of the match seed and
// the server's hit counter, so any hit can be recomputed when auditing a match log.
package combat

import (
	"github.com/chewxy/math32"
)

type AttackType int

const (
	Slap AttackType = iota
	Slide
	Flop
)

type Side string

const (
	P1 Side = "p1"
	P2 Side = "p2"
)

func (side Side) Opponent() Side {
	if side == P1 {
		return P2
	}
	return P1
}

const (
	// CounterDamage replaces the rolled damage of a countered attack.
	CounterDamage float32 = 15
	// DefaultDamage applies to unknown attack types.
	DefaultDamage float32 = 10

	// seedStride spreads consecutive hit indices across the generator's seed space.
	seedStride = 7919
)

// damageRanges are [min, min+span) per AttackType. Damage is truncated to tenths, so the
// ranges stay disjoint after rounding.
var damageRanges = [...]struct {
	min, span float32
}{
	Slap:  {8, 4},
	Slide: {12, 4},
	Flop:  {16, 8},
}

// Generator returns a uniform value in [0, 1) determined by seed and hitIndex only.
type Generator func(seed uint32, hitIndex int) float32

// Mulberry32 is the default Generator.
func Mulberry32(seed uint32, hitIndex int) float32 {
	t := seed + uint32(hitIndex)*seedStride + 0x6D2B79F5
	t = (t ^ t>>15) * (t | 1)
	t ^= t + (t^t>>7)*(t|61)
	// Top 24 bits so the result is exact in float32 and never rounds up to 1
	return float32((t^t>>14)>>8) / (1 << 24)
}

// Round rounds damage to one decimal place, halves up.
func Round(damage float32) float32 {
	return math32.Floor(damage*10+0.5) / 10
}

type Hit struct {
	Target    Side
	Damage    float32
	Countered bool
}

// Resolver resolves hits with Generator, or Mulberry32 if nil.
type Resolver struct {
	Generator Generator
}

// Damage is the rounded damage of the hitIndex'th hit (1-based) of a match.
func (resolver Resolver) Damage(seed uint32, hitIndex int, attack AttackType) float32 {
	if attack < 0 || int(attack) >= len(damageRanges) {
		return DefaultDamage
	}
	generator := resolver.Generator
	if generator == nil {
		generator = Mulberry32
	}
	r := damageRanges[attack]
	// float64 keeps the product exact, so the top of the span is never reached
	tenths := int(float64(generator(seed, hitIndex)) * float64(r.span) * 10)
	return Round(r.min + float32(tenths)/10)
}

// Resolve computes who takes how much damage. A countered attack reflects CounterDamage
// onto the attacker.
func (resolver Resolver) Resolve(seed uint32, hitIndex int, attacker Side, attack AttackType, countered bool) Hit {
	if countered {
		return Hit{Target: attacker, Damage: CounterDamage, Countered: true}
	}
	return Hit{
		Target: attacker.Opponent(),
		Damage: resolver.Damage(seed, hitIndex, attack),
	}
}

// Resolve uses the default Resolver.
func Resolve(seed uint32, hitIndex int, attacker Side, attack AttackType, countered bool) Hit {
	return Resolver{}.Resolve(seed, hitIndex, attacker, attack, countered)
}
