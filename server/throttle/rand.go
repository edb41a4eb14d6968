// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package throttle

import (
	"math/rand"
	"sync"
	"time"
)

// math/rand.Rand isn't safe for concurrent use, so each sample borrows one.
var randPool = sync.Pool{
	New: func() interface{} {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

func getRand() *rand.Rand {
	return randPool.Get().(*rand.Rand)
}

func poolRand(r *rand.Rand) {
	randPool.Put(r)
}

// pooledFloat64 returns a uniform value in [0, 1).
func pooledFloat64() float64 {
	r := getRand()
	f := r.Float64()
	poolRand(r)
	return f
}

// prob has a p probability of returning true.
// Uses float64 for small probabilities.
func prob(random func() float64, p float64) bool {
	return random() < p
}
