// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dump

import (
	"math"
	"time"
)

// durationFloor is the penalty substituted for degenerate fast-fail
// durations so they cannot skew the speed statistics.
const durationFloor = time.Millisecond

// Telemetry accumulates throughput statistics over one session.
//
// Samples with a zero or near-zero duration yield an undefined rate and
// are discarded; min/max track valid samples only.
type Telemetry struct {
	current float64
	max     float64
	min     float64

	valid bool
}

// Snapshot is a read-only view of the speed statistics in bytes per
// second.
type Snapshot struct {
	Current float64
	Max     float64
	Min     float64

	// Valid is false until at least one finite non-zero sample was
	// recorded.
	Valid bool
}

// Record accounts one transfer of the given size and duration.
func (t *Telemetry) Record(bytes uint64, dur time.Duration) {
	if dur <= 0 {
		return
	}

	speed := float64(bytes) / dur.Seconds()

	if speed == 0 || math.IsInf(speed, 0) || math.IsNaN(speed) {
		return
	}

	t.current = speed

	if !t.valid || speed > t.max {
		t.max = speed
	}

	if !t.valid || speed < t.min {
		t.min = speed
	}

	t.valid = true
}

// Current returns the most recent valid speed, zero before any sample.
func (t *Telemetry) Current() float64 {
	return t.current
}

// Snapshot returns the current statistics.
func (t *Telemetry) Snapshot() Snapshot {
	return Snapshot{
		Current: t.current,
		Max:     t.max,
		Min:     t.min,
		Valid:   t.valid,
	}
}
