// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package extent tracks which logical block ranges of a medium have been
// successfully acquired.
package extent

import (
	"slices"
	"sort"
)

// Run is a half-open range [Start, Start+Length) of logical block addresses.
type Run struct {
	Start  uint64
	Length uint64
}

// End returns the first LBA past the run.
func (r Run) End() uint64 {
	return r.Start + r.Length
}

// Set is an ordered collection of disjoint, non-abutting runs.
//
// Overlapping or touching insertions are merged, so no two stored runs
// ever overlap or abut. The zero value is an empty set ready for use.
type Set struct {
	runs []Run
}

// Add merges [start, start+length) into the set.
//
// Sequential appends at the tail are the common case during acquisition
// and are amortized O(1); out-of-order insertions cost O(log n) to locate
// plus the merge.
func (s *Set) Add(start, length uint64) {
	if length == 0 {
		return
	}

	end := start + length

	// fast path: extend or append at the tail
	if n := len(s.runs); n > 0 {
		last := &s.runs[n-1]

		if start >= last.Start {
			switch {
			case start > last.End():
				s.runs = append(s.runs, Run{Start: start, Length: length})

				return
			case end <= last.End():
				return
			default:
				last.Length = end - last.Start

				return
			}
		}
	} else {
		s.runs = append(s.runs, Run{Start: start, Length: length})

		return
	}

	// first run whose end reaches the new start
	i := sort.Search(len(s.runs), func(i int) bool {
		return s.runs[i].End() >= start
	})

	// last run (exclusive) whose start is within the new end
	j := i

	for j < len(s.runs) && s.runs[j].Start <= end {
		j++
	}

	if i == j {
		s.runs = slices.Insert(s.runs, i, Run{Start: start, Length: length})

		return
	}

	merged := Run{Start: min(start, s.runs[i].Start)}
	mergedEnd := max(end, s.runs[j-1].End())
	merged.Length = mergedEnd - merged.Start

	s.runs = slices.Replace(s.runs, i, j, merged)
}

// Contains reports whether the LBA is covered by the set.
func (s *Set) Contains(lba uint64) bool {
	i := sort.Search(len(s.runs), func(i int) bool {
		return s.runs[i].End() > lba
	})

	return i < len(s.runs) && s.runs[i].Start <= lba
}

// Ranges returns the stored runs in ascending order.
//
// The returned slice is a copy safe to hand to metadata export.
func (s *Set) Ranges() []Run {
	return slices.Clone(s.runs)
}

// TotalBlocks returns the number of LBAs covered by the set.
func (s *Set) TotalBlocks() uint64 {
	var total uint64

	for _, r := range s.runs {
		total += r.Length
	}

	return total
}
