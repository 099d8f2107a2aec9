// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package extent

import "slices"

// BadSet is a deduplicated collection of LBAs whose acquisition failed and
// which have not yet been confirmed recovered.
//
// Kept sorted ascending; the zero value is an empty set ready for use.
type BadSet struct {
	lbas []uint64
}

// NewBadSet builds a set from the given LBAs, deduplicating them.
func NewBadSet(lbas []uint64) *BadSet {
	s := &BadSet{}

	for _, lba := range lbas {
		s.Add(lba)
	}

	return s
}

// Add inserts the LBA, keeping the set sorted and deduplicated.
func (s *BadSet) Add(lba uint64) {
	i, found := slices.BinarySearch(s.lbas, lba)
	if found {
		return
	}

	s.lbas = slices.Insert(s.lbas, i, lba)
}

// Remove drops the LBA from the set if present.
func (s *BadSet) Remove(lba uint64) {
	i, found := slices.BinarySearch(s.lbas, lba)
	if found {
		s.lbas = slices.Delete(s.lbas, i, i+1)
	}
}

// Contains reports whether the LBA is in the set.
func (s *BadSet) Contains(lba uint64) bool {
	_, found := slices.BinarySearch(s.lbas, lba)

	return found
}

// Len returns the number of LBAs in the set.
func (s *BadSet) Len() int {
	return len(s.lbas)
}

// Ascending returns a snapshot of the set in ascending LBA order.
func (s *BadSet) Ascending() []uint64 {
	return slices.Clone(s.lbas)
}

// Descending returns a snapshot of the set in descending LBA order.
func (s *BadSet) Descending() []uint64 {
	snapshot := slices.Clone(s.lbas)
	slices.Reverse(snapshot)

	return snapshot
}
