// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package device defines the read contract the acquisition engine consumes.
//
// The engine never constructs device commands itself; a Reader hides the
// transport (SCSI/ATA/USB/file-backed) behind block-granular reads.
package device

import (
	"errors"
	"time"
)

// ErrDeviceGone indicates the transport to the device was lost.
//
// Unlike an ordinary read error it is fatal to the whole run.
var ErrDeviceGone = errors.New("device transport lost")

// Identity identifies the physical medium a resume ledger belongs to.
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Serial       string `json:"serial"`
	PlatformID   string `json:"platformId"`
}

// Reader is the block-granular read contract.
//
// A non-nil error marks a soft read failure; the returned data may still
// carry partial bytes the device managed to transfer. The duration is the
// wall time the device spent on the request, degenerate (near-zero) values
// included.
type Reader interface {
	// ReadBlocks reads count blocks starting at lba.
	ReadBlocks(lba, count uint64) (data []byte, dur time.Duration, err error)
	// ReadBlock reads a single block, finer-grained than the bulk path.
	ReadBlock(lba uint64) (data []byte, dur time.Duration, err error)
}

// PersistentRecoverer is implemented by readers whose hardware supports a
// persistent-recovery mode (retry harder, return partial data on failure).
//
// The capability is best effort: a false return means the mode could not
// be enabled and must never be treated as fatal.
type PersistentRecoverer interface {
	TrySetPersistentRecovery(enable bool) bool
}

// TrySetPersistentRecovery enables persistent-recovery mode on the reader
// if it supports the capability.
func TrySetPersistentRecovery(r Reader, enable bool) bool {
	pr, ok := r.(PersistentRecoverer)
	if !ok {
		return false
	}

	return pr.TrySetPersistentRecovery(enable)
}
