// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ledger persists acquisition progress so an interrupted run can
// be resumed safely against the same medium.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/retokromer/Aaru/device"
)

// Common errors.
var (
	// ErrNotFound indicates no ledger exists at the given path.
	ErrNotFound = errors.New("resume ledger not found")

	// ErrResumeMismatch indicates the ledger belongs to a different medium.
	//
	// Resuming is refused; the caller must start fresh explicitly.
	ErrResumeMismatch = errors.New("resume ledger device identity mismatch")
)

// Attempt records one prior acquisition run against the medium.
type Attempt struct {
	ID          uuid.UUID `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	ResumedFrom uint64    `json:"resumedFrom"`
	Residual    int       `json:"residual"`
}

// Ledger is the persisted progress record of an acquisition.
type Ledger struct {
	NextBlock uint64          `json:"nextBlock"`
	BadBlocks []uint64        `json:"badBlocks"`
	Identity  device.Identity `json:"deviceIdentity"`
	Attempts  []Attempt       `json:"priorAttempts"`
}

// New returns a fresh ledger bound to the given medium.
func New(identity device.Identity) *Ledger {
	return &Ledger{Identity: identity}
}

// Load reads the ledger at path and checks it belongs to identity.
//
// A missing file returns ErrNotFound; an identity mismatch returns
// ErrResumeMismatch — a ledger is never silently resumed against the
// wrong medium.
func Load(path string, identity device.Identity) (*Ledger, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading resume ledger: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd: %w", err)
	}

	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing resume ledger: %w", err)
	}

	var l Ledger

	if err = json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decoding resume ledger: %w", err)
	}

	if l.Identity != identity {
		return nil, fmt.Errorf("%w: ledger is for %s/%s (serial %q)",
			ErrResumeMismatch, l.Identity.Manufacturer, l.Identity.Model, l.Identity.Serial)
	}

	return &l, nil
}

// Save writes the ledger to path.
//
// The write goes through a temporary file renamed over the target, so a
// crash mid-save leaves the previous ledger intact. Safe to call after
// every chunk; each call fully overwrites the previous state.
func (l *Ledger) Save(path string) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding resume ledger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("initializing zstd: %w", err)
	}

	compressed := enc.EncodeAll(raw, nil)

	if err = enc.Close(); err != nil {
		return fmt.Errorf("closing zstd: %w", err)
	}

	tmp := path + ".tmp"

	if err = os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("writing resume ledger: %w", err)
	}

	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing resume ledger: %w", err)
	}

	return nil
}

// RecordAttempt appends a new attempt record and returns its ID.
func (l *Ledger) RecordAttempt(now time.Time) uuid.UUID {
	id := uuid.New()

	l.Attempts = append(l.Attempts, Attempt{
		ID:          id,
		StartedAt:   now,
		ResumedFrom: l.NextBlock,
		Residual:    len(l.BadBlocks),
	})

	return id
}
