// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dump

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/retokromer/Aaru/device"
)

// Recover runs the multi-pass bad-block recovery controller.
//
// Each pass retries the current bad blocks one at a time, in the order
// the direction policy picks for the pass number. Once the nominal passes
// are exhausted with residual bad blocks and the caller opted in, the
// hardware persistent-recovery mode is requested exactly once; success
// buys one extra pass under the new mode, failure is never fatal.
//
// Cancellation is polled between single-block retries. Residual
// permanently-unreadable LBAs remain in BadBlocks for the caller.
func (s *Session) Recover(ctx context.Context) (Outcome, error) {
	logger := s.options.Logger

	if s.bad.Len() == 0 {
		return OutcomeCompleted, nil
	}

	logger.Info("bad-block recovery starting",
		zap.Int("badBlocks", s.bad.Len()),
		zap.Int("maxRetryPasses", s.options.MaxRetryPasses))

	extraPasses := 0

	for pass := 1; s.bad.Len() > 0; pass++ {
		if pass > s.options.MaxRetryPasses+extraPasses {
			if !s.escalate(logger) {
				break
			}

			// one free pass under persistent-recovery mode, not counted
			// against the nominal budget again
			extraPasses = 1
		}

		outcome, err := s.recoveryPass(ctx, pass)
		if err != nil || outcome == OutcomeCancelled {
			return outcome, err
		}
	}

	if err := s.saveLedger(); err != nil {
		return OutcomeCompleted, err
	}

	logger.Info("bad-block recovery finished", zap.Int("residual", s.bad.Len()))

	return OutcomeCompleted, nil
}

// escalate requests persistent-recovery mode, at most once per run.
func (s *Session) escalate(logger *zap.Logger) bool {
	if s.persistentTried || !s.options.PersistentRecovery {
		return false
	}

	s.persistentTried = true

	if !device.TrySetPersistentRecovery(s.dev, true) {
		logger.Warn("persistent-recovery mode unavailable, skipping escalation")

		return false
	}

	s.persistentActive = true

	logger.Info("persistent-recovery mode enabled", zap.Int("badBlocks", s.bad.Len()))

	return true
}

// recoveryPass retries every bad block once in the direction picked for
// the pass.
func (s *Session) recoveryPass(ctx context.Context, pass int) (Outcome, error) {
	var snapshot []uint64

	switch s.options.Direction(pass) {
	case Descending:
		snapshot = s.bad.Descending()
	case Ascending:
		fallthrough
	default:
		snapshot = s.bad.Ascending()
	}

	s.options.Logger.Debug("recovery pass starting",
		zap.Int("pass", pass),
		zap.Int("badBlocks", len(snapshot)))

	for _, lba := range snapshot {
		if ctx.Err() != nil {
			if err := s.saveLedger(); err != nil {
				return OutcomeCancelled, err
			}

			return OutcomeCancelled, nil
		}

		if err := s.retryBlock(lba); err != nil {
			return OutcomeCompleted, err
		}

		s.emitProgress(lba)
	}

	if err := s.saveLedger(); err != nil {
		return OutcomeCompleted, err
	}

	return OutcomeCompleted, nil
}

// retryBlock issues one single-unit read and reconciles the bookkeeping.
func (s *Session) retryBlock(lba uint64) error {
	data, dur, err := s.dev.ReadBlock(lba)

	switch {
	case err == nil:
		if err = s.img.WriteBlocks(lba, data); err != nil {
			return err
		}

		s.bad.Remove(lba)
		s.extents.Add(lba, 1)
		s.telemetry.Record(s.blockSize, dur)
	case errors.Is(err, device.ErrDeviceGone):
		s.saveLedger() //nolint:errcheck

		return fmt.Errorf("recovery aborted at LBA %d: %w", lba, err)
	default:
		// under persistent-recovery mode the device may have transferred
		// a partial sector; keep those bytes instead of the placeholder
		if s.persistentActive && len(data) > 0 {
			if err2 := s.img.WriteBlocks(lba, data); err2 != nil {
				return err2
			}
		}

		s.telemetry.Record(s.blockSize, max(dur, durationFloor))
	}

	return nil
}
