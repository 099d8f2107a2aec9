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

// Run executes the main sequential acquisition pass.
//
// Starting at the ledger's next block, chunks of up to ChunkSize blocks
// are read and written to the artifact at their absolute offset. A failed
// chunk is replaced by a zero-filled placeholder of the same size so the
// artifact never has a hole, and its LBAs join the bad-block set for the
// recovery controller. The ledger is persisted at every chunk boundary.
//
// Cancellation is polled before each chunk; an observed cancellation
// persists the ledger and returns OutcomeCancelled with a nil error.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	logger := s.options.Logger

	logger.Info("acquisition pass starting",
		zap.Uint64("nextBlock", s.ledger.NextBlock),
		zap.Uint64("totalBlocks", s.totalBlocks),
		zap.Uint64("chunkSize", s.options.ChunkSize))

	for lba := s.ledger.NextBlock; lba < s.totalBlocks; lba = s.ledger.NextBlock {
		if ctx.Err() != nil {
			if err := s.saveLedger(); err != nil {
				return OutcomeCancelled, err
			}

			logger.Info("acquisition cancelled", zap.Uint64("nextBlock", s.ledger.NextBlock))

			return OutcomeCancelled, nil
		}

		count := min(s.options.ChunkSize, s.totalBlocks-lba)

		data, dur, err := s.dev.ReadBlocks(lba, count)

		switch {
		case err == nil:
			if err = s.img.WriteBlocks(lba, data); err != nil {
				return OutcomeCompleted, err
			}

			s.extents.Add(lba, count)
			s.telemetry.Record(count*s.blockSize, dur)
		case errors.Is(err, device.ErrDeviceGone):
			s.saveLedger() //nolint:errcheck

			return OutcomeCompleted, fmt.Errorf("acquisition aborted at LBA %d: %w", lba, err)
		default:
			logger.Debug("chunk read failed",
				zap.Uint64("lba", lba),
				zap.Uint64("count", count),
				zap.Error(err))

			// never leave a hole: the artifact stays geometrically
			// aligned with the medium at every offset
			if err2 := s.img.WritePlaceholder(lba, count); err2 != nil {
				return OutcomeCompleted, err2
			}

			for i := uint64(0); i < count; i++ {
				s.bad.Add(lba + i)
			}

			s.telemetry.Record(count*s.blockSize, max(dur, durationFloor))

			if s.options.StopOnError {
				s.ledger.NextBlock = lba + count

				if err2 := s.saveLedger(); err2 != nil {
					return OutcomeCompleted, err2
				}

				return OutcomeCompleted, fmt.Errorf("%w: chunk at LBA %d: %v", ErrFatalRead, lba, err)
			}
		}

		s.ledger.NextBlock = lba + count

		if err = s.saveLedger(); err != nil {
			return OutcomeCompleted, err
		}

		s.emitProgress(s.ledger.NextBlock)
	}

	if err := s.saveLedger(); err != nil {
		return OutcomeCompleted, err
	}

	logger.Info("acquisition pass finished",
		zap.Uint64("acquired", s.extents.TotalBlocks()),
		zap.Int("badBlocks", s.bad.Len()))

	return OutcomeCompleted, nil
}
