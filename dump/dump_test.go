// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dump_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retokromer/Aaru/device"
	"github.com/retokromer/Aaru/dump"
	"github.com/retokromer/Aaru/extent"
	"github.com/retokromer/Aaru/image"
	"github.com/retokromer/Aaru/ledger"
)

const blockSize = 512

// blockPattern is the deterministic content of one block of the fake
// medium.
func blockPattern(lba uint64) []byte {
	block := make([]byte, blockSize)

	for i := range block {
		block[i] = byte(lba*31 + uint64(i)*7 + 1)
	}

	return block
}

// fakeDevice is an in-memory medium with deterministic fault injection.
type fakeDevice struct {
	// chunkFault fails a bulk read touching the returned error.
	chunkFault func(lba, count uint64) error

	// blockFault fails a single-unit retry; data is an optional partial
	// transfer. attempt is 1-based per LBA.
	blockFault func(lba uint64, attempt int) ([]byte, error)

	chunkReads [][2]uint64
	retryLog   []uint64
	attempts   map[uint64]int

	persistentSupported bool
	persistentCalls     int
	persistentActive    bool
}

func (d *fakeDevice) ReadBlocks(lba, count uint64) ([]byte, time.Duration, error) {
	d.chunkReads = append(d.chunkReads, [2]uint64{lba, count})

	if d.chunkFault != nil {
		if err := d.chunkFault(lba, count); err != nil {
			// fast fail, near-zero duration
			return nil, time.Microsecond, err
		}
	}

	data := make([]byte, 0, count*blockSize)

	for i := uint64(0); i < count; i++ {
		data = append(data, blockPattern(lba+i)...)
	}

	return data, 2 * time.Millisecond, nil
}

func (d *fakeDevice) ReadBlock(lba uint64) ([]byte, time.Duration, error) {
	d.retryLog = append(d.retryLog, lba)

	if d.attempts == nil {
		d.attempts = map[uint64]int{}
	}

	d.attempts[lba]++

	if d.blockFault != nil {
		if data, err := d.blockFault(lba, d.attempts[lba]); err != nil {
			return data, time.Microsecond, err
		}
	}

	return blockPattern(lba), time.Millisecond, nil
}

func (d *fakeDevice) TrySetPersistentRecovery(bool) bool {
	d.persistentCalls++

	if d.persistentSupported {
		d.persistentActive = true
	}

	return d.persistentSupported
}

func testIdentity() device.Identity {
	return device.Identity{Model: "fake", Serial: "SN-1", PlatformID: "test"}
}

func testImage(t *testing.T) *image.Image {
	t.Helper()

	im, err := image.Create(filepath.Join(t.TempDir(), "out.img"), blockSize)
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, im.Close()) })

	return im
}

var errInjected = errors.New("injected medium error")

// faultAt fails any chunk touching one of the given LBAs.
func faultAt(lbas ...uint64) func(lba, count uint64) error {
	return func(lba, count uint64) error {
		for _, bad := range lbas {
			if bad >= lba && bad < lba+count {
				return errInjected
			}
		}

		return nil
	}
}

func TestScenarioFaultFree(t *testing.T) {
	dev := &fakeDevice{}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 1000, blockSize, dump.WithChunkSize(100))
	require.NoError(t, err)

	outcome, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dump.OutcomeCompleted, outcome)
	assert.Len(t, dev.chunkReads, 10)
	assert.Equal(t, []extent.Run{{Start: 0, Length: 1000}}, s.Extents())
	assert.Empty(t, s.BadBlocks())
	assert.Equal(t, uint64(1000), s.NextBlock())

	// artifact holds the medium bytes
	got, err := im.ReadBlocks(999, 1)
	require.NoError(t, err)
	assert.Equal(t, blockPattern(999), got)
}

func TestIdempotence(t *testing.T) {
	var results [][]extent.Run

	for i := 0; i < 2; i++ {
		dev := &fakeDevice{}
		im := testImage(t)

		s, err := dump.New(dev, im, testIdentity(), 1000, blockSize, dump.WithChunkSize(100))
		require.NoError(t, err)

		_, err = s.Run(context.Background())
		require.NoError(t, err)

		assert.Empty(t, s.BadBlocks())

		results = append(results, s.Extents())
	}

	assert.Equal(t, results[0], results[1])
}

func TestScenarioPersistentFault(t *testing.T) {
	for _, test := range []struct {
		name string

		persistentSupported bool

		expectedAttempts int
	}{
		{
			name:                "escalation unsupported",
			persistentSupported: false,
			expectedAttempts:    5,
		},
		{
			name:                "escalation buys one extra pass",
			persistentSupported: true,
			expectedAttempts:    6,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := &fakeDevice{
				chunkFault: faultAt(550),
				blockFault: func(uint64, int) ([]byte, error) {
					return nil, errInjected
				},
				persistentSupported: test.persistentSupported,
			}
			im := testImage(t)

			s, err := dump.New(dev, im, testIdentity(), 1000, blockSize,
				dump.WithChunkSize(1),
				dump.WithMaxRetryPasses(5),
				dump.WithPersistentRecovery())
			require.NoError(t, err)

			outcome, err := s.Run(context.Background())
			require.NoError(t, err)
			require.Equal(t, dump.OutcomeCompleted, outcome)

			assert.Equal(t, []uint64{550}, s.BadBlocks())

			outcome, err = s.Recover(context.Background())
			require.NoError(t, err)
			require.Equal(t, dump.OutcomeCompleted, outcome)

			assert.Equal(t, []uint64{550}, s.BadBlocks())
			assert.Equal(t, 1, dev.persistentCalls, "escalation must be requested exactly once")
			assert.Equal(t, test.expectedAttempts, dev.attempts[550])

			// the coverage invariant holds around the residual bad block
			assert.Equal(t, []extent.Run{{Start: 0, Length: 550}, {Start: 551, Length: 449}}, s.Extents())

			// the placeholder stays zero-filled
			got, err := im.ReadBlocks(550, 1)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, blockSize), got)
		})
	}
}

func TestRecoverySucceedsOnRetry(t *testing.T) {
	dev := &fakeDevice{
		chunkFault: faultAt(550),
		blockFault: func(lba uint64, attempt int) ([]byte, error) {
			if attempt < 3 {
				return nil, errInjected
			}

			return nil, nil
		},
	}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 1000, blockSize,
		dump.WithChunkSize(1),
		dump.WithMaxRetryPasses(5))
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	outcome, err := s.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, dump.OutcomeCompleted, outcome)

	assert.Empty(t, s.BadBlocks())
	assert.Equal(t, []extent.Run{{Start: 0, Length: 1000}}, s.Extents())

	// the placeholder was overwritten in place
	got, err := im.ReadBlocks(550, 1)
	require.NoError(t, err)
	assert.Equal(t, blockPattern(550), got)
}

func TestDirectionAlternation(t *testing.T) {
	dev := &fakeDevice{
		chunkFault: faultAt(100, 200),
		blockFault: func(uint64, int) ([]byte, error) {
			return nil, errInjected
		},
	}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 300, blockSize,
		dump.WithChunkSize(1),
		dump.WithMaxRetryPasses(2))
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []uint64{100, 200}, s.BadBlocks())

	_, err = s.Recover(context.Background())
	require.NoError(t, err)

	// pass 1 ascending, pass 2 descending
	assert.Equal(t, []uint64{100, 200, 200, 100}, dev.retryLog)
}

func TestDirectionPolicyOverride(t *testing.T) {
	dev := &fakeDevice{
		chunkFault: faultAt(100, 200),
		blockFault: func(uint64, int) ([]byte, error) {
			return nil, errInjected
		},
	}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 300, blockSize,
		dump.WithChunkSize(1),
		dump.WithMaxRetryPasses(2),
		dump.WithDirectionPolicy(dump.AlwaysAscending))
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint64{100, 200, 100, 200}, dev.retryLog)
}

func TestPartialSectorCaptureUnderPersistentMode(t *testing.T) {
	partial := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	dev := &fakeDevice{
		chunkFault:          faultAt(42),
		persistentSupported: true,
	}
	dev.blockFault = func(uint64, int) ([]byte, error) {
		if dev.persistentActive {
			return partial, errInjected
		}

		return nil, errInjected
	}

	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 100, blockSize,
		dump.WithChunkSize(1),
		dump.WithMaxRetryPasses(1),
		dump.WithPersistentRecovery())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Recover(context.Background())
	require.NoError(t, err)

	require.Equal(t, []uint64{42}, s.BadBlocks())

	// the partial transfer replaced the placeholder prefix
	got, err := im.ReadBlocks(42, 1)
	require.NoError(t, err)

	expected := make([]byte, blockSize)
	copy(expected, partial)
	assert.Equal(t, expected, got)
}

func TestScenarioCancelAndResume(t *testing.T) {
	resumePath := filepath.Join(t.TempDir(), "dump.resume")

	dev := &fakeDevice{}
	im := testImage(t)

	ctx, cancel := context.WithCancel(context.Background())

	chunks := 0

	s, err := dump.New(dev, im, testIdentity(), 1000, blockSize,
		dump.WithChunkSize(100),
		dump.WithResumePath(resumePath),
		dump.WithProgress(func(dump.Progress) {
			chunks++
			if chunks == 5 {
				cancel()
			}
		}))
	require.NoError(t, err)

	outcome, err := s.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, dump.OutcomeCancelled, outcome)
	assert.Equal(t, []extent.Run{{Start: 0, Length: 500}}, s.Extents())
	assert.Empty(t, s.BadBlocks())
	assert.Equal(t, uint64(500), s.NextBlock())

	// a second run loads the ledger and resumes at LBA 500
	dev2 := &fakeDevice{}

	s2, err := dump.New(dev2, im, testIdentity(), 1000, blockSize,
		dump.WithChunkSize(100),
		dump.WithResumePath(resumePath))
	require.NoError(t, err)

	outcome, err = s2.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dump.OutcomeCompleted, outcome)
	assert.Equal(t, [][2]uint64{{500, 100}, {600, 100}, {700, 100}, {800, 100}, {900, 100}}, dev2.chunkReads)
	assert.Equal(t, []extent.Run{{Start: 0, Length: 1000}}, s2.Extents())
	assert.Empty(t, s2.BadBlocks())
	assert.Equal(t, uint64(1000), s2.NextBlock())

	// the ledger accumulated both attempts
	l, err := ledger.Load(resumePath, testIdentity())
	require.NoError(t, err)
	assert.Len(t, l.Attempts, 2)
	assert.Equal(t, uint64(500), l.Attempts[1].ResumedFrom)
}

func TestResumeEquivalence(t *testing.T) {
	// identical deterministic fault injection with and without an
	// interruption must converge to the same final state
	run := func(t *testing.T, interrupt bool) ([]extent.Run, []uint64) {
		t.Helper()

		resumePath := filepath.Join(t.TempDir(), "dump.resume")
		im := testImage(t)

		newSession := func(dev *fakeDevice, progress func(dump.Progress)) *dump.Session {
			opts := []dump.Option{
				dump.WithChunkSize(10),
				dump.WithResumePath(resumePath),
			}

			if progress != nil {
				opts = append(opts, dump.WithProgress(progress))
			}

			s, err := dump.New(dev, im, testIdentity(), 200, blockSize, opts...)
			require.NoError(t, err)

			return s
		}

		fault := faultAt(33, 77, 150)

		if interrupt {
			ctx, cancel := context.WithCancel(context.Background())

			chunks := 0

			s := newSession(&fakeDevice{chunkFault: fault}, func(dump.Progress) {
				chunks++
				if chunks == 7 {
					cancel()
				}
			})

			outcome, err := s.Run(ctx)
			require.NoError(t, err)
			require.Equal(t, dump.OutcomeCancelled, outcome)
		}

		s := newSession(&fakeDevice{chunkFault: fault}, nil)

		outcome, err := s.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, dump.OutcomeCompleted, outcome)

		return s.Extents(), s.BadBlocks()
	}

	directExtents, directBad := run(t, false)
	resumedExtents, resumedBad := run(t, true)

	assert.Equal(t, directExtents, resumedExtents)
	assert.Equal(t, directBad, resumedBad)
}

func TestCoverageInvariant(t *testing.T) {
	dev := &fakeDevice{chunkFault: faultAt(5, 123, 124, 999)}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 1000, blockSize, dump.WithChunkSize(7))
	require.NoError(t, err)

	outcome, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, dump.OutcomeCompleted, outcome)

	// Extent Set and Bad-Block Set are disjoint and together cover the
	// full range
	covered := uint64(0)

	for _, r := range s.Extents() {
		covered += r.Length

		for lba := r.Start; lba < r.End(); lba++ {
			assert.NotContains(t, s.BadBlocks(), lba)
		}
	}

	assert.Equal(t, uint64(1000), covered+uint64(len(s.BadBlocks())))
}

func TestStopOnError(t *testing.T) {
	dev := &fakeDevice{chunkFault: faultAt(350)}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 1000, blockSize,
		dump.WithChunkSize(100),
		dump.WithStopOnError())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, dump.ErrFatalRead)

	// the failed chunk was still attempted and accounted for
	assert.Equal(t, uint64(400), s.NextBlock())
	assert.Len(t, s.BadBlocks(), 100)
	assert.Equal(t, []extent.Run{{Start: 0, Length: 300}}, s.Extents())
}

func TestDeviceGoneIsFatal(t *testing.T) {
	dev := &fakeDevice{
		chunkFault: func(lba, _ uint64) error {
			if lba >= 500 {
				return fmt.Errorf("transport: %w", device.ErrDeviceGone)
			}

			return nil
		},
	}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 1000, blockSize, dump.WithChunkSize(100))
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.ErrorIs(t, err, device.ErrDeviceGone)

	assert.Equal(t, uint64(500), s.NextBlock())
	assert.Equal(t, []extent.Run{{Start: 0, Length: 500}}, s.Extents())
}

func TestResumeMismatchRefused(t *testing.T) {
	resumePath := filepath.Join(t.TempDir(), "dump.resume")

	l := ledger.New(device.Identity{Model: "other", Serial: "SN-2"})
	require.NoError(t, l.Save(resumePath))

	_, err := dump.New(&fakeDevice{}, testImage(t), testIdentity(), 1000, blockSize,
		dump.WithResumePath(resumePath))
	assert.ErrorIs(t, err, ledger.ErrResumeMismatch)
}

func TestRecoveryCancelledBetweenBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	retries := 0

	dev := &fakeDevice{
		chunkFault: faultAt(10, 20, 30),
		blockFault: func(uint64, int) ([]byte, error) {
			retries++
			if retries == 2 {
				cancel()
			}

			return nil, errInjected
		},
	}
	im := testImage(t)

	s, err := dump.New(dev, im, testIdentity(), 100, blockSize,
		dump.WithChunkSize(1),
		dump.WithMaxRetryPasses(5))
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	require.NoError(t, err)

	outcome, err := s.Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, dump.OutcomeCancelled, outcome)
	assert.Equal(t, []uint64{10, 20, 30}, s.BadBlocks())
}
