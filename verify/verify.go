// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verify implements the bounded-memory checksum pass over a
// finished acquisition artifact.
package verify

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/retokromer/Aaru/image"
)

var castagnoliTable = sync.OnceValue(func() *crc32.Table {
	return crc32.MakeTable(crc32.Castagnoli)
})

// DefaultWindow is the number of blocks per verification read.
//
// The artifact is addressed by absolute offset, so the window is
// independent of the chunk size used during acquisition.
const DefaultWindow = 500

// Result is the outcome of a verification pass.
type Result struct {
	// SHA256 of the artifact prefix covered by the pass.
	SHA256 [sha256.Size]byte

	// CRC32C of the same prefix, Castagnoli polynomial.
	CRC32C uint32

	// PrefixBlocks is the number of blocks covered.
	PrefixBlocks uint64

	// Complete is true only if the pass covered the full range. A partial
	// result is informational and never a pass/fail integrity verdict.
	Complete bool
}

// Options configure a verification pass.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger

	// Window is the number of blocks per read.
	Window uint64
}

// Option is a function that sets some option.
type Option func(*Options)

// WithLogger sets the logger for the pass.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithWindow sets the number of blocks per read.
func WithWindow(blocks uint64) Option {
	return func(o *Options) {
		o.Window = blocks
	}
}

// Verify sweeps the artifact with a fixed-size window, feeding each
// window into rolling checksum accumulators.
//
// Cancellation is honored at window boundaries: the returned Result then
// carries only the covered prefix with Complete set to false.
func Verify(ctx context.Context, artifact io.ReaderAt, totalBlocks, blockSize uint64, opts ...Option) (Result, error) {
	options := Options{
		Logger: zap.NewNop(),
		Window: DefaultWindow,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Window == 0 {
		return Result{}, fmt.Errorf("verification window must be positive")
	}

	sha := sha256.New()
	crc := uint32(0)

	buf := make([]byte, options.Window*blockSize)

	var covered uint64

	for covered < totalBlocks {
		if ctx.Err() != nil {
			options.Logger.Info("verification cancelled", zap.Uint64("prefixBlocks", covered))

			return partial(sha, crc, covered), nil
		}

		count := min(options.Window, totalBlocks-covered)
		window := buf[:count*blockSize]

		if err := image.ReadFull(artifact, window, int64(covered*blockSize)); err != nil {
			return partial(sha, crc, covered), fmt.Errorf("reading window at block %d: %w", covered, err)
		}

		sha.Write(window) //nolint:errcheck
		crc = crc32.Update(crc, castagnoliTable(), window)

		covered += count
	}

	result := partial(sha, crc, covered)
	result.Complete = true

	return result, nil
}

func partial(sha hash.Hash, crc uint32, covered uint64) Result {
	r := Result{
		CRC32C:       ^crc,
		PrefixBlocks: covered,
	}

	copy(r.SHA256[:], sha.Sum(nil))

	return r
}
