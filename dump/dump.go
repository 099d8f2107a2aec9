// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dump implements the resumable acquisition engine: the sequential
// chunked read pass, the multi-pass bad-block recovery controller and the
// extent/resume bookkeeping that makes interruption safe.
package dump

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retokromer/Aaru/device"
	"github.com/retokromer/Aaru/extent"
	"github.com/retokromer/Aaru/image"
	"github.com/retokromer/Aaru/ledger"
)

// ErrFatalRead indicates a read failure aborted the run because
// stop-on-error was configured.
var ErrFatalRead = errors.New("fatal read error")

// Outcome is the result of an acquisition or recovery phase.
type Outcome int

// Outcomes.
const (
	// OutcomeCompleted means the phase covered its full range.
	OutcomeCompleted Outcome = iota
	// OutcomeCancelled means the phase stopped at a consistent checkpoint
	// after observing cancellation. It is a controlled stop, not an error.
	OutcomeCancelled
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Direction is the LBA order of a recovery pass.
type Direction int

// Directions.
const (
	Ascending Direction = iota
	Descending
)

// DirectionPolicy picks the direction of a recovery pass from its 1-based
// number.
//
// The alternating default is carried over from practice with optical
// drives that recover sectors more reliably when approached from the
// opposite seek direction; it is a heuristic, not a guarantee, hence a
// policy and not a constant.
type DirectionPolicy func(pass int) Direction

// AlternateDirections ascends on odd passes and descends on even ones.
func AlternateDirections(pass int) Direction {
	if pass%2 == 1 {
		return Ascending
	}

	return Descending
}

// AlwaysAscending keeps every pass in ascending LBA order.
func AlwaysAscending(int) Direction {
	return Ascending
}

// Progress is one sample of the outbound progress feed.
type Progress struct {
	LBA            uint64
	Total          uint64
	BytesPerSecond float64
}

// Options configure an acquisition session.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger

	// ChunkSize is the number of blocks per bulk read.
	ChunkSize uint64

	// MaxRetryPasses bounds the nominal recovery passes over bad blocks.
	MaxRetryPasses int

	// PersistentRecovery opts in to the one-shot hardware escalation once
	// the nominal passes are exhausted.
	PersistentRecovery bool

	// StopOnError makes the first read failure fatal to the whole run.
	StopOnError bool

	// ResumePath is the ledger location; empty disables persistence.
	ResumePath string

	// Direction picks recovery pass ordering.
	Direction DirectionPolicy

	// Progress, if set, receives a sample per chunk and per retry step.
	Progress func(Progress)
}

// Option is a function that sets some option.
type Option func(*Options)

// WithLogger sets the logger for the session.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithChunkSize sets the number of blocks per bulk read.
func WithChunkSize(blocks uint64) Option {
	return func(o *Options) {
		o.ChunkSize = blocks
	}
}

// WithMaxRetryPasses bounds the nominal recovery passes.
func WithMaxRetryPasses(passes int) Option {
	return func(o *Options) {
		o.MaxRetryPasses = passes
	}
}

// WithPersistentRecovery opts in to the hardware escalation.
func WithPersistentRecovery() Option {
	return func(o *Options) {
		o.PersistentRecovery = true
	}
}

// WithStopOnError makes the first read failure fatal.
func WithStopOnError() Option {
	return func(o *Options) {
		o.StopOnError = true
	}
}

// WithResumePath sets the ledger location.
func WithResumePath(path string) Option {
	return func(o *Options) {
		o.ResumePath = path
	}
}

// WithDirectionPolicy sets the recovery pass ordering policy.
func WithDirectionPolicy(policy DirectionPolicy) Option {
	return func(o *Options) {
		o.Direction = policy
	}
}

// WithProgress sets the progress feed callback.
func WithProgress(fn func(Progress)) Option {
	return func(o *Options) {
		o.Progress = fn
	}
}

// Session binds one acquisition run: configuration, extent and bad-block
// bookkeeping, the resume ledger and telemetry.
//
// A session owns the device handle and the output artifact exclusively;
// its phases run strictly sequentially.
type Session struct {
	dev device.Reader
	img *image.Image

	options Options

	totalBlocks uint64
	blockSize   uint64

	ledger    *ledger.Ledger
	extents   extent.Set
	bad       *extent.BadSet
	telemetry Telemetry

	persistentActive bool
	persistentTried  bool
}

// New creates a session for one run.
//
// If a resume path is configured and a ledger exists there, the session
// resumes from it; a ledger recorded against a different medium fails
// with ledger.ErrResumeMismatch.
func New(dev device.Reader, img *image.Image, identity device.Identity, totalBlocks, blockSize uint64, opts ...Option) (*Session, error) {
	options := Options{
		Logger:         zap.NewNop(),
		ChunkSize:      64,
		MaxRetryPasses: 5,
		Direction:      AlternateDirections,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if totalBlocks == 0 || blockSize == 0 {
		return nil, fmt.Errorf("medium geometry must be positive: %d blocks of %d bytes", totalBlocks, blockSize)
	}

	if options.ChunkSize == 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}

	s := &Session{
		dev:         dev,
		img:         img,
		options:     options,
		totalBlocks: totalBlocks,
		blockSize:   blockSize,
	}

	if options.ResumePath != "" {
		l, err := ledger.Load(options.ResumePath, identity)

		switch {
		case errors.Is(err, ledger.ErrNotFound):
			s.ledger = ledger.New(identity)
		case err != nil:
			return nil, err
		default:
			s.ledger = l

			options.Logger.Info("resuming interrupted acquisition",
				zap.Uint64("nextBlock", l.NextBlock),
				zap.Int("badBlocks", len(l.BadBlocks)))
		}
	} else {
		s.ledger = ledger.New(identity)
	}

	s.bad = extent.NewBadSet(s.ledger.BadBlocks)
	s.seedExtents()

	s.ledger.RecordAttempt(time.Now())

	return s, nil
}

// seedExtents reconstructs the extent set for the already-attempted
// prefix [0, nextBlock): everything not in the bad-block set was
// acquired.
func (s *Session) seedExtents() {
	start := uint64(0)

	for _, lba := range s.bad.Ascending() {
		if lba >= s.ledger.NextBlock {
			break
		}

		if lba > start {
			s.extents.Add(start, lba-start)
		}

		start = lba + 1
	}

	if s.ledger.NextBlock > start {
		s.extents.Add(start, s.ledger.NextBlock-start)
	}
}

// saveLedger persists the current progress if a resume path is set.
func (s *Session) saveLedger() error {
	s.ledger.BadBlocks = s.bad.Ascending()

	if s.options.ResumePath == "" {
		return nil
	}

	return s.ledger.Save(s.options.ResumePath)
}

// emitProgress feeds the outbound progress callback.
func (s *Session) emitProgress(lba uint64) {
	if s.options.Progress == nil {
		return
	}

	s.options.Progress(Progress{
		LBA:            lba,
		Total:          s.totalBlocks,
		BytesPerSecond: s.telemetry.Current(),
	})
}

// Extents returns the successfully acquired ranges in ascending order.
func (s *Session) Extents() []extent.Run {
	return s.extents.Ranges()
}

// BadBlocks returns the LBAs still awaiting recovery, ascending.
func (s *Session) BadBlocks() []uint64 {
	return s.bad.Ascending()
}

// NextBlock returns the upper bound of the attempted contiguous prefix.
func (s *Session) NextBlock() uint64 {
	return s.ledger.NextBlock
}

// Telemetry returns a snapshot of the speed statistics.
func (s *Session) Telemetry() Snapshot {
	return s.telemetry.Snapshot()
}
