// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partmeta identifies the partition scheme of a finished
// acquisition artifact for metadata enrichment.
//
// Enrichment runs once after the session completes and is best effort:
// its failure must never fail the dump.
package partmeta

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Partition describes one partition found on the artifact.
type Partition struct { //nolint:govet
	// Index is the 1-based entry number within the scheme.
	Index uint

	// Start and Length are byte offsets into the artifact.
	Start  uint64
	Length uint64

	// Scheme names the partition scheme the entry came from.
	Scheme string

	// UUID and TypeUUID are set for schemes that carry them.
	UUID     *uuid.UUID
	TypeUUID *uuid.UUID

	// Label is the partition name, if the scheme stores one.
	Label *string
}

// Prober inspects the artifact for one partition scheme.
//
// A prober that finds nothing returns (nil, nil); variants are registered
// explicitly in a chain, first match wins.
type Prober interface {
	// Scheme returns the name of the partition scheme.
	Scheme() string
	// Probe inspects the artifact and returns its partitions if the
	// scheme is present.
	Probe(r io.ReaderAt, totalBlocks, blockSize uint64) ([]Partition, error)
}

// DefaultChain returns the probers in evaluation order.
//
// GPT runs before MBR so a protective MBR does not shadow the real table.
func DefaultChain() []Prober {
	return []Prober{
		&GPT{},
		&MBR{},
	}
}

// Options configure partition probing.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger

	// Chain overrides the default prober chain.
	Chain []Prober
}

// Option is a function that sets some option.
type Option func(*Options)

// WithLogger sets the logger for probing.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithChain overrides the prober chain.
func WithChain(chain []Prober) Option {
	return func(o *Options) {
		o.Chain = chain
	}
}

// Partitions probes the artifact and returns the partitions of the first
// scheme that matches, ordered by on-disk entry index.
//
// No matching scheme is not an error: the result is simply empty.
func Partitions(r io.ReaderAt, totalBlocks, blockSize uint64, opts ...Option) ([]Partition, error) {
	options := Options{
		Logger: zap.NewNop(),
		Chain:  DefaultChain(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	for _, prober := range options.Chain {
		parts, err := prober.Probe(r, totalBlocks, blockSize)
		if err != nil {
			return nil, fmt.Errorf("probing %s: %w", prober.Scheme(), err)
		}

		if parts != nil {
			options.Logger.Debug("partition scheme identified",
				zap.String("scheme", prober.Scheme()),
				zap.Int("partitions", len(parts)))

			return parts, nil
		}
	}

	options.Logger.Debug("no partition scheme identified")

	return nil, nil
}
