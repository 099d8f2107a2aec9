// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"fmt"
	"io"
	"os"
	"time"
)

// File is a Reader over a regular file or a raw block device node.
//
// It is the transport used when dumping an already-attached medium the
// kernel exposes as a file; command-level transports plug in behind the
// same Reader contract.
type File struct {
	f *os.File

	identity Identity

	blockSize   uint64
	totalBlocks uint64
}

// OpenFile opens the path read-only and derives its geometry.
//
// For block device nodes the size comes from the kernel; for regular
// files from the file length. A size not divisible by blockSize is
// rounded up, the trailing partial block reading as zero-padded.
func OpenFile(path string, blockSize uint64) (*File, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("block size must be positive")
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}

	size, err := fileSize(f)
	if err != nil {
		f.Close() //nolint:errcheck

		return nil, fmt.Errorf("sizing device: %w", err)
	}

	return &File{
		f: f,
		identity: Identity{
			Model:      "file-backed",
			Serial:     path,
			PlatformID: path,
		},
		blockSize:   blockSize,
		totalBlocks: (size + blockSize - 1) / blockSize,
	}, nil
}

// Close releases the underlying file.
func (d *File) Close() error {
	return d.f.Close()
}

// Identity returns the identity recorded into the resume ledger.
func (d *File) Identity() Identity {
	return d.identity
}

// BlockSize returns the logical block size in bytes.
func (d *File) BlockSize() uint64 {
	return d.blockSize
}

// TotalBlocks returns the number of addressable blocks.
func (d *File) TotalBlocks() uint64 {
	return d.totalBlocks
}

// ReadAt implements io.ReaderAt over the raw medium bytes, so the same
// handle can back a verification sweep.
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// ReadBlocks implements Reader.
func (d *File) ReadBlocks(lba, count uint64) ([]byte, time.Duration, error) {
	start := time.Now()

	buf := make([]byte, count*d.blockSize)

	n, err := d.f.ReadAt(buf, int64(lba*d.blockSize))

	dur := time.Since(start)

	if err != nil && err != io.EOF {
		return buf[:n], dur, fmt.Errorf("reading %d blocks at LBA %d: %w", count, lba, err)
	}

	// io.EOF with the tail zero-padded is a successful read of the last
	// partial block
	return buf, dur, nil
}

// ReadBlock implements Reader.
func (d *File) ReadBlock(lba uint64) ([]byte, time.Duration, error) {
	return d.ReadBlocks(lba, 1)
}
