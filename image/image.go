// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package image manages the flat output artifact of an acquisition.
//
// The artifact mirrors the medium byte for byte: every LBA maps to the
// absolute offset lba*blockSize, unreadable blocks hold zero-filled
// placeholders that later recovery passes overwrite in place.
package image

import (
	"fmt"
	"io"
	"os"
)

// Image is the flat output artifact.
type Image struct {
	f *os.File

	blockSize uint64
}

// Create opens (or creates) the artifact at path.
//
// An existing file is kept as is so an interrupted acquisition can resume
// into the same artifact.
func Create(path string, blockSize uint64) (*Image, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("block size must be positive")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}

	return &Image{f: f, blockSize: blockSize}, nil
}

// Close syncs and releases the artifact.
func (im *Image) Close() error {
	if err := im.f.Sync(); err != nil {
		im.f.Close() //nolint:errcheck

		return err
	}

	return im.f.Close()
}

// BlockSize returns the block size the artifact was opened with.
func (im *Image) BlockSize() uint64 {
	return im.blockSize
}

// WriteBlocks writes data at the absolute offset of lba.
//
// len(data) does not have to be a whole number of blocks: recovery passes
// use it to overwrite a placeholder with a partial sector capture.
func (im *Image) WriteBlocks(lba uint64, data []byte) error {
	if _, err := im.f.WriteAt(data, int64(lba*im.blockSize)); err != nil {
		return fmt.Errorf("writing %d bytes at LBA %d: %w", len(data), lba, err)
	}

	return nil
}

// WritePlaceholder writes count zero-filled blocks at lba, keeping the
// artifact geometrically aligned with the medium across unreadable spans.
func (im *Image) WritePlaceholder(lba, count uint64) error {
	zero := make([]byte, count*im.blockSize)

	return im.WriteBlocks(lba, zero)
}

// ReadAt implements io.ReaderAt over the artifact.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	return im.f.ReadAt(p, off)
}

// ReadBlocks reads count whole blocks starting at lba.
func (im *Image) ReadBlocks(lba, count uint64) ([]byte, error) {
	buf := make([]byte, count*im.blockSize)

	if err := ReadFull(im.f, buf, int64(lba*im.blockSize)); err != nil {
		return nil, fmt.Errorf("reading %d blocks at LBA %d: %w", count, lba, err)
	}

	return buf, nil
}

// ReadFull is io.ReadFull for io.ReaderAt.
func ReadFull(r io.ReaderAt, buf []byte, offset int64) error {
	for n := 0; n < len(buf); {
		m, err := r.ReadAt(buf[n:], offset)

		n += m
		offset += int64(m)

		if err != nil {
			if err == io.EOF && n == len(buf) {
				return nil
			}

			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}

			return err
		}
	}

	return nil
}
