// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partmeta

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
	"golang.org/x/text/encoding/unicode"

	"github.com/retokromer/Aaru/image"
)

// gptSignature is "EFI PART".
const gptSignature = 0x5452415020494645

const (
	gptHeaderSize = 92
	gptEntrySize  = 128
	gptMaxEntries = 128

	primaryHeaderLBA = 1
)

// GPT probes GUID partition tables.
type GPT struct{}

// Scheme implements Prober.
func (p *GPT) Scheme() string {
	return "gpt"
}

// Probe implements Prober.
//
// The primary header at LBA 1 is tried first, the backup header at the
// last LBA covers media whose start was unreadable.
func (p *GPT) Probe(r io.ReaderAt, totalBlocks, blockSize uint64) ([]Partition, error) {
	if totalBlocks < 2 {
		return nil, nil
	}

	lastLBA := totalBlocks - 1

	for _, lba := range []uint64{primaryHeaderLBA, lastLBA} {
		parts, err := p.readTable(r, lba, lastLBA, blockSize)
		if err != nil || parts != nil {
			return parts, err
		}
	}

	return nil, nil
}

// readTable reads and validates the header at lba and its entry array.
//
// A header that fails any sanity check yields (nil, nil): the artifact
// simply does not carry a valid table there.
func (p *GPT) readTable(r io.ReaderAt, lba, lastLBA, blockSize uint64) ([]Partition, error) {
	buf := make([]byte, blockSize)

	if err := image.ReadFull(r, buf, int64(lba*blockSize)); err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint64(buf[0:8]) != gptSignature {
		return nil, nil
	}

	headerSize := binary.LittleEndian.Uint32(buf[12:16])
	if headerSize < gptHeaderSize || uint64(headerSize) > blockSize {
		return nil, nil
	}

	// verify the header checksum with the crc field zeroed
	headerCRC := binary.LittleEndian.Uint32(buf[16:20])
	scratch := bytes.Clone(buf[:headerSize])
	scratch[16], scratch[17], scratch[18], scratch[19] = 0, 0, 0, 0

	if crc32.ChecksumIEEE(scratch) != headerCRC {
		return nil, nil
	}

	if binary.LittleEndian.Uint64(buf[24:32]) != lba {
		return nil, nil
	}

	firstUsable := binary.LittleEndian.Uint64(buf[40:48])
	lastUsable := binary.LittleEndian.Uint64(buf[48:56])

	if lastUsable < firstUsable || firstUsable > lastLBA || lastUsable > lastLBA {
		return nil, nil
	}

	entriesLBA := binary.LittleEndian.Uint64(buf[72:80])
	numEntries := binary.LittleEndian.Uint32(buf[80:84])
	entrySize := binary.LittleEndian.Uint32(buf[84:88])
	entriesCRC := binary.LittleEndian.Uint32(buf[88:92])

	if entrySize != gptEntrySize || numEntries == 0 || numEntries > gptMaxEntries {
		return nil, nil
	}

	entries := make([]byte, numEntries*gptEntrySize)

	if err := image.ReadFull(r, entries, int64(entriesLBA*blockSize)); err != nil {
		return nil, err
	}

	if crc32.ChecksumIEEE(entries) != entriesCRC {
		return nil, nil
	}

	return p.parseEntries(entries, firstUsable, lastUsable, blockSize)
}

func (p *GPT) parseEntries(entries []byte, firstUsable, lastUsable, blockSize uint64) ([]Partition, error) {
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	zeroGUID := make([]byte, 16)

	parts := []Partition{}

	for i := 0; i*gptEntrySize < len(entries); i++ {
		entry := entries[i*gptEntrySize : (i+1)*gptEntrySize]

		// skip unused slots
		if bytes.Equal(entry[0:16], zeroGUID) {
			continue
		}

		startLBA := binary.LittleEndian.Uint64(entry[32:40])
		endLBA := binary.LittleEndian.Uint64(entry[40:48])

		if startLBA < firstUsable || endLBA > lastUsable || endLBA < startLBA {
			continue
		}

		typeUUID, err := uuid.FromBytes(guidToUUID(entry[0:16]))
		if err != nil {
			return nil, err
		}

		partUUID, err := uuid.FromBytes(guidToUUID(entry[16:32]))
		if err != nil {
			return nil, err
		}

		name, err := utf16.NewDecoder().Bytes(entry[56:gptEntrySize])
		if err != nil {
			return nil, err
		}

		name = bytes.TrimRight(name, "\x00")

		parts = append(parts, Partition{
			Index:    uint(i + 1),
			Start:    startLBA * blockSize,
			Length:   (endLBA - startLBA + 1) * blockSize,
			Scheme:   p.Scheme(),
			UUID:     &partUUID,
			TypeUUID: &typeUUID,
			Label:    pointer.To(string(name)),
		})
	}

	return parts, nil
}

// guidToUUID converts a mixed-endian GPT GUID to RFC 4122 byte order.
func guidToUUID(g []byte) []byte {
	return append(
		[]byte{
			g[3], g[2], g[1], g[0],
			g[5], g[4],
			g[7], g[6],
			g[8], g[9],
		},
		g[10:16]...,
	)
}
