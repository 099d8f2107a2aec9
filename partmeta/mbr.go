// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partmeta

import (
	"encoding/binary"
	"io"

	"github.com/retokromer/Aaru/image"
)

const (
	mbrEntryOffset = 446
	mbrEntrySize   = 16
	mbrEntries     = 4

	// protective MBR entry type fronting a GPT
	mbrTypeGPTProtective = 0xEE

	// extended partition container types (CHS and LBA variants)
	mbrTypeExtendedCHS = 0x05
	mbrTypeExtendedLBA = 0x0F

	// logical partitions are numbered from 5 by convention
	firstLogicalIndex = 5

	// bound on the EBR chain walk, guarding against cycles
	maxLogicalPartitions = 128
)

// MBR probes classic DOS partition tables, descending into extended
// partitions to report the logical partitions of their EBR chain.
type MBR struct{}

// Scheme implements Prober.
func (p *MBR) Scheme() string {
	return "mbr"
}

// Probe implements Prober.
func (p *MBR) Probe(r io.ReaderAt, totalBlocks, blockSize uint64) ([]Partition, error) {
	if totalBlocks == 0 || blockSize < 512 {
		return nil, nil
	}

	sector := make([]byte, 512)

	if err := image.ReadFull(r, sector, 0); err != nil {
		return nil, err
	}

	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, nil
	}

	parts := []Partition{}

	var logical []Partition

	for i := 0; i < mbrEntries; i++ {
		entry := sector[mbrEntryOffset+i*mbrEntrySize : mbrEntryOffset+(i+1)*mbrEntrySize]

		partType := entry[4]
		if partType == 0 {
			continue
		}

		// a protective entry means the real table is GPT; this sector is
		// not an MBR match
		if partType == mbrTypeGPTProtective {
			return nil, nil
		}

		firstLBA := uint64(binary.LittleEndian.Uint32(entry[8:12]))
		sectors := uint64(binary.LittleEndian.Uint32(entry[12:16]))

		if sectors == 0 || firstLBA >= totalBlocks {
			continue
		}

		if isExtendedType(partType) {
			chain, err := p.readLogical(r, firstLBA, totalBlocks, blockSize)
			if err != nil {
				return nil, err
			}

			logical = append(logical, chain...)

			continue
		}

		parts = append(parts, Partition{
			Index:  uint(i + 1),
			Start:  firstLBA * blockSize,
			Length: sectors * blockSize,
			Scheme: p.Scheme(),
		})
	}

	parts = append(parts, logical...)

	if len(parts) == 0 {
		return nil, nil
	}

	return parts, nil
}

// readLogical walks the EBR chain rooted at the extended partition.
//
// Each EBR holds the logical partition in its first slot (relative to
// the EBR itself) and a link to the next EBR in its second slot
// (relative to the extended partition start).
func (p *MBR) readLogical(r io.ReaderAt, extStart, totalBlocks, blockSize uint64) ([]Partition, error) {
	var parts []Partition

	index := uint(firstLogicalIndex)
	ebr := extStart

	sector := make([]byte, 512)

	for i := 0; i < maxLogicalPartitions; i++ {
		if ebr >= totalBlocks {
			break
		}

		if err := image.ReadFull(r, sector, int64(ebr*blockSize)); err != nil {
			return nil, err
		}

		if sector[510] != 0x55 || sector[511] != 0xAA {
			break
		}

		entry := sector[mbrEntryOffset : mbrEntryOffset+mbrEntrySize]

		if partType := entry[4]; partType != 0 && !isExtendedType(partType) {
			firstLBA := ebr + uint64(binary.LittleEndian.Uint32(entry[8:12]))
			sectors := uint64(binary.LittleEndian.Uint32(entry[12:16]))

			if sectors > 0 && firstLBA < totalBlocks {
				parts = append(parts, Partition{
					Index:  index,
					Start:  firstLBA * blockSize,
					Length: sectors * blockSize,
					Scheme: p.Scheme(),
				})

				index++
			}
		}

		link := sector[mbrEntryOffset+mbrEntrySize : mbrEntryOffset+2*mbrEntrySize]

		if !isExtendedType(link[4]) {
			break
		}

		next := uint64(binary.LittleEndian.Uint32(link[8:12]))
		if next == 0 {
			break
		}

		ebr = extStart + next
	}

	return parts, nil
}

func isExtendedType(t byte) bool {
	return t == mbrTypeExtendedCHS || t == mbrTypeExtendedLBA
}
