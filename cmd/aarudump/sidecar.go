// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/siderolabs/gen/xslices"

	"github.com/retokromer/Aaru/device"
	"github.com/retokromer/Aaru/dump"
	"github.com/retokromer/Aaru/extent"
	"github.com/retokromer/Aaru/partmeta"
	"github.com/retokromer/Aaru/verify"
)

// sidecar is the metadata artifact written next to the image.
type sidecar struct {
	Device device.Identity `json:"device"`

	Extents   []sidecarRange `json:"extents"`
	BadBlocks []uint64       `json:"badBlocks,omitempty"`

	SHA256 string `json:"sha256,omitempty"`
	CRC32C string `json:"crc32c,omitempty"`

	Partitions []sidecarPartition `json:"partitions,omitempty"`
}

type sidecarRange struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

type sidecarPartition struct {
	Index  uint   `json:"index"`
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
	Scheme string `json:"scheme"`
	Label  string `json:"label,omitempty"`
}

func writeSidecar(path string, identity device.Identity, s *dump.Session, result verify.Result, parts []partmeta.Partition) error {
	sc := sidecar{
		Device: identity,
		Extents: xslices.Map(s.Extents(), func(r extent.Run) sidecarRange {
			return sidecarRange{Start: r.Start, Length: r.Length}
		}),
		BadBlocks: s.BadBlocks(),
		Partitions: xslices.Map(parts, func(p partmeta.Partition) sidecarPartition {
			out := sidecarPartition{
				Index:  p.Index,
				Start:  p.Start,
				Length: p.Length,
				Scheme: p.Scheme,
			}

			if p.Label != nil {
				out.Label = *p.Label
			}

			return out
		}),
	}

	// only a complete pass is an authoritative digest
	if result.Complete {
		sc.SHA256 = hex.EncodeToString(result.SHA256[:])
		sc.CRC32C = fmt.Sprintf("%08x", result.CRC32C)
	}

	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, raw, 0o644)
}
