// Package gpt reads the GUID Partition Table from a block device and
// locates the EFI System Partition (spec.md C4).
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/bootrom/internal/virtio"
)

var (
	ErrHeaderNotFound        = errors.New("gpt: LBA 1 signature does not match \"EFI PART\"")
	ErrViolatesSpecification = errors.New("gpt: first usable LBA is less than 34")
	ErrExceededPartitionCount = errors.New("gpt: partition entry count exceeds the enumeration limit")
	ErrNoEFIPartition        = errors.New("gpt: no partition with the EFI System Partition type GUID")
)

// maxPartitionEntries bounds enumeration defensively; the header's own
// part_count is still the primary stop condition.
const maxPartitionEntries = 4096

var signature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// espTypeGUID is the fixed, mixed-endian 16-byte pattern for
// "C12A7328-F81F-11D2-BA4B-00A0C93EC93B" (spec.md 4.3/5's GPT type match):
// the first three fields little-endian, the last two big-endian, compared
// bytewise rather than parsed into a structured GUID.
var espTypeGUID = [16]byte{
	0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11,
	0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B,
}

// header is the on-disk GPT header at LBA 1.
type header struct {
	Signature            [8]byte
	Revision              uint32
	HeaderSize            uint32
	HeaderCRC32           uint32
	Reserved              uint32
	CurrentLBA            uint64
	BackupLBA             uint64
	FirstUsableLBA        uint64
	LastUsableLBA         uint64
	DiskGUID              [16]byte
	PartitionEntryLBA     uint64
	PartitionEntryCount   uint32
	PartitionEntrySize    uint32
	PartitionArrayCRC32   uint32
}

// entry is one 128-byte partition entry record.
type entry struct {
	TypeGUID      [16]byte
	PartitionGUID [16]byte
	FirstLBA      uint64
	LastLBA       uint64
	Flags         uint64
	Name          [72]byte // UTF-16LE, 36 code units
}

// Partition describes one enumerated partition entry.
type Partition struct {
	Index         int
	TypeGUID      [16]byte
	PartitionGUID [16]byte
	FirstLBA      uint64
	LastLBA       uint64
	Flags         uint64
}

// IsESP reports whether p's type-GUID matches the fixed EFI System
// Partition constant.
func (p Partition) IsESP() bool {
	return p.TypeGUID == espTypeGUID
}

// Table is a parsed GPT header plus the partitions enumerated from it.
type Table struct {
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte

	Partitions []Partition
}

// SectorReader is the narrow block-device capability gpt.Read needs: reading
// one virtio.SectorSize sector at a given LBA. *virtio.BlockDevice satisfies
// it.
type SectorReader interface {
	ReadSector(lba uint64, data []byte) error
}

// Read reads LBA 1 from dev (sector size virtio.SectorSize) and enumerates
// its partition entries (spec.md 4.3).
func Read(dev SectorReader) (*Table, error) {
	hdrSector := make([]byte, virtio.SectorSize)
	if err := dev.ReadSector(1, hdrSector); err != nil {
		return nil, fmt.Errorf("gpt: reading header: %w", err)
	}

	var h header
	if err := binary.Read(bytes.NewReader(hdrSector), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("gpt: decoding header: %w", err)
	}
	if h.Signature != signature {
		return nil, ErrHeaderNotFound
	}
	if h.FirstUsableLBA < 34 {
		return nil, ErrViolatesSpecification
	}
	if h.PartitionEntryCount > maxPartitionEntries {
		return nil, ErrExceededPartitionCount
	}

	t := &Table{
		FirstUsableLBA: h.FirstUsableLBA,
		LastUsableLBA:  h.LastUsableLBA,
		DiskGUID:       h.DiskGUID,
	}

	entriesPerSector := virtio.SectorSize / int(h.PartitionEntrySize)
	if entriesPerSector == 0 {
		return nil, ErrViolatesSpecification
	}

	sector := make([]byte, virtio.SectorSize)
	sectorLBA := uint64(0)
	loaded := false

	for i := uint32(0); i < h.PartitionEntryCount; i++ {
		lba := h.PartitionEntryLBA + uint64(i)/uint64(entriesPerSector)
		if !loaded || lba != sectorLBA {
			if err := dev.ReadSector(lba, sector); err != nil {
				return nil, fmt.Errorf("gpt: reading partition entry sector %d: %w", lba, err)
			}
			sectorLBA = lba
			loaded = true
		}

		off := (int(i) % entriesPerSector) * int(h.PartitionEntrySize)
		var e entry
		if err := binary.Read(bytes.NewReader(sector[off:off+128]), binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("gpt: decoding partition entry %d: %w", i, err)
		}

		if e.PartitionGUID == ([16]byte{}) {
			continue
		}

		t.Partitions = append(t.Partitions, Partition{
			Index:         len(t.Partitions) + 1,
			TypeGUID:      e.TypeGUID,
			PartitionGUID: e.PartitionGUID,
			FirstLBA:      e.FirstLBA,
			LastLBA:       e.LastLBA,
			Flags:         e.Flags,
		})
	}

	return t, nil
}

// FindEFIPartition returns the first/last LBA of the first partition whose
// type-GUID matches the EFI System Partition constant (spec.md S4:
// find_efi_partition() returns (2048, 1048575) on the reference image).
func (t *Table) FindEFIPartition() (firstLBA, lastLBA uint64, err error) {
	for _, p := range t.Partitions {
		if p.IsESP() {
			return p.FirstLBA, p.LastLBA, nil
		}
	}
	return 0, 0, ErrNoEFIPartition
}
