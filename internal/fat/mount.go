// Package fat implements a read-only FAT12/16/32 filesystem reader with
// long-file-name reassembly and case-insensitive 8.3 matching (spec.md C5).
package fat

import (
	"encoding/binary"
	"fmt"
)

// Type tags which FAT variant a mounted volume is.
type Type int

const (
	Type12 Type = 12
	Type16 Type = 16
	Type32 Type = 32
)

// SectorReader is the narrow block-device capability the filesystem needs:
// reading one sector at a given device-absolute LBA (Mount adds the
// partition's first LBA itself). *virtio.BlockDevice satisfies it.
type SectorReader interface {
	ReadSector(lba uint64, data []byte) error
}

const sectorSize = 512

// Mount holds the derived geometry of a FAT volume over a partition
// (spec.md 3, "FAT mount"). It is read-only: no field here is ever mutated
// after Mount returns.
type Mount struct {
	dev      SectorReader
	startLBA uint64
	lastLBA  uint64

	bytesPerSector   uint32
	sectorsPerCluster uint32
	fatType          Type

	reservedSectors uint32
	fatCount        uint32
	sectorsPerFAT   uint32
	rootDirCount    uint32
	rootCluster     uint32 // FAT32 only

	firstFATSector  uint32
	firstDataSector uint32
	clusterCount    uint32

	rootDirSector uint32 // FAT12/16 only
	rootDirSectors uint32
}

// Mount reads LBA 0 (relative to the partition) and derives the volume's
// geometry (spec.md 4.4).
func Mount(dev SectorReader, startLBA, lastLBA uint64) (*Mount, error) {
	buf := make([]byte, sectorSize)
	if err := dev.ReadSector(startLBA, buf); err != nil {
		return nil, fmt.Errorf("fat: reading boot sector: %w", err)
	}

	bps := binary.LittleEndian.Uint16(buf[11:13])
	spc := buf[13]
	reserved := binary.LittleEndian.Uint16(buf[14:16])
	fatCount := buf[16]
	rootEntries := binary.LittleEndian.Uint16(buf[17:19])
	totalSectors16 := binary.LittleEndian.Uint16(buf[19:21])
	sectorsPerFAT16 := binary.LittleEndian.Uint16(buf[22:24])
	totalSectors32 := binary.LittleEndian.Uint32(buf[32:36])
	sectorsPerFAT32 := binary.LittleEndian.Uint32(buf[36:40])
	rootCluster32 := binary.LittleEndian.Uint32(buf[44:48])

	if bps == 0 || spc == 0 {
		return nil, ErrUnsupported
	}

	n := uint32(totalSectors16)
	if n == 0 {
		n = totalSectors32
	}
	spf := uint32(sectorsPerFAT16)
	if spf == 0 {
		spf = sectorsPerFAT32
	}
	if spf == 0 {
		return nil, ErrUnsupported
	}

	rds := (uint32(rootEntries)*32 + uint32(bps) - 1) / uint32(bps)

	firstData := uint32(reserved) + uint32(fatCount)*spf + rds
	if n < firstData {
		return nil, ErrUnsupported
	}
	dataSectors := n - firstData
	clusterCount := dataSectors / uint32(spc)

	var typ Type
	switch {
	case clusterCount < 0xFF5:
		typ = Type12
	case clusterCount < 0xFFF5:
		typ = Type16
	default:
		typ = Type32
	}

	m := &Mount{
		dev:               dev,
		startLBA:          startLBA,
		lastLBA:           lastLBA,
		bytesPerSector:    uint32(bps),
		sectorsPerCluster: uint32(spc),
		fatType:           typ,
		reservedSectors:   uint32(reserved),
		fatCount:          uint32(fatCount),
		sectorsPerFAT:     spf,
		rootDirCount:      uint32(rootEntries),
		firstFATSector:    uint32(reserved),
		firstDataSector:   firstData,
		clusterCount:      clusterCount,
		rootDirSector:     uint32(reserved) + uint32(fatCount)*spf,
		rootDirSectors:    rds,
	}
	if typ == Type32 {
		m.rootCluster = rootCluster32
	}

	return m, nil
}

// Type reports the FAT variant this volume was detected as.
func (m *Mount) Type() Type { return m.fatType }

// clusterFirstSector returns the absolute LBA of the first sector of
// cluster c (spec.md 4.4: "first_data_sector + (C - 2) * SPC").
func (m *Mount) clusterFirstSector(c uint32) uint64 {
	return m.startLBA + uint64(m.firstDataSector) + uint64(c-2)*uint64(m.sectorsPerCluster)
}

func (m *Mount) readSector(lba uint64, buf []byte) error {
	return m.dev.ReadSector(lba, buf)
}

// endOfChain reports whether a raw FAT entry value signals end-of-chain for
// this volume's type (spec.md 4.4's 0xFF8/0xFFF8/0x0FFFFFF8 thresholds).
func (m *Mount) endOfChain(v uint32) bool {
	switch m.fatType {
	case Type12:
		return v >= 0xFF8
	case Type16:
		return v >= 0xFFF8
	default:
		return v >= 0x0FFFFFF8
	}
}

// nextCluster looks up the FAT entry for cluster c (spec.md 4.4).
//
// For FAT12 entries that straddle a sector boundary, both sectors are read
// independently and the 12-bit value is assembled from the low byte of the
// first and the relevant nibble of the second — the cross-sector-boundary
// case is handled correctly rather than by re-reading the next sector into
// the same buffer and discarding the already-consumed low byte.
func (m *Mount) nextCluster(c uint32) (uint32, error) {
	switch m.fatType {
	case Type12:
		byteOff := c + c/2
		sector := uint64(m.firstFATSector) + uint64(byteOff)/uint64(m.bytesPerSector)
		off := byteOff % m.bytesPerSector

		buf := make([]byte, sectorSize)
		if err := m.readSector(m.startLBA+sector, buf); err != nil {
			return 0, err
		}

		var lo, hi byte
		lo = buf[off]
		if off+1 < m.bytesPerSector {
			hi = buf[off+1]
		} else {
			next := make([]byte, sectorSize)
			if err := m.readSector(m.startLBA+sector+1, next); err != nil {
				return 0, err
			}
			hi = next[0]
		}
		v := uint32(lo) | uint32(hi)<<8
		if c%2 == 0 {
			v &= 0x0FFF
		} else {
			v >>= 4
		}
		return v, nil

	case Type16:
		byteOff := c * 2
		sector := uint64(m.firstFATSector) + uint64(byteOff)/uint64(m.bytesPerSector)
		off := byteOff % m.bytesPerSector
		buf := make([]byte, sectorSize)
		if err := m.readSector(m.startLBA+sector, buf); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(buf[off : off+2])), nil

	default: // Type32
		byteOff := c * 4
		sector := uint64(m.firstFATSector) + uint64(byteOff)/uint64(m.bytesPerSector)
		off := byteOff % m.bytesPerSector
		buf := make([]byte, sectorSize)
		if err := m.readSector(m.startLBA+sector, buf); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf[off:off+4]) & 0x0FFFFFFF, nil
	}
}
