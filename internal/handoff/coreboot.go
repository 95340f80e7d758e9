package handoff

import (
	"encoding/binary"
	"errors"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// ErrTableNotFound is returned when a coreboot LBIO table or ACPI RSDP
// cannot be located in the scanned ranges (spec.md 6, "x86-64 coreboot").
var ErrTableNotFound = errors.New("handoff: table not found in scanned range")

var lbioSignature = [4]byte{'L', 'B', 'I', 'O'}
var forwardTag = uint32(0x11)
var memoryTag = uint32(0x01)

// coreboot table header: {signature [4]byte, header_bytes u32,
// header_checksum u32, table_bytes u32, table_checksum u32}. Entries
// follow immediately, each {tag u32, size u32, ...payload}.
const cbHeaderSize = 20

// ParseCoreboot scans mem for a coreboot LBIO table in the two ranges the
// coreboot convention fixes ([0, 0x1000) and [0xF0000, 0xF1000)), follows
// FORWARD records, takes the memory map from the first MEMORY tag, and
// locates the ACPI RSDP by scanning the EBDA and the BIOS ROM area for the
// "RSD PTR " signature (spec.md 6).
func ParseCoreboot(mem *memregion.Region) (*Info, error) {
	tableAddr, ok := scanForLBIO(mem, 0, 0x1000)
	if !ok {
		tableAddr, ok = scanForLBIO(mem, 0xF0000, 0xF1000)
	}
	if !ok {
		return nil, ErrTableNotFound
	}

	info := &Info{}
	seen := map[uint64]bool{}
	for {
		if seen[tableAddr] {
			break
		}
		seen[tableAddr] = true

		hdr, err := mem.Slice(tableAddr, cbHeaderSize)
		if err != nil {
			return nil, err
		}
		tableBytes := binary.LittleEndian.Uint32(hdr[12:16])

		pos := tableAddr + cbHeaderSize
		end := tableAddr + cbHeaderSize + uint64(tableBytes)
		forwarded := uint64(0)

		for pos < end {
			entryHdr, err := mem.Slice(pos, 8)
			if err != nil {
				return nil, err
			}
			tag := binary.LittleEndian.Uint32(entryHdr[0:4])
			size := binary.LittleEndian.Uint32(entryHdr[4:8])
			if size < 8 {
				break
			}

			switch tag {
			case forwardTag:
				payload, err := mem.Slice(pos+8, 8)
				if err != nil {
					return nil, err
				}
				forwarded = binary.LittleEndian.Uint64(payload)
			case memoryTag:
				if err := parseCorebootMemoryTable(mem, pos+8, uint64(size)-8, info); err != nil {
					return nil, err
				}
			}

			pos += uint64(size)
		}

		if forwarded == 0 {
			break
		}
		tableAddr = forwarded
	}

	if rsdp, ok := scanForRSDP(mem); ok {
		info.RSDPAddr = rsdp
	}

	return info, nil
}

func scanForLBIO(mem *memregion.Region, start, end uint64) (uint64, bool) {
	for addr := start; addr+cbHeaderSize <= end; addr += 16 {
		sig, err := mem.Slice(addr, 4)
		if err != nil {
			continue
		}
		if sig[0] == lbioSignature[0] && sig[1] == lbioSignature[1] && sig[2] == lbioSignature[2] && sig[3] == lbioSignature[3] {
			return addr, true
		}
	}
	return 0, false
}

// cbMemoryEntrySize is sizeof(struct cb_memory_range): {start u64, size
// u64, type u32}.
const cbMemoryEntrySize = 20

func parseCorebootMemoryTable(mem *memregion.Region, addr, length uint64, info *Info) error {
	for off := uint64(0); off+cbMemoryEntrySize <= length; off += cbMemoryEntrySize {
		entry, err := mem.Slice(addr+off, cbMemoryEntrySize)
		if err != nil {
			return err
		}
		info.MemoryMap = append(info.MemoryMap, MemoryRegion{
			Addr: binary.LittleEndian.Uint64(entry[0:8]),
			Size: binary.LittleEndian.Uint64(entry[8:16]),
			Type: binary.LittleEndian.Uint32(entry[16:20]),
		})
	}
	return nil
}

var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

// scanForRSDP looks for the ACPI RSDP "RSD PTR " signature in the EBDA
// ([ebda, ebda+0x400)) and the BIOS ROM area ([0xE0000, 0x100000)),
// 16-byte aligned per the ACPI specification (spec.md 6).
func scanForRSDP(mem *memregion.Region) (uint64, bool) {
	ebda := ebdaBase(mem)
	if addr, ok := scanRangeForRSDP(mem, ebda, ebda+0x400); ok {
		return addr, true
	}
	return scanRangeForRSDP(mem, 0xE0000, 0x100000)
}

// ebdaBase reads the EBDA segment pointer from the BIOS data area at
// 0x40E (a 16-bit real-mode segment, so the linear address is the value
// shifted left by 4).
func ebdaBase(mem *memregion.Region) uint64 {
	seg, err := mem.ReadUint16(0x40E)
	if err != nil || seg == 0 {
		return 0x9FC00 // conventional fallback base
	}
	return uint64(seg) << 4
}

func scanRangeForRSDP(mem *memregion.Region, start, end uint64) (uint64, bool) {
	for addr := start; addr+8 <= end; addr += 16 {
		sig, err := mem.Slice(addr, 8)
		if err != nil {
			continue
		}
		match := true
		for i := range rsdpSignature {
			if sig[i] != rsdpSignature[i] {
				match = false
				break
			}
		}
		if match {
			return addr, true
		}
	}
	return 0, false
}
