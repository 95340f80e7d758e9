package handoff

import (
	"encoding/binary"
	"errors"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// ErrBadMagic is returned when a hand-off structure's magic field doesn't
// match what the parser expects.
var ErrBadMagic = errors.New("handoff: magic field mismatch")

// pvhMagic is the 4-byte "xEn3" tag hvm_start_info carries (spec.md 6,
// "x86-64 PVH").
var pvhMagic = [4]byte{'x', 'E', 'n', '3'}

// pvh start_info field offsets, matching the Xen/PVH hvm_start_info ABI
// this spec's struct mirrors.
const (
	pvhOffMagic      = 0
	pvhOffVersion    = 4
	pvhOffFlags      = 8
	pvhOffNrModules  = 12
	pvhOffModlist    = 16
	pvhOffCmdline    = 24
	pvhOffRSDP       = 32
	pvhOffMemmap     = 40
	pvhOffMemmapCnt  = 48
	pvhStructSize    = 56

	pvhMemmapEntrySize = 24 // {addr u64, size u64, type u32, _pad u32}
)

// ParsePVH reads an hvm_start_info structure at ptr out of mem (spec.md 6).
func ParsePVH(mem *memregion.Region, ptr uint64) (*Info, error) {
	hdr, err := mem.Slice(ptr, pvhStructSize)
	if err != nil {
		return nil, err
	}
	var magic [4]byte
	copy(magic[:], hdr[pvhOffMagic:pvhOffMagic+4])
	if magic != pvhMagic {
		return nil, ErrBadMagic
	}

	cmdlinePaddr := binary.LittleEndian.Uint64(hdr[pvhOffCmdline : pvhOffCmdline+8])
	rsdpPaddr := binary.LittleEndian.Uint64(hdr[pvhOffRSDP : pvhOffRSDP+8])
	memmapPaddr := binary.LittleEndian.Uint64(hdr[pvhOffMemmap : pvhOffMemmap+8])
	memmapEntries := binary.LittleEndian.Uint32(hdr[pvhOffMemmapCnt : pvhOffMemmapCnt+4])

	info := &Info{RSDPAddr: rsdpPaddr}

	if cmdlinePaddr != 0 {
		cmdline, err := readCString(mem, cmdlinePaddr, 4096)
		if err != nil {
			return nil, err
		}
		info.CmdLine = cmdline
	}

	for i := uint32(0); i < memmapEntries; i++ {
		entryAddr := memmapPaddr + uint64(i)*pvhMemmapEntrySize
		entry, err := mem.Slice(entryAddr, pvhMemmapEntrySize)
		if err != nil {
			return nil, err
		}
		info.MemoryMap = append(info.MemoryMap, MemoryRegion{
			Addr: binary.LittleEndian.Uint64(entry[0:8]),
			Size: binary.LittleEndian.Uint64(entry[8:16]),
			Type: binary.LittleEndian.Uint32(entry[16:20]),
		})
	}

	return info, nil
}

// readCString reads a NUL-terminated string from mem, capped at maxLen.
func readCString(mem *memregion.Region, addr uint64, maxLen int) (string, error) {
	buf, err := mem.Slice(addr, maxLen)
	if err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}
