package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// E820Entry mirrors a single BIOS e820 memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

const (
	e820EntrySize  = 20
	e820MaxEntries = (zeroPageE820Table - zeroPageE820Entries - 8) / e820EntrySize

	typeOfLoaderUnknown uint8 = 0xFF
	canUseHeapFlag      uint8 = 1 << 7
)

// buildZeroPage fills the 4 KiB boot_params structure (spec.md 4.9,
// "Zero-page"): the setup header at offset 0x1F1, the E820 table at 0x2D0,
// and the ACPI RSDP at 0x070.
func buildZeroPage(mem *memregion.Region, k *KernelImage, loadAddr uint64, rsdpAddr uint64, initrdAddr uint64, initrdSize uint32, e820 []E820Entry) ([]byte, error) {
	zp := make([]byte, zeroPageSize)

	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return nil, errors.New("boot: setup header larger than zero page space")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], bootFlagMagic)
	copy(zp[setupHeaderHeaderOffset:], []byte(headerMagic))
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], k.Header.ProtocolVersion)
	zp[loadFlagsOffset] = k.Header.LoadFlags | canUseHeapFlag
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], k.Header.KernelAlignment)
	zp[relocatableKernelOffset] = k.Header.RelocatableKernel
	zp[minAlignmentOffset] = k.Header.MinAlignment
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], k.Header.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], k.Header.CmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], k.Header.InitrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], k.Header.PrefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], k.Header.InitSize)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown

	heapEnd := uint16(0x9800)
	if zp[loadFlagsOffset]&0x1 != 0 {
		heapEnd = 0xE000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if loadAddr > 0xFFFFFFFF {
		return nil, fmt.Errorf("boot: load address %#x exceeds 32-bit range", loadAddr)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(loadAddr))
	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], cmdlineBufAddr)

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdAddr))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
	}

	binary.LittleEndian.PutUint64(zp[zeroPageRSDPOffset:], rsdpAddr)

	if len(e820) == 0 {
		return nil, errors.New("boot: e820 map must contain at least one entry")
	}
	if len(e820) > e820MaxEntries {
		return nil, fmt.Errorf("boot: too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	return zp, nil
}

// placeCmdline writes the combined command line into the static 64 KiB
// buffer at 0x4B000 (spec.md 4.9, "Command line"). cmdline is expected to
// already be the firmware boot-args and the loader-entry options joined by
// a single space.
func placeCmdline(mem *memregion.Region, cmdline string, cmdlineSize uint32) error {
	if cmdlineSize != 0 && len(cmdline) > int(cmdlineSize) {
		return fmt.Errorf("boot: command line length %d exceeds kernel limit %d", len(cmdline), cmdlineSize)
	}
	if len(cmdline)+1 > cmdlineBufSize {
		return fmt.Errorf("boot: command line length %d exceeds buffer size %d", len(cmdline), cmdlineBufSize)
	}
	buf := append([]byte(cmdline), 0)
	_, err := mem.WriteAt(buf, int64(cmdlineBufAddr))
	return err
}
