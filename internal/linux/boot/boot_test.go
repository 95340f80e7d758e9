package boot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/bootrom/internal/memregion"
)

func buildBzImage(protocolVersion uint16, relocatable uint8, initrdAddrMax uint32, cmdlineSize uint32) []byte {
	const setupSectors = 4
	data := make([]byte, 512*(1+setupSectors)+0x1000)

	binary.LittleEndian.PutUint16(data[bootFlagOffset:], bootFlagMagic)
	copy(data[headerMagicOffset:], []byte(headerMagic))
	data[headerLengthOffset] = byte(cmdLinePtrOffset + 4 - headerMagicOffset)
	data[setupHeaderOffset] = setupSectors
	binary.LittleEndian.PutUint16(data[protocolVersionOffset:], protocolVersion)
	data[relocatableKernelOffset] = relocatable
	binary.LittleEndian.PutUint32(data[kernelAlignmentOffset:], 0x200000)
	binary.LittleEndian.PutUint32(data[initrdAddrMaxOffset:], initrdAddrMax)
	binary.LittleEndian.PutUint32(data[cmdlineSizeOffset:], cmdlineSize)
	binary.LittleEndian.PutUint32(data[initSizeOffset:], 0x100000)

	// Mark the payload with a recognizable byte so LoadIntoMemory's copy is
	// checkable.
	for i := 512 * (1 + setupSectors); i < len(data); i++ {
		data[i] = 0xAB
	}

	return data
}

func TestLoadKernelValidatesHeader(t *testing.T) {
	data := buildBzImage(0x20D, 1, 0x37FFFFFF, 4096)
	k, err := LoadKernel(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if k.Header.ProtocolVersion != 0x20D {
		t.Fatalf("ProtocolVersion = %#x", k.Header.ProtocolVersion)
	}
}

func TestLoadKernelRejectsOldProtocol(t *testing.T) {
	data := buildBzImage(0x200, 1, 0, 0)
	if _, err := LoadKernel(bytes.NewReader(data), int64(len(data))); err != ErrOldProtocol {
		t.Fatalf("got %v, want ErrOldProtocol", err)
	}
}

func TestLoadKernelRejectsNonRelocatable(t *testing.T) {
	data := buildBzImage(0x20D, 0, 0, 0)
	if _, err := LoadKernel(bytes.NewReader(data), int64(len(data))); err != ErrNotRelocatable {
		t.Fatalf("got %v, want ErrNotRelocatable", err)
	}
}

func TestLoadKernelRejectsBadMagic(t *testing.T) {
	data := buildBzImage(0x20D, 1, 0, 0)
	data[bootFlagOffset] = 0
	if _, err := LoadKernel(bytes.NewReader(data), int64(len(data))); err != ErrMagicMissing {
		t.Fatalf("got %v, want ErrMagicMissing", err)
	}
}

func TestPlaceInitrdAddrTopMinusSizeAligned(t *testing.T) {
	// One RAM region [0x100000, 0x7FFFFFFF] and a header initrd_addr_max of
	// 0x7FFFFFFF: top minus 16 MiB, aligned down to 2 MiB.
	e820 := []E820Entry{{Addr: 0x100000, Size: 0x7FF00000, Type: 1}}
	addr, err := placeInitrdAddr(e820, 0x1000000, 0x7FFFFFFF)
	if err != nil {
		t.Fatalf("placeInitrdAddr: %v", err)
	}
	if addr != 0x7F000000 {
		t.Fatalf("addr = %#x, want 0x7F000000", addr)
	}
}

func TestPlaceInitrdAddrPicksHighestRegion(t *testing.T) {
	e820 := []E820Entry{
		{Addr: 0x100000, Size: 0x7000000, Type: 1},
		{Addr: 0x10000000, Size: 0x10000000, Type: 1},
	}
	addr, err := placeInitrdAddr(e820, 0x200000, 0)
	if err != nil {
		t.Fatalf("placeInitrdAddr: %v", err)
	}
	if addr != 0x1FE00000 {
		t.Fatalf("addr = %#x, want 0x1FE00000 at the top of the high region", addr)
	}
}

func TestPlaceInitrdAddrRespectsAddrMax(t *testing.T) {
	e820 := []E820Entry{{Addr: 0x100000, Size: 0x7F000000, Type: 1}}
	_, err := placeInitrdAddr(e820, 0x1000000, 0x200000)
	if err != ErrNoInitrdSpace {
		t.Fatalf("got %v, want ErrNoInitrdSpace", err)
	}
}

func TestPlaceInitrdAddrDefaultCeilingMatchesOriginal(t *testing.T) {
	// A region straddling both 0x37FFFFFF (the default ceiling for a
	// zero initrd_addr_max) and 0xFFFFFFFF (the 4GiB identity-map limit):
	// with no initrdAddrMax supplied, placement must respect the lower,
	// original_source-matching default rather than the full 4GiB-1 range.
	e820 := []E820Entry{{Addr: 0x100000, Size: 0xFFF00000, Type: 1}}
	addr, err := placeInitrdAddr(e820, 0x1000000, 0)
	if err != nil {
		t.Fatalf("placeInitrdAddr: %v", err)
	}
	if addr > defaultInitrdAddrMax {
		t.Fatalf("addr = %#x, want at or below the default ceiling %#x", addr, uint64(defaultInitrdAddrMax))
	}
}

func TestLoadAddressIgnoresPrefAddress(t *testing.T) {
	data := buildBzImage(0x20D, 1, 0, 0)
	binary.LittleEndian.PutUint32(data[prefAddressOffset:], 0x1000000)
	k, err := LoadKernel(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}
	if addr := k.LoadAddress(); addr != defaultLoadAddr {
		t.Fatalf("LoadAddress = %#x, want the fixed %#x regardless of pref_address", addr, uint64(defaultLoadAddr))
	}
}

func TestPrepareBuildsZeroPageAndCopiesPayload(t *testing.T) {
	data := buildBzImage(0x20D, 1, 0x37FFFFFF, 4096)
	k, err := LoadKernel(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	const memSize = 0x4000000 // 64 MiB
	buf := make([]byte, memSize)
	mem := memregion.New(0, buf)
	e820 := []E820Entry{{Addr: 0, Size: memSize, Type: 1}}
	initrd := []byte("initrd-bytes")

	plan, err := k.Prepare(mem, 0x90000, 0xE0000, "console=ttyS0", initrd, e820)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if plan.LoadAddr != defaultLoadAddr {
		t.Fatalf("LoadAddr = %#x", plan.LoadAddr)
	}
	if plan.EntryAddr != plan.LoadAddr+0x200 {
		t.Fatalf("EntryAddr = %#x", plan.EntryAddr)
	}

	payload, err := mem.Slice(plan.LoadAddr, len(k.Payload()))
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	for _, b := range payload {
		if b != 0xAB {
			t.Fatalf("payload not copied correctly")
		}
	}

	initrdBytes, err := mem.Slice(plan.InitrdAddr, len(initrd))
	if err != nil {
		t.Fatalf("Slice initrd: %v", err)
	}
	if string(initrdBytes) != "initrd-bytes" {
		t.Fatalf("initrd bytes = %q", initrdBytes)
	}

	cmdlineBytes, err := mem.Slice(cmdlineBufAddr, len("console=ttyS0")+1)
	if err != nil {
		t.Fatalf("Slice cmdline: %v", err)
	}
	if string(cmdlineBytes[:len(cmdlineBytes)-1]) != "console=ttyS0" {
		t.Fatalf("cmdline = %q", cmdlineBytes)
	}

	zp, err := mem.Slice(plan.ZeroPageGPA, zeroPageSize)
	if err != nil {
		t.Fatalf("Slice zero page: %v", err)
	}
	if zp[zeroPageE820Entries] != 1 {
		t.Fatalf("e820 entry count = %d, want 1", zp[zeroPageE820Entries])
	}
	if got := binary.LittleEndian.Uint64(zp[zeroPageRSDPOffset:]); got != 0xE0000 {
		t.Fatalf("RSDP = %#x, want 0xE0000", got)
	}
}
