package pe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// buildPEImage constructs a minimal synthetic PE32+ image: one .text
// section containing a single DIR64 base-relocation block that patches an
// 8-byte pointer at RVA 0x1008.
func buildPEImage(imageBase uint64) []byte {
	const (
		peOffset      = 128
		coffStart     = peOffset + 4
		optStart      = coffStart + 20
		numDataDirs   = 6
		optHeaderSize = 112 + numDataDirs*8
		sectionStart  = optStart + optHeaderSize
		rawDataOffset = 0x400
		rawDataSize   = 0x1000
		fileSize      = rawDataOffset + rawDataSize
	)

	buf := make([]byte, fileSize)

	binary.LittleEndian.PutUint16(buf[0:2], mzMagic)
	binary.LittleEndian.PutUint32(buf[60:64], peOffset)

	binary.LittleEndian.PutUint32(buf[peOffset:peOffset+4], peSignature)

	binary.LittleEndian.PutUint16(buf[coffStart:coffStart+2], machineX8664)
	binary.LittleEndian.PutUint16(buf[coffStart+2:coffStart+4], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[coffStart+16:coffStart+18], uint16(optHeaderSize))

	binary.LittleEndian.PutUint16(buf[optStart:optStart+2], optMagicPE32P)
	binary.LittleEndian.PutUint32(buf[optStart+16:optStart+20], 0x1010) // AddressOfEntryPoint
	binary.LittleEndian.PutUint64(buf[optStart+24:optStart+32], imageBase)
	binary.LittleEndian.PutUint32(buf[optStart+60:optStart+64], rawDataOffset) // SizeOfHeaders
	binary.LittleEndian.PutUint32(buf[optStart+108:optStart+112], numDataDirs)

	dataDirStart := optStart + 112
	// Relocation directory is data directory index 5.
	relocDirOff := dataDirStart + 5*8
	binary.LittleEndian.PutUint32(buf[relocDirOff:relocDirOff+4], 0x1050) // VirtualAddress
	binary.LittleEndian.PutUint32(buf[relocDirOff+4:relocDirOff+8], 10)   // Size

	copy(buf[sectionStart:sectionStart+8], ".text\x00\x00\x00")
	binary.LittleEndian.PutUint32(buf[sectionStart+8:sectionStart+12], 0x2000)           // VirtualSize
	binary.LittleEndian.PutUint32(buf[sectionStart+12:sectionStart+16], 0x1000)          // VirtualAddress
	binary.LittleEndian.PutUint32(buf[sectionStart+16:sectionStart+20], rawDataSize)     // SizeOfRawData
	binary.LittleEndian.PutUint32(buf[sectionStart+20:sectionStart+24], rawDataOffset)   // PointerToRawData

	// Pointer value at section offset 0x008 (RVA 0x1008).
	binary.LittleEndian.PutUint64(buf[rawDataOffset+8:rawDataOffset+16], 0x1122334455667788)

	// Relocation block at section offset 0x050 (RVA 0x1050): page 0x1000,
	// blockSize 10, one DIR64 entry at offset 0x008.
	relocBlockOff := rawDataOffset + 0x50
	binary.LittleEndian.PutUint32(buf[relocBlockOff:relocBlockOff+4], 0x1000)
	binary.LittleEndian.PutUint32(buf[relocBlockOff+4:relocBlockOff+8], 10)
	entry := uint16(relocTypeDir64)<<12 | 0x008
	binary.LittleEndian.PutUint16(buf[relocBlockOff+8:relocBlockOff+10], entry)

	return buf
}

func TestLoadUsesImageBaseWhenNonzero(t *testing.T) {
	img := buildPEImage(0x4000)
	mem := memregion.New(0, make([]byte, 0x10000))

	loaded, err := Load(bytes.NewReader(img), mem, 0x2000, MachineX8664)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LoadAddr != 0x4000 {
		t.Fatalf("LoadAddr = %#x, want %#x (image base should win over caller load address)", loaded.LoadAddr, 0x4000)
	}
	if loaded.EntryAddr != 0x4000+0x1010 {
		t.Fatalf("EntryAddr = %#x, want %#x", loaded.EntryAddr, 0x4000+0x1010)
	}

	// delta is zero here, so the pointer should be untouched.
	v, err := mem.ReadUint64(0x4000 + 0x1008)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1122334455667788 {
		t.Fatalf("pointer = %#x, want unchanged %#x", v, 0x1122334455667788)
	}
}

func TestLoadAppliesDir64Relocations(t *testing.T) {
	img := buildPEImage(0) // no preferred base: caller's load address is used
	mem := memregion.New(0, make([]byte, 0x10000))

	loaded, err := Load(bytes.NewReader(img), mem, 0x8000, MachineX8664)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.LoadAddr != 0x8000 {
		t.Fatalf("LoadAddr = %#x, want %#x", loaded.LoadAddr, 0x8000)
	}

	v, err := mem.ReadUint64(0x8000 + 0x1008)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(0x1122334455667788) + 0x8000
	if v != want {
		t.Fatalf("relocated pointer = %#x, want %#x", v, want)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	img := buildPEImage(0x4000)
	img[0] = 0x00
	mem := memregion.New(0, make([]byte, 0x10000))
	if _, err := Load(bytes.NewReader(img), mem, 0x2000, MachineX8664); err != ErrInvalidExecutable {
		t.Fatalf("got %v, want ErrInvalidExecutable", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	img := buildPEImage(0x4000)
	mem := memregion.New(0, make([]byte, 0x10000))
	if _, err := Load(bytes.NewReader(img), mem, 0x2000, MachineAArch64); err != ErrInvalidExecutable {
		t.Fatalf("got %v, want ErrInvalidExecutable", err)
	}
}
