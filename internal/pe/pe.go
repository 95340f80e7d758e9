// Package pe implements a minimal PE32+ loader: validation, section
// copying, and base-relocation application (spec.md C6).
package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/bootrom/internal/memregion"
)

const (
	mzMagic       = 0x5A4D // "MZ"
	peSignature   = 0x00004550 // "PE\x00\x00"
	optMagicPE32P = 0x20B

	machineX8664  = 0x8664
	machineAArch64 = 0xAA64

	relocTypeDir64 = 10

	sectorSize = 512
)

// Machine identifies the running architecture, used to validate the PE
// machine-type field.
type Machine uint16

const (
	MachineX8664  Machine = machineX8664
	MachineAArch64 Machine = machineAArch64
)

// File is the narrow random-access read capability the loader needs
// (io.ReaderAt). A sequential source such as *fat.Node has to be read into
// memory first (for example behind a bytes.Reader).
type File interface {
	io.ReaderAt
}

// Image describes the result of a successful load (spec.md 3, "PE image").
type Image struct {
	EntryAddr uint64
	LoadAddr  uint64
	Size      uint64
}

type coffHeader struct {
	Machine              uint16
	NumberOfSections      uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type sectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

const dataDirRelocation = 5 // IMAGE_DIRECTORY_ENTRY_BASERELOC

// Load validates f as a PE32+ image for the given machine, copies its
// sections into mem, and applies type-10 (DIR64) base relocations
// (spec.md 4.5). loadAddr is the caller's requested load address; if the
// image's declared ImageBase is non-zero, the image is loaded at ImageBase
// instead (spec.md S5).
func Load(f File, mem *memregion.Region, loadAddr uint64, machine Machine) (*Image, error) {
	r := io.NewSectionReader(f, 0, 1<<40)

	var mz [64]byte
	if _, err := io.ReadFull(r, mz[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	if binary.LittleEndian.Uint16(mz[0:2]) != mzMagic {
		return nil, ErrInvalidExecutable
	}
	peOffset := binary.LittleEndian.Uint32(mz[60:64])

	peHeaderStart := int64(peOffset)
	var sig [4]byte
	if _, err := r.ReadAt(sig[:], peHeaderStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	if binary.LittleEndian.Uint32(sig[:]) != peSignature {
		return nil, ErrInvalidExecutable
	}

	coffStart := peHeaderStart + 4
	var coffBuf [20]byte
	if _, err := r.ReadAt(coffBuf[:], coffStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	var coff coffHeader
	if err := binary.Read(bytes.NewReader(coffBuf[:]), binary.LittleEndian, &coff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	if Machine(coff.Machine) != machine {
		return nil, ErrInvalidExecutable
	}

	optStart := coffStart + 20
	var optMagicBuf [2]byte
	if _, err := r.ReadAt(optMagicBuf[:], optStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	if binary.LittleEndian.Uint16(optMagicBuf[:]) != optMagicPE32P {
		return nil, ErrInvalidExecutable
	}

	// Optional-header (PE32+) fields we need, at their fixed offsets
	// relative to optStart.
	var hdrBuf [112]byte
	if _, err := r.ReadAt(hdrBuf[:], optStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	sizeOfHeaders := binary.LittleEndian.Uint32(hdrBuf[60:64])
	addressOfEntryPoint := binary.LittleEndian.Uint32(hdrBuf[16:20])
	imageBase := binary.LittleEndian.Uint64(hdrBuf[24:32])
	numberOfRVAAndSizes := binary.LittleEndian.Uint32(hdrBuf[108:112])

	dataDirStart := optStart + 112
	dataDirs := make([]dataDirectory, numberOfRVAAndSizes)
	for i := range dataDirs {
		var b [8]byte
		if _, err := r.ReadAt(b[:], dataDirStart+int64(i)*8); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileError, err)
		}
		dataDirs[i].VirtualAddress = binary.LittleEndian.Uint32(b[0:4])
		dataDirs[i].Size = binary.LittleEndian.Uint32(b[4:8])
	}

	sectionStart := optStart + int64(coff.SizeOfOptionalHeader)
	sections := make([]sectionHeader, coff.NumberOfSections)
	for i := range sections {
		var b [40]byte
		if _, err := r.ReadAt(b[:], sectionStart+int64(i)*40); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileError, err)
		}
		if err := binary.Read(bytes.NewReader(b[:]), binary.LittleEndian, &sections[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileError, err)
		}
	}

	// Load address = desired image base if non-zero else caller-supplied
	// load address (spec.md 4.5, S5).
	base := loadAddr
	if imageBase != 0 {
		base = imageBase
	}

	headerBuf := make([]byte, sizeOfHeaders)
	if _, err := r.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileError, err)
	}
	if err := mem.Zero(base, uint64(sizeOfHeaders)); err != nil {
		return nil, err
	}
	if _, err := mem.WriteAt(headerBuf, int64(base)); err != nil {
		return nil, err
	}

	for _, s := range sections {
		if err := mem.Zero(base+uint64(s.VirtualAddress), uint64(s.VirtualSize)); err != nil {
			return nil, err
		}
		if s.SizeOfRawData == 0 || s.PointerToRawData%sectorSize != 0 {
			// Sections with non-sector-aligned raw offsets are skipped
			// (spec.md 4.5); the zero-fill above still happened.
			continue
		}
		copyLen := s.SizeOfRawData
		if s.VirtualSize != 0 && s.VirtualSize < copyLen {
			copyLen = s.VirtualSize
		}
		data := make([]byte, copyLen)
		if _, err := r.ReadAt(data, int64(s.PointerToRawData)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFileError, err)
		}
		if _, err := mem.WriteAt(data, int64(base+uint64(s.VirtualAddress))); err != nil {
			return nil, err
		}
	}

	delta := int64(base) - int64(imageBase)
	if delta != 0 && len(dataDirs) > dataDirRelocation {
		relocDir := dataDirs[dataDirRelocation]
		if relocDir.Size != 0 && sectionContains(sections, relocDir.VirtualAddress, relocDir.Size) {
			if err := applyRelocations(mem, base, relocDir, delta); err != nil {
				return nil, err
			}
		}
	}

	return &Image{
		EntryAddr: base + uint64(addressOfEntryPoint),
		LoadAddr:  base,
		Size:      imageSize(sections, sizeOfHeaders),
	}, nil
}

func sectionContains(sections []sectionHeader, rva, size uint32) bool {
	for _, s := range sections {
		if rva >= s.VirtualAddress && rva+size <= s.VirtualAddress+s.VirtualSize {
			return true
		}
	}
	return false
}

func imageSize(sections []sectionHeader, sizeOfHeaders uint32) uint64 {
	end := uint64(sizeOfHeaders)
	for _, s := range sections {
		e := uint64(s.VirtualAddress) + uint64(s.VirtualSize)
		if e > end {
			end = e
		}
	}
	return end
}

// applyRelocations walks the base-relocation blocks within relocDir and
// applies type-10 (DIR64) entries (spec.md 4.5, testable property 7).
func applyRelocations(mem *memregion.Region, base uint64, relocDir dataDirectory, delta int64) error {
	remaining := int64(relocDir.Size)
	pos := base + uint64(relocDir.VirtualAddress)

	for remaining > 0 {
		pageRVA, err := mem.ReadUint32(pos)
		if err != nil {
			return err
		}
		blockSize, err := mem.ReadUint32(pos + 4)
		if err != nil {
			return err
		}
		if blockSize < 8 {
			break
		}
		entryCount := (blockSize - 8) / 2
		for i := uint32(0); i < entryCount; i++ {
			entryAddr := pos + 8 + uint64(i)*2
			raw, err := mem.ReadUint16(entryAddr)
			if err != nil {
				return err
			}
			typ := raw >> 12
			offset := raw & 0x0FFF
			if typ != relocTypeDir64 {
				continue
			}
			target := base + uint64(pageRVA) + uint64(offset)
			v, err := mem.ReadUint64(target)
			if err != nil {
				return err
			}
			if err := mem.WriteUint64(target, uint64(int64(v)+delta)); err != nil {
				return err
			}
		}

		pos += uint64(blockSize)
		remaining -= int64(blockSize)
	}
	return nil
}
