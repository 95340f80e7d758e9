// Package boot implements the x86-64 Linux bzImage boot protocol (spec.md
// 4.9): header validation, zero-page construction, initrd placement, and
// the jump plan handed to the orchestrator.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	zeroPageSize = 4096

	bootFlagOffset    = 0x1FE
	bootFlagMagic     = 0xAA55
	headerMagicOffset = 0x202
	headerMagic       = "HdrS"
	headerLengthOffset = 0x201

	setupHeaderOffset = 497

	zeroPageRSDPOffset  = 0x070
	zeroPageE820Entries = 0x1E8
	zeroPageE820Table   = 0x2D0

	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	heapEndPtrOffset          = setupHeaderOffset + 51
	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111

	minSupportedVersion = 0x205
	defaultLoadAddr      = 0x200000
	cmdlineBufAddr       = 0x4B000
	cmdlineBufSize       = 64 * 1024
)

var (
	ErrImageTooSmall  = errors.New("boot: kernel image too small")
	ErrMagicMissing   = errors.New("boot: missing boot_flag/HdrS signature; not a bzImage")
	ErrNotRelocatable = errors.New("boot: kernel is not relocatable")
	ErrOldProtocol    = errors.New("boot: boot protocol version too old")
)

// SetupHeader is the subset of Linux's setup_header this loader cares about.
type SetupHeader struct {
	ProtocolVersion   uint16
	SetupSectors      uint8
	LoadFlags         uint8
	RamdiskImage      uint32
	RamdiskSize       uint32
	CmdLinePtr        uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// KernelImage is a parsed, not-yet-placed Linux bzImage.
type KernelImage struct {
	Data          []byte
	Header        SetupHeader
	HeaderBytes   []byte
	PayloadOffset int
}

// LoadKernel reads the full kernel image and validates the x86-64 boot
// protocol header (spec.md 4.9): boot_flag == 0xAA55, the HdrS signature,
// protocol version >= 0x205, and relocatable_kernel != 0.
func LoadKernel(kernel io.ReaderAt, size int64) (*KernelImage, error) {
	data, err := io.ReadAll(io.NewSectionReader(kernel, 0, size))
	if err != nil {
		return nil, fmt.Errorf("read kernel image: %w", err)
	}

	img := &KernelImage{Data: data}
	if err := img.parseHeader(); err != nil {
		return nil, err
	}
	return img, nil
}

func (k *KernelImage) parseHeader() error {
	data := k.Data
	if len(data) < headerMagicOffset+4 {
		return ErrImageTooSmall
	}
	if binary.LittleEndian.Uint16(data[bootFlagOffset:]) != bootFlagMagic {
		return ErrMagicMissing
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return ErrMagicMissing
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) || headerEnd <= setupHeaderOffset {
		return fmt.Errorf("boot: invalid setup header length %d", headerLength)
	}
	headerBytes := make([]byte, headerEnd-setupHeaderOffset)
	copy(headerBytes, data[setupHeaderOffset:headerEnd])
	k.HeaderBytes = headerBytes

	var hdr SetupHeader
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.RamdiskImage = binary.LittleEndian.Uint32(data[ramdiskImageOffset:])
	hdr.RamdiskSize = binary.LittleEndian.Uint32(data[ramdiskSizeOffset:])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset:])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset:])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset:])
	k.Header = hdr

	if hdr.ProtocolVersion < minSupportedVersion {
		return ErrOldProtocol
	}
	if hdr.RelocatableKernel == 0 {
		return ErrNotRelocatable
	}

	setupSectors := int(hdr.SetupSectors)
	payloadOffset := 512 * (1 + setupSectors)
	if payloadOffset > len(data) {
		return fmt.Errorf("boot: payload offset %d exceeds image size %d", payloadOffset, len(data))
	}
	k.PayloadOffset = payloadOffset

	return nil
}

// Payload returns the protected-mode kernel payload that gets copied to the
// load address.
func (k *KernelImage) Payload() []byte {
	return k.Data[k.PayloadOffset:]
}
