// Package boot implements the pared-down UEFI Boot-Services surface
// (spec.md 4.7): GUID-routed protocol dispatch keyed by handle type,
// device-path generation, image load/start, and partition enumeration.
package boot

import (
	"github.com/tinyrange/bootrom/internal/fat"
	"github.com/tinyrange/bootrom/internal/uefi/guid"
	"github.com/tinyrange/bootrom/internal/virtio"
)

// HandleType tags what protocols may be opened on a Handle (spec.md 3,
// "Handle").
type HandleType int

const (
	HandleNone HandleType = iota
	HandleBlock
	HandleFileSystem
	HandleLoadedImage
)

// BlockWrapper backs a Block handle: it offsets reads/writes by the
// partition's FirstLBA (or nothing, for the whole-disk element 0).
type BlockWrapper struct {
	Dev              *virtio.BlockDevice
	PartitionNumber  uint32 // 0 for the whole disk
	FirstLBA         uint64
	LastLBA          uint64
	PartitionGUID    [16]byte
	DevicePath       []byte
}

// ReadBlock reads one sector at an LBA relative to the wrapper's volume.
func (w *BlockWrapper) ReadBlock(lba uint64, data []byte) error {
	return w.Dev.ReadSector(w.FirstLBA+lba, data)
}

// WriteBlock writes one sector at an LBA relative to the wrapper's volume.
func (w *BlockWrapper) WriteBlock(lba uint64, data []byte) error {
	return w.Dev.WriteSector(w.FirstLBA+lba, data)
}

// FileSystemWrapper backs the single FileSystem handle created over the
// EFI System Partition.
type FileSystemWrapper struct {
	Mount             *fat.Mount
	EFIPartitionIndex int // index into BootServices.Partitions
}

// LoadedImageRecord backs a LoadedImage handle (spec.md 4.7,
// "LoadedImageProtocol embedded in the image record").
type LoadedImageRecord struct {
	ImageBase    uint64
	ImageSize    uint64
	EntryAddr    uint64
	FilePath     []byte
	DeviceHandle *Handle
	ParentHandle *Handle
}

// Handle is the opaque, tagged entity protocol dispatch operates over
// (spec.md 3, "Handle").
type Handle struct {
	ID   uint64
	Type HandleType

	Block  *BlockWrapper
	FS     *FileSystemWrapper
	Loaded *LoadedImageRecord

	DevicePath []byte
}

// SupportsProtocol reports whether p may be opened on h, per the
// HandleType -> accepted-GUIDs table in spec.md 4.7.
func (h *Handle) SupportsProtocol(p guid.GUID) bool {
	switch h.Type {
	case HandleLoadedImage:
		return p == guid.LoadedImageProtocol
	case HandleFileSystem:
		return p == guid.SimpleFileSystemProtocol || p == guid.DevicePathProtocol
	case HandleBlock:
		return p == guid.BlockIOProtocol || p == guid.DevicePathProtocol
	default:
		return false
	}
}
