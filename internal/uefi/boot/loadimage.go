package boot

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/tinyrange/bootrom/internal/uefi/status"
)

// LoadKind distinguishes the two device-path kinds load_image accepts
// (spec.md 4.7).
type LoadKind int

const (
	LoadFromFile LoadKind = iota
	LoadFromMemory
)

// MemorySource describes an in-memory image blob for the Memory load kind.
type MemorySource struct {
	Type  uint32
	Start uint64
	End   uint64
}

// decodeFilePath extracts the UCS-2 path string from a FilePathNode-shaped
// device path (best-effort: it assumes a single file-path node followed by
// the end-of-path record, which is all this firmware ever generates or
// consumes).
func decodeFilePath(devicePath []byte) (string, bool) {
	if len(devicePath) < 4 {
		return "", false
	}
	length := binary.LittleEndian.Uint16(devicePath[2:4])
	if int(length) > len(devicePath) {
		return "", false
	}
	body := devicePath[4:length]
	var runes []rune
	for i := 0; i+1 < len(body); i += 2 {
		u := binary.LittleEndian.Uint16(body[i : i+2])
		if u == 0 {
			break
		}
		runes = append(runes, rune(u))
	}
	return string(runes), true
}

// LoadImage resolves devicePath against parent's file-system (LoadFromFile)
// or interprets mem as an in-memory image (LoadFromMemory), loads the
// bytes via C6, and registers a new LoadedImage handle (spec.md 4.7,
// "load_image").
func (bs *BootServices) LoadImage(parent *Handle, kind LoadKind, devicePath []byte, mem MemorySource, loadAddr uint64) (*Handle, status.Code) {
	if bs.loader == nil {
		return nil, status.Unsupported
	}

	var src io.ReaderAt
	switch kind {
	case LoadFromFile:
		if bs.FileSystem == nil {
			return nil, status.NotFound
		}
		path, ok := decodeFilePath(devicePath)
		if !ok {
			return nil, status.InvalidParameter
		}
		node, err := bs.FileSystem.FS.Mount.Root().Open(path)
		if err != nil {
			return nil, status.NotFound
		}
		buf := make([]byte, node.Size())
		if _, err := readFull(node, buf); err != nil {
			return nil, status.DeviceError
		}
		src = bytes.NewReader(buf)

	case LoadFromMemory:
		if mem.End < mem.Start {
			return nil, status.InvalidParameter
		}
		r, err := bs.memSource(mem)
		if err != nil {
			return nil, status.InvalidParameter
		}
		src = r

	default:
		return nil, status.InvalidParameter
	}

	entry, loadedAt, size, err := bs.loader.LoadImage(src, loadAddr)
	if err != nil {
		return nil, status.LoadError
	}

	h := &Handle{
		ID:   bs.newHandleID(),
		Type: HandleLoadedImage,
		Loaded: &LoadedImageRecord{
			ImageBase:    loadedAt,
			ImageSize:    size,
			EntryAddr:    entry,
			FilePath:     devicePath,
			ParentHandle: parent,
		},
	}
	if bs.FileSystem != nil {
		h.Loaded.DeviceHandle = bs.FileSystem
	}
	bs.loadedImages = append(bs.loadedImages, h)
	return h, status.Success
}

// reader is the narrow capability LoadImage needs from a fat.Node: pure
// sequential Read (no ReaderAt - the whole file is staged into data up
// front, matching how a loader copies bytes into the target image base).
type reader interface {
	Read(buf []byte) (int, error)
}

func readFull(r reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// StartResult carries what the caller needs to transfer control to a
// started image: the entry point and the two UEFI-application calling-
// convention arguments (image handle, system-table pointer). Actually
// invoking the entry point is the platform/CPU layer's job, out of scope
// here (spec.md 1, "CPU-specific assembly entry stubs... are treated as
// external collaborators").
type StartResult struct {
	EntryAddr      uint64
	ImageHandleID  uint64
	SystemTablePtr uint64
}

// StartImage reads h's entry point and returns the arguments a caller
// transfers control with (spec.md 4.7, "start_image").
func (bs *BootServices) StartImage(h *Handle, systemTablePtr uint64) (StartResult, status.Code) {
	if h == nil || h.Type != HandleLoadedImage {
		return StartResult{}, status.InvalidParameter
	}
	return StartResult{
		EntryAddr:      h.Loaded.EntryAddr,
		ImageHandleID:  h.ID,
		SystemTablePtr: systemTablePtr,
	}, status.Success
}
