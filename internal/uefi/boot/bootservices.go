package boot

import (
	"io"
	"time"

	"github.com/tinyrange/bootrom/internal/fat"
	"github.com/tinyrange/bootrom/internal/gpt"
	"github.com/tinyrange/bootrom/internal/memregion"
	"github.com/tinyrange/bootrom/internal/uefi/guid"
	"github.com/tinyrange/bootrom/internal/uefi/status"
	"github.com/tinyrange/bootrom/internal/virtio"
)

// maxPartitionHandles is the fixed capacity of the partition-enumeration
// array (spec.md 4.7, "stores them in a fixed-size array (capacity 16)").
const maxPartitionHandles = 16

// maxConfigTableEntries bounds install_configuration_table's fixed-size
// table (spec.md 9, "fixed-capacity containers everywhere... configuration
// tables 8").
const maxConfigTableEntries = 8

type configTableEntry struct {
	vendor guid.GUID
	table  uint64
	inUse  bool
}

// BootServices implements the subset of EFI_BOOT_SERVICES spec.md 4.7
// requires. It holds the partition-handle array, the single file-system
// handle over the EFI System Partition, and the configuration-table list.
type BootServices struct {
	Partitions     [maxPartitionHandles]*Handle
	partitionCount int
	FileSystem     *Handle
	configTable    [maxConfigTableEntries]configTableEntry
	loadedImages   []*Handle
	loader         Loader
	mem            *memregion.Region
	nextHandleID   uint64
}

// Loader is the narrow capability BootServices needs to turn image bytes
// into a loaded image (spec.md 4.5/4.6, C6). A pe.Load-backed adapter
// satisfies this.
type Loader interface {
	LoadImage(r io.ReaderAt, loadAddr uint64) (entryAddr, loadedAt, size uint64, err error)
}

// NewBootServices constructs an empty table; callers populate it via
// RegisterDiskHandles before handling any load_image/start_image calls.
// mem is the guest physical-memory region the Memory load kind reads
// in-memory image blobs from.
func NewBootServices(loader Loader, mem *memregion.Region) *BootServices {
	return &BootServices{loader: loader, mem: mem}
}

func (bs *BootServices) memSource(mem MemorySource) (io.ReaderAt, error) {
	return bs.mem.SectionReader(mem.Start, int64(mem.End-mem.Start))
}

// RegisterDiskHandles walks dev's partition table and builds the
// partition-enumeration array: element 0 is the whole disk, element i>=1
// is GPT partition i, and a single FileSystem handle is created over the
// first ESP found (spec.md 4.7, "Partition enumeration").
func (bs *BootServices) RegisterDiskHandles(dev *virtio.BlockDevice, table *gpt.Table) error {
	bs.partitionCount = 0
	bs.addPartitionHandle(&BlockWrapper{Dev: dev})

	efiIndex := -1
	for i, p := range table.Partitions {
		if bs.partitionCount >= maxPartitionHandles {
			break
		}
		partitionNumber := uint32(i + 1)
		w := &BlockWrapper{
			Dev:             dev,
			PartitionNumber: partitionNumber,
			FirstLBA:        p.FirstLBA,
			LastLBA:         p.LastLBA,
			PartitionGUID:   p.PartitionGUID,
		}
		w.DevicePath = HardDriveNode(partitionNumber, p.FirstLBA, p.LastLBA, p.PartitionGUID)
		idx := bs.addPartitionHandle(w)
		if p.IsESP() && efiIndex == -1 {
			efiIndex = idx
		}
	}

	if efiIndex == -1 {
		return gpt.ErrNoEFIPartition
	}

	firstLBA, lastLBA, err := table.FindEFIPartition()
	if err != nil {
		return err
	}
	mount, err := fat.Mount(dev, firstLBA, lastLBA)
	if err != nil {
		return err
	}
	bs.FileSystem = &Handle{
		ID:   bs.newHandleID(),
		Type: HandleFileSystem,
		FS:   &FileSystemWrapper{Mount: mount, EFIPartitionIndex: efiIndex},
	}
	return nil
}

func (bs *BootServices) addPartitionHandle(w *BlockWrapper) int {
	idx := bs.partitionCount
	bs.Partitions[idx] = &Handle{ID: bs.newHandleID(), Type: HandleBlock, Block: w, DevicePath: w.DevicePath}
	bs.partitionCount++
	return idx
}

func (bs *BootServices) newHandleID() uint64 {
	bs.nextHandleID++
	return bs.nextHandleID
}

// LocateHandle returns every handle that supports protocol p (spec.md
// 4.7, "locate_handle(block_io) returns the array of block-wrapper
// handles").
func (bs *BootServices) LocateHandle(p guid.GUID) []*Handle {
	var out []*Handle
	for i := 0; i < bs.partitionCount; i++ {
		if bs.Partitions[i].SupportsProtocol(p) {
			out = append(out, bs.Partitions[i])
		}
	}
	if bs.FileSystem != nil && bs.FileSystem.SupportsProtocol(p) {
		out = append(out, bs.FileSystem)
	}
	for _, h := range bs.loadedImages {
		if h.SupportsProtocol(p) {
			out = append(out, h)
		}
	}
	return out
}

// OpenProtocol returns the protocol interface for p on h. For the
// FileSystem handle's DevicePathProtocol it resolves to the backing
// block-wrapper's controller device path, per spec.md 4.7.
func (bs *BootServices) OpenProtocol(h *Handle, p guid.GUID) (any, status.Code) {
	if h == nil {
		return nil, status.InvalidParameter
	}
	if !h.SupportsProtocol(p) {
		return nil, status.Unsupported
	}
	switch {
	case h.Type == HandleFileSystem && p == guid.DevicePathProtocol:
		return bs.Partitions[h.FS.EFIPartitionIndex].DevicePath, status.Success
	case h.Type == HandleFileSystem && p == guid.SimpleFileSystemProtocol:
		return h.FS, status.Success
	case h.Type == HandleBlock && p == guid.BlockIOProtocol:
		return h.Block, status.Success
	case h.Type == HandleBlock && p == guid.DevicePathProtocol:
		return h.DevicePath, status.Success
	case h.Type == HandleLoadedImage && p == guid.LoadedImageProtocol:
		return h.Loaded, status.Success
	default:
		return nil, status.Unsupported
	}
}

// InstallConfigurationTable maintains the fixed-size vendor-GUID-keyed
// configuration table (spec.md 4.7). table == 0 deletes the entry.
func (bs *BootServices) InstallConfigurationTable(vendor guid.GUID, table uint64) status.Code {
	for i := range bs.configTable {
		if bs.configTable[i].inUse && bs.configTable[i].vendor == vendor {
			if table == 0 {
				bs.configTable[i] = configTableEntry{}
				return status.Success
			}
			bs.configTable[i].table = table
			return status.Success
		}
	}
	if table == 0 {
		return status.NotFound
	}
	for i := range bs.configTable {
		if !bs.configTable[i].inUse {
			bs.configTable[i] = configTableEntry{vendor: vendor, table: table, inUse: true}
			return status.Success
		}
	}
	return status.OutOfResources
}

// ConfigurationTableCount reports the live entry count, mirroring the
// system table's NumberOfTableEntries field.
func (bs *BootServices) ConfigurationTableCount() int {
	n := 0
	for _, e := range bs.configTable {
		if e.inUse {
			n++
		}
	}
	return n
}

// ExitBootServices is a no-op: this firmware treats the entire guest-OS
// launch as already past ExitBootServices (spec.md 4.7).
func (bs *BootServices) ExitBootServices() status.Code { return status.Success }

// Stall delays the calling thread; every other event/timer/TPL operation
// maps to a no-op (spec.md 4.7).
func (bs *BootServices) Stall(microseconds uint64) {
	time.Sleep(time.Duration(microseconds) * time.Microsecond)
}

// CreateEvent, SetTimer, CheckEvent, RaiseTPL, and RestoreTPL are no-ops in
// this firmware; they exist only so a guest bootloader's calls resolve.
func (bs *BootServices) CreateEvent() status.Code  { return status.Success }
func (bs *BootServices) SetTimer() status.Code     { return status.Success }
func (bs *BootServices) CheckEvent() status.Code   { return status.NotReady }
func (bs *BootServices) RaiseTPL() uint64           { return 0 }
func (bs *BootServices) RestoreTPL()                {}
