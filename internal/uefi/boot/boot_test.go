package boot

import (
	"errors"
	"io"
	"testing"

	"github.com/tinyrange/bootrom/internal/gpt"
	"github.com/tinyrange/bootrom/internal/memregion"
	"github.com/tinyrange/bootrom/internal/uefi/guid"
	"github.com/tinyrange/bootrom/internal/uefi/status"
)

type fakeLoader struct {
	entry, loadedAt, size uint64
	err                   error
}

func (l *fakeLoader) LoadImage(r io.ReaderAt, loadAddr uint64) (uint64, uint64, uint64, error) {
	if l.err != nil {
		return 0, 0, 0, l.err
	}
	return l.entry, l.loadedAt, l.size, nil
}

func TestDevicePathFilePathRoundTrip(t *testing.T) {
	dp := FilePathNode(`\EFI\BOOT\BOOTX64.EFI`)
	path, ok := decodeFilePath(dp)
	if !ok {
		t.Fatal("decodeFilePath failed")
	}
	if path != `\EFI\BOOT\BOOTX64.EFI` {
		t.Fatalf("path = %q", path)
	}
	// Terminated by an end-of-path record.
	if dp[len(dp)-4] != typeEnd || dp[len(dp)-3] != subtypeEnd {
		t.Fatal("missing end-of-path record")
	}
}

func TestHardDriveNodeEncodesPartitionFields(t *testing.T) {
	guidBytes := [16]byte{1, 2, 3, 4}
	dp := HardDriveNode(1, 2048, 1048575, guidBytes)
	if len(dp) == 0 {
		t.Fatal("empty device path")
	}
}

func TestSupportsProtocol(t *testing.T) {
	h := &Handle{Type: HandleBlock}
	if !h.SupportsProtocol(guid.BlockIOProtocol) {
		t.Fatal("expected block-io supported")
	}
	if h.SupportsProtocol(guid.LoadedImageProtocol) {
		t.Fatal("expected loaded-image unsupported on a block handle")
	}
}

func TestInstallConfigurationTableInsertUpdateDelete(t *testing.T) {
	bs := NewBootServices(nil, nil)
	vendor := guid.GlobalVariable

	if got := bs.InstallConfigurationTable(vendor, 0x1000); got != status.Success {
		t.Fatalf("insert: %v", got)
	}
	if got := bs.ConfigurationTableCount(); got != 1 {
		t.Fatalf("count after insert = %d", got)
	}
	if got := bs.InstallConfigurationTable(vendor, 0x2000); got != status.Success {
		t.Fatalf("update: %v", got)
	}
	if got := bs.ConfigurationTableCount(); got != 1 {
		t.Fatalf("count after update = %d", got)
	}
	if got := bs.InstallConfigurationTable(vendor, 0); got != status.Success {
		t.Fatalf("delete: %v", got)
	}
	if got := bs.ConfigurationTableCount(); got != 0 {
		t.Fatalf("count after delete = %d", got)
	}
	if got := bs.InstallConfigurationTable(vendor, 0); got != status.NotFound {
		t.Fatalf("delete missing: %v", got)
	}
}

func TestLoadImageFromMemoryAndStartImage(t *testing.T) {
	loader := &fakeLoader{entry: 0x400000 + 0x10, loadedAt: 0x400000, size: 0x1000}
	bs := NewBootServices(loader, memregion.New(0, make([]byte, 0x1000)))

	h, got := bs.LoadImage(nil, LoadFromMemory, nil, MemorySource{Start: 0, End: 0}, 0x400000)
	if got != status.Success {
		t.Fatalf("LoadImage: %v", got)
	}
	if h.Loaded.EntryAddr != loader.entry {
		t.Fatalf("entry = %#x, want %#x", h.Loaded.EntryAddr, loader.entry)
	}

	res, got := bs.StartImage(h, 0x500000)
	if got != status.Success {
		t.Fatalf("StartImage: %v", got)
	}
	if res.EntryAddr != loader.entry || res.SystemTablePtr != 0x500000 {
		t.Fatalf("unexpected StartResult: %+v", res)
	}
}

func TestLoadImageErrorMapsToLoadError(t *testing.T) {
	loader := &fakeLoader{err: errors.New("boom")}
	bs := NewBootServices(loader, memregion.New(0, make([]byte, 0x1000)))
	_, got := bs.LoadImage(nil, LoadFromMemory, nil, MemorySource{}, 0)
	if got != status.LoadError {
		t.Fatalf("got %v, want LoadError", got)
	}
}

// TestRegisterDiskHandlesBuildsPartitionArrayWithoutESP exercises the
// partition-enumeration bookkeeping in RegisterDiskHandles without needing
// a real block device backing: a table with no ESP-typed partition makes
// RegisterDiskHandles return before ever touching dev (it fails fast with
// ErrNoEFIPartition), while still populating the partition handle array.
func TestRegisterDiskHandlesBuildsPartitionArrayWithoutESP(t *testing.T) {
	bs := NewBootServices(nil, nil)
	table := &gpt.Table{
		FirstUsableLBA: 34,
		Partitions: []gpt.Partition{
			{Index: 0, TypeGUID: [16]byte{0xAA}, FirstLBA: 2048, LastLBA: 1048575},
		},
	}

	err := bs.RegisterDiskHandles(nil, table)
	if err != gpt.ErrNoEFIPartition {
		t.Fatalf("got %v, want ErrNoEFIPartition", err)
	}
	if bs.partitionCount != 2 {
		t.Fatalf("partitionCount = %d, want 2 (disk + 1 partition)", bs.partitionCount)
	}
	if bs.Partitions[1].Block.FirstLBA != 2048 {
		t.Fatalf("partition 1 FirstLBA = %d, want 2048", bs.Partitions[1].Block.FirstLBA)
	}
}
