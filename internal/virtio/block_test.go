package virtio

import (
	"bytes"
	"testing"

	"github.com/tinyrange/bootrom/internal/memregion"
)

func newBlockDeviceForTest(t *testing.T) (*BlockDevice, *fakeTransport) {
	t.Helper()
	mem := memregion.New(0, make([]byte, 1<<20))
	ft := newFakeTransport(mem)
	ft.blkEmulation = true

	bd, err := NewBlockDevice(ft, mem, 0x1000)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	return bd, ft
}

func TestBlockDeviceReadWriteRoundTrip(t *testing.T) {
	bd, ft := newBlockDeviceForTest(t)

	want := bytes.Repeat([]byte{0x5a}, SectorSize)
	if err := bd.WriteSector(7, want); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	got := make([]byte, SectorSize)
	if err := bd.ReadSector(7, got); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}

	_ = ft
}

func TestBlockDeviceInvalidBufferSize(t *testing.T) {
	bd, _ := newBlockDeviceForTest(t)
	if err := bd.ReadSector(0, make([]byte, 10)); err != ErrInvalidDataBufSize {
		t.Fatalf("got %v, want ErrInvalidDataBufSize", err)
	}
}

func TestBlockDeviceReadOnlyRejectsWrite(t *testing.T) {
	mem := memregion.New(0, make([]byte, 1<<20))
	ft := newFakeTransport(mem)
	ft.blkEmulation = true
	ft.features = FeatureVersion1 | FeatureBlockRO

	bd, err := NewBlockDevice(ft, mem, 0x1000)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	if !bd.ReadOnly() {
		t.Fatal("expected ReadOnly() to be true")
	}
	if err := bd.WriteSector(0, make([]byte, SectorSize)); err != ErrBlockNotSupported {
		t.Fatalf("got %v, want ErrBlockNotSupported", err)
	}
}

func TestBlockDeviceIOError(t *testing.T) {
	bd, ft := newBlockDeviceForTest(t)
	ft.fail = true
	if err := bd.ReadSector(0, make([]byte, SectorSize)); err == nil {
		t.Fatal("expected I/O error")
	}
}

func TestBlockDeviceFlush(t *testing.T) {
	bd, _ := newBlockDeviceForTest(t)
	if err := bd.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
