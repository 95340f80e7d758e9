package gpt

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/bootrom/internal/virtio"
)

// fakeDisk is an in-memory SectorReader built by writing sectors directly,
// for exercising GPT parsing without a virtio stack.
type fakeDisk struct {
	sectors map[uint64][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{sectors: make(map[uint64][]byte)} }

func (d *fakeDisk) ReadSector(lba uint64, data []byte) error {
	if len(data) != virtio.SectorSize {
		return virtio.ErrInvalidDataBufSize
	}
	sec, ok := d.sectors[lba]
	if !ok {
		sec = make([]byte, virtio.SectorSize)
	}
	copy(data, sec)
	return nil
}

func (d *fakeDisk) writeSector(lba uint64, b []byte) {
	sec := make([]byte, virtio.SectorSize)
	copy(sec, b)
	d.sectors[lba] = sec
}

// buildReferenceImage constructs a minimal but valid one-partition GPT disk
// matching spec.md S4 (find_efi_partition() returns (2048, 1048575)).
func buildReferenceImage(t *testing.T) *fakeDisk {
	t.Helper()
	d := newFakeDisk()

	const partEntryLBA = 2
	const partEntrySize = 128
	const partCount = 128

	hdr := header{
		Signature:           signature,
		Revision:            0x00010000,
		HeaderSize:          92,
		CurrentLBA:          1,
		BackupLBA:           2047,
		FirstUsableLBA:      34,
		LastUsableLBA:       2014,
		DiskGUID:            [16]byte{1, 2, 3, 4},
		PartitionEntryLBA:   partEntryLBA,
		PartitionEntryCount: partCount,
		PartitionEntrySize:  partEntrySize,
	}
	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	d.writeSector(1, hbuf.Bytes())

	e := entry{
		TypeGUID:      espTypeGUID,
		PartitionGUID: [16]byte{9, 9, 9, 9},
		FirstLBA:      2048,
		LastLBA:       1048575,
	}
	var ebuf bytes.Buffer
	if err := binary.Write(&ebuf, binary.LittleEndian, e); err != nil {
		t.Fatal(err)
	}

	entrySector := make([]byte, virtio.SectorSize)
	copy(entrySector, ebuf.Bytes())
	d.writeSector(partEntryLBA, entrySector)

	return d
}

func TestFindEFIPartitionOnReferenceImage(t *testing.T) {
	d := buildReferenceImage(t)

	tbl, err := Read(d)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	first, last, err := tbl.FindEFIPartition()
	if err != nil {
		t.Fatalf("FindEFIPartition: %v", err)
	}
	if first != 2048 || last != 1048575 {
		t.Fatalf("got (%d, %d), want (2048, 1048575)", first, last)
	}
}

func TestHeaderNotFound(t *testing.T) {
	d := newFakeDisk()
	if _, err := Read(d); err != ErrHeaderNotFound {
		t.Fatalf("got %v, want ErrHeaderNotFound", err)
	}
}

func TestViolatesSpecification(t *testing.T) {
	d := newFakeDisk()
	hdr := header{
		Signature:           signature,
		FirstUsableLBA:      10, // < 34
		PartitionEntryLBA:   2,
		PartitionEntryCount: 0,
		PartitionEntrySize:  128,
	}
	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	d.writeSector(1, hbuf.Bytes())

	if _, err := Read(d); err != ErrViolatesSpecification {
		t.Fatalf("got %v, want ErrViolatesSpecification", err)
	}
}

func TestSkipsAllZeroPartitionGUID(t *testing.T) {
	d := newFakeDisk()
	hdr := header{
		Signature:           signature,
		FirstUsableLBA:      34,
		LastUsableLBA:       2014,
		PartitionEntryLBA:   2,
		PartitionEntryCount: 2,
		PartitionEntrySize:  128,
	}
	var hbuf bytes.Buffer
	if err := binary.Write(&hbuf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	d.writeSector(1, hbuf.Bytes())

	// entry 0: all-zero partition GUID, should be skipped even though its
	// type GUID matches ESP.
	zero := entry{TypeGUID: espTypeGUID}
	// entry 1: real ESP entry.
	real := entry{TypeGUID: espTypeGUID, PartitionGUID: [16]byte{1}, FirstLBA: 100, LastLBA: 200}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, zero)
	binary.Write(&buf, binary.LittleEndian, real)
	sector := make([]byte, virtio.SectorSize)
	copy(sector, buf.Bytes())
	d.writeSector(2, sector)

	tbl, err := Read(d)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(tbl.Partitions) != 1 {
		t.Fatalf("got %d partitions, want 1 (zero-GUID entry should be skipped)", len(tbl.Partitions))
	}
	if tbl.Partitions[0].FirstLBA != 100 {
		t.Fatalf("got FirstLBA=%d, want 100", tbl.Partitions[0].FirstLBA)
	}
}
