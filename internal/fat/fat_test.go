package fat

import (
	"encoding/binary"
	"testing"
)

// fakeDisk is a sparse in-memory SectorReader, sectors default to zero.
type fakeDisk struct {
	sectors map[uint64][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{sectors: make(map[uint64][]byte)} }

func (d *fakeDisk) ReadSector(lba uint64, data []byte) error {
	if sec, ok := d.sectors[lba]; ok {
		copy(data, sec)
		return nil
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *fakeDisk) put(lba uint64, b []byte) {
	sec := make([]byte, sectorSize)
	copy(sec, b)
	d.sectors[lba] = sec
}

func buildShortEntry(name8, ext3 string, attr byte, cluster, size uint32) [32]byte {
	var e [32]byte
	copy(e[0:8], []byte(padRight(name8, 8)))
	copy(e[8:11], []byte(padRight(ext3, 3)))
	e[11] = attr
	binary.LittleEndian.PutUint16(e[20:22], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(e[26:28], uint16(cluster))
	binary.LittleEndian.PutUint32(e[28:32], size)
	return e
}

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}

func buildLFNEntry(seq uint8, last bool, chars [13]uint16) [32]byte {
	var e [32]byte
	ord := seq
	if last {
		ord |= 0x40
	}
	e[0] = ord
	e[11] = attrLFN
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(e[1+i*2:3+i*2], chars[i])
	}
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(e[14+i*2:16+i*2], chars[5+i])
	}
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(e[28+i*2:30+i*2], chars[11+i])
	}
	return e
}

func lfnUnits(s string, pad bool) [13]uint16 {
	var u [13]uint16
	i := 0
	for ; i < len(s) && i < 13; i++ {
		u[i] = uint16(s[i])
	}
	if pad && i < 13 {
		u[i] = 0x0000
		i++
		for ; i < 13; i++ {
			u[i] = 0xFFFF
		}
	}
	return u
}

// buildTestVolume constructs a small synthetic FAT16 image:
//
//	/EFI/BOOT/BOOTX64.EFI                  (short name only)
//	/EFI/BOOT/VERYLONGFILENAME.TXT         (short name "VERYLO~1.TXT" + LFN)
func buildTestVolume(t *testing.T) (*fakeDisk, *Mount, []byte, []byte) {
	t.Helper()
	d := newFakeDisk()

	const (
		reserved    = 1
		fatCount    = 1
		spf         = 1
		rootEntries = 16
		spc         = 1
		totalSectors = 5000 // clusterCount lands in the FAT16 range
	)

	boot := make([]byte, sectorSize)
	binary.LittleEndian.PutUint16(boot[11:13], sectorSize)
	boot[13] = spc
	binary.LittleEndian.PutUint16(boot[14:16], reserved)
	boot[16] = fatCount
	binary.LittleEndian.PutUint16(boot[17:19], rootEntries)
	binary.LittleEndian.PutUint16(boot[19:21], totalSectors)
	binary.LittleEndian.PutUint16(boot[22:24], spf)
	d.put(0, boot)

	// FAT table at LBA 1.
	fatSec := make([]byte, sectorSize)
	setFAT16 := func(cluster uint32, v uint16) {
		binary.LittleEndian.PutUint16(fatSec[cluster*2:cluster*2+2], v)
	}
	setFAT16(2, 0xFFFF) // EFI dir, single cluster
	setFAT16(3, 0xFFFF) // BOOT dir, single cluster
	setFAT16(4, 5)       // BOOTX64.EFI cluster chain: 4 -> 5 -> EOC
	setFAT16(5, 0xFFFF)
	setFAT16(6, 0xFFFF) // VERYLONGFILENAME.TXT, single cluster
	d.put(1, fatSec)

	// Root directory at LBA 2: one entry, "EFI" subdirectory at cluster 2.
	root := make([]byte, sectorSize)
	copy(root[0:32], mustBytes(buildShortEntry("EFI", "", 0x10, 2, 0)))
	d.put(2, root)

	// EFI directory at cluster 2 -> LBA 3: one entry, "BOOT" at cluster 3.
	efiDir := make([]byte, sectorSize)
	copy(efiDir[0:32], mustBytes(buildShortEntry("BOOT", "", 0x10, 3, 0)))
	d.put(3, efiDir)

	bootContent := make([]byte, 600)
	for i := range bootContent {
		bootContent[i] = byte(i)
	}

	longContent := []byte("hello from a long-named file")

	// BOOT directory at cluster 3 -> LBA 4: BOOTX64.EFI and the long-named file.
	bootDir := make([]byte, sectorSize)
	off := 0
	copy(bootDir[off:off+32], mustBytes(buildShortEntry("BOOTX64", "EFI", 0x20, 4, uint32(len(bootContent)))))
	off += 32

	name := "VERYLONGFILENAME.TXT"
	frag1 := lfnUnits(name[0:13], false)
	frag2 := lfnUnits(name[13:], true)
	copy(bootDir[off:off+32], mustBytes(buildLFNEntry(2, true, frag2)))
	off += 32
	copy(bootDir[off:off+32], mustBytes(buildLFNEntry(1, false, frag1)))
	off += 32
	copy(bootDir[off:off+32], mustBytes(buildShortEntry("VERYLO~1", "TXT", 0x20, 6, uint32(len(longContent)))))
	d.put(4, bootDir)

	// BOOTX64.EFI content spans clusters 4 (LBA 5) and 5 (LBA 6).
	c0 := make([]byte, sectorSize)
	copy(c0, bootContent[:512])
	d.put(5, c0)
	c1 := make([]byte, sectorSize)
	copy(c1, bootContent[512:])
	d.put(6, c1)

	// Long-named file content at cluster 6 -> LBA 7.
	c2 := make([]byte, sectorSize)
	copy(c2, longContent)
	d.put(7, c2)

	m, err := Mount(d, 0, totalSectors-1)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if m.Type() != Type16 {
		t.Fatalf("got type %v, want Type16", m.Type())
	}
	return d, m, bootContent, longContent
}

func mustBytes(b [32]byte) []byte { return b[:] }

func TestOpenAndReadFullRoundTrip(t *testing.T) {
	_, m, want, _ := buildTestVolume(t)

	node, err := m.Root().Open("/EFI/BOOT/BOOTX64.EFI")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if node.Kind() != KindFile {
		t.Fatalf("expected a file node")
	}
	if node.Size() != uint32(len(want)) {
		t.Fatalf("size = %d, want %d", node.Size(), len(want))
	}

	got := make([]byte, 0, len(want))
	buf := make([]byte, 64)
	for {
		n, err := node.Read(buf)
		got = append(got, buf[:n]...)
		if err == ErrEndOfFile {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			t.Fatal("Read returned 0 with no error")
		}
	}

	if len(got) != len(want) {
		t.Fatalf("read %d bytes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %#x want %#x", i, got[i], want[i])
		}
	}

	if err := node.Seek(0); err != nil {
		t.Fatalf("Seek(0): %v", err)
	}
	got2 := make([]byte, len(want))
	total := 0
	for total < len(got2) {
		n, err := node.Read(got2[total:])
		total += n
		if err != nil && err != ErrEndOfFile {
			t.Fatalf("Read after seek: %v", err)
		}
		if n == 0 {
			break
		}
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Fatalf("post-seek byte %d mismatch", i)
		}
	}
}

func TestSeekRequiresSectorAlignment(t *testing.T) {
	_, m, _, _ := buildTestVolume(t)
	node, err := m.Root().Open("/EFI/BOOT/BOOTX64.EFI")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := node.Seek(100); err != ErrInvalidOffset {
		t.Fatalf("got %v, want ErrInvalidOffset", err)
	}
	if err := node.Seek(512); err != nil {
		t.Fatalf("Seek(512): %v", err)
	}
}

func TestLongNameOpensButTruncatedFormDoesNot(t *testing.T) {
	_, m, _, longWant := buildTestVolume(t)

	byLong, err := m.Root().Open("/EFI/BOOT/VERYLONGFILENAME.TXT")
	if err != nil {
		t.Fatalf("open by long name: %v", err)
	}
	buf := make([]byte, len(longWant))
	n, err := byLong.Read(buf)
	if err != nil && err != ErrEndOfFile {
		t.Fatalf("Read: %v", err)
	}
	if n != len(longWant) || string(buf) != string(longWant) {
		t.Fatalf("content mismatch: got %q", buf[:n])
	}

	byShort, err := m.Root().Open("/EFI/BOOT/VERYLO~1.TXT")
	if err != nil {
		t.Fatalf("open by generated short name: %v", err)
	}
	if byShort.Size() != uint32(len(longWant)) {
		t.Fatal("short-name node has wrong size")
	}

	if _, err := m.Root().Open("/EFI/BOOT/VERYLONGFIL"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound for naive-truncated form", err)
	}
}

func TestDirectorySeekOnlyAcceptsZero(t *testing.T) {
	_, m, _, _ := buildTestVolume(t)
	dir, err := m.Root().Open("/EFI/BOOT")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := dir.Seek(0); err != nil {
		t.Fatalf("Seek(0) on directory: %v", err)
	}
	if err := dir.Seek(512); err != ErrInvalidOffset {
		t.Fatalf("got %v, want ErrInvalidOffset", err)
	}
}

func TestNodeTypeMismatch(t *testing.T) {
	_, m, _, _ := buildTestVolume(t)
	dir, err := m.Root().Open("/EFI/BOOT")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := dir.Read(make([]byte, 1)); err != ErrNodeTypeMismatch {
		t.Fatalf("got %v, want ErrNodeTypeMismatch", err)
	}
}

func TestCaseInsensitiveMatch(t *testing.T) {
	_, m, _, _ := buildTestVolume(t)
	if _, err := m.Root().Open("/efi/boot/bootx64.efi"); err != nil {
		t.Fatalf("case-insensitive open: %v", err)
	}
}
