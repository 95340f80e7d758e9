package fat

import "strings"

// Kind distinguishes the two members of the FAT node tagged union
// (spec.md 3, "FAT node").
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// Node is a handle to an open file or directory (spec.md 3's tagged union:
// File(start_cluster, active_cluster, sector_offset, size, position) or
// Directory(cursor)).
type Node struct {
	m    *Mount
	kind Kind

	// File fields.
	startCluster     uint32
	activeCluster    uint32
	curClusterIndex  uint32
	size             uint32
	position         uint32

	// Directory fields. dirCluster == 0 encodes the FAT12/16 fixed root
	// region (spec.md 3's "cluster_or_none = none").
	dirCluster uint32
}

// Root returns the node for the volume's root directory.
func (m *Mount) Root() *Node {
	n := &Node{m: m, kind: KindDirectory}
	if m.fatType == Type32 {
		n.dirCluster = m.rootCluster
	}
	return n
}

// Kind reports whether n is a file or a directory.
func (n *Node) Kind() Kind { return n.kind }

// Size returns a file node's byte length. Only valid for KindFile.
func (n *Node) Size() uint32 { return n.size }

// clusterSize returns the number of bytes per cluster for n's volume.
func (n *Node) clusterSize() uint32 {
	return n.m.sectorsPerCluster * n.m.bytesPerSector
}

// dirEntry is one decoded directory record, carrying both the reassembled
// long name (if any) and the raw short name, since name matching (spec.md
// 4.4) may match either.
type dirEntry struct {
	longName  string
	shortName [11]byte
	isDir     bool
	cluster   uint32
	size      uint32
}

func (e dirEntry) matches(query string) bool {
	if e.longName != "" && equalFold(e.longName, query) {
		return true
	}
	if len(query) > 12 {
		return false
	}
	return shortNameMatches(e.shortName, query)
}

// forEachEntry walks dirCluster's directory records in order, invoking fn
// for each short-entry record with its reassembled long name attached.
// Iteration stops at the terminator record or when fn returns stop=true.
func (m *Mount) forEachEntry(dirCluster uint32, fn func(dirEntry) (stop bool, err error)) error {
	lfn := newLFNBuffer()
	sector := make([]byte, sectorSize)

	visitSector := func(lba uint64) (done bool, err error) {
		if err := m.readSector(lba, sector); err != nil {
			return false, err
		}
		for off := 0; off+dirEntrySize <= len(sector); off += dirEntrySize {
			rec := sector[off : off+dirEntrySize]
			switch classify(rec) {
			case entryTerminator:
				return true, nil
			case entryUnused:
				lfn.reset()
			case entryVolumeLabel:
				lfn.reset()
			case entryLFN:
				e := decodeLFN(rec)
				if e.lfnLast {
					lfn.reset()
				}
				lfn.add(e)
			case entryShort:
				se := decodeShort(rec)
				de := dirEntry{
					longName:  lfn.decode(),
					shortName: se.shortName,
					isDir:     se.isDir,
					cluster:   se.firstCluster,
					size:      se.size,
				}
				lfn.reset()
				stop, err := fn(de)
				if err != nil {
					return false, err
				}
				if stop {
					return true, nil
				}
			}
		}
		return false, nil
	}

	if dirCluster == 0 {
		for i := uint32(0); i < m.rootDirSectors; i++ {
			done, err := visitSector(m.startLBA + uint64(m.rootDirSector+i))
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		return nil
	}

	cluster := dirCluster
	for {
		base := m.clusterFirstSector(cluster)
		for s := uint32(0); s < m.sectorsPerCluster; s++ {
			done, err := visitSector(base + uint64(s))
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		next, err := m.nextCluster(cluster)
		if err != nil {
			return err
		}
		if m.endOfChain(next) {
			return nil
		}
		cluster = next
	}
}

// lookupChild finds the entry named query directly inside dirCluster.
func (m *Mount) lookupChild(dirCluster uint32, query string) (dirEntry, error) {
	var found dirEntry
	ok := false
	err := m.forEachEntry(dirCluster, func(e dirEntry) (bool, error) {
		if e.matches(query) {
			found = e
			ok = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return dirEntry{}, err
	}
	if !ok {
		return dirEntry{}, ErrNotFound
	}
	return found, nil
}

// Open resolves an absolute or relative path (components separated by '/'
// or '\\') starting from n, which must be a directory.
func (n *Node) Open(path string) (*Node, error) {
	if n.kind != KindDirectory {
		return nil, ErrNodeTypeMismatch
	}

	parts := splitPath(path)
	cur := n
	for i, part := range parts {
		last := i == len(parts)-1
		e, err := n.m.lookupChild(cur.dirCluster, part)
		if err != nil {
			return nil, err
		}
		if last {
			if e.isDir {
				cur = &Node{m: n.m, kind: KindDirectory, dirCluster: e.cluster}
			} else {
				cur = &Node{m: n.m, kind: KindFile, startCluster: e.cluster, activeCluster: e.cluster, size: e.size}
			}
			continue
		}
		if !e.isDir {
			return nil, ErrNotFound
		}
		cur = &Node{m: n.m, kind: KindDirectory, dirCluster: e.cluster}
	}
	return cur, nil
}

func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "\\", "/")
	var out []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Read fills buf from the current position, advancing it, and never reads
// past the file's recorded size. Returns ErrEndOfFile once position has
// reached size. Only valid for KindFile.
func (n *Node) Read(buf []byte) (int, error) {
	if n.kind != KindFile {
		return 0, ErrNodeTypeMismatch
	}
	if n.position >= n.size {
		return 0, ErrEndOfFile
	}

	total := 0
	sector := make([]byte, sectorSize)
	for total < len(buf) && n.position < n.size {
		cs := n.clusterSize()
		idx := n.position / cs
		if err := n.seekToClusterIndex(idx); err != nil {
			return total, err
		}
		within := n.position % cs
		sectorInCluster := within / n.m.bytesPerSector
		byteInSector := within % n.m.bytesPerSector

		lba := n.m.clusterFirstSector(n.activeCluster) + uint64(sectorInCluster)
		if err := n.m.readSector(lba, sector); err != nil {
			return total, err
		}

		avail := n.m.bytesPerSector - byteInSector
		remaining := n.size - n.position
		want := uint32(len(buf) - total)
		take := min32(avail, min32(remaining, want))

		copy(buf[total:total+int(take)], sector[byteInSector:byteInSector+take])
		total += int(take)
		n.position += take
	}
	return total, nil
}

// Seek moves the read position to offset, which must be a multiple of the
// sector size (spec.md 4.4). For a directory node, only offset 0 is valid.
// Seeking backward on a file resets to cluster 0 and walks forward via the
// FAT chain (spec.md 4.4); forward seeks continue the walk from wherever
// the cursor currently sits.
func (n *Node) Seek(offset uint32) error {
	if offset%sectorSize != 0 {
		return ErrInvalidOffset
	}
	if n.kind == KindDirectory {
		if offset != 0 {
			return ErrInvalidOffset
		}
		return nil
	}

	idx := offset / n.clusterSize()
	if err := n.seekToClusterIndex(idx); err != nil {
		return err
	}
	n.position = offset
	return nil
}

// seekToClusterIndex ensures n.activeCluster is the cluster holding
// cluster-index idx within the file's chain, walking forward from either
// the start of the chain (if idx is behind the cursor) or the current
// position (if idx is ahead).
func (n *Node) seekToClusterIndex(idx uint32) error {
	if idx < n.curClusterIndex || n.activeCluster == 0 {
		n.activeCluster = n.startCluster
		n.curClusterIndex = 0
	}
	for n.curClusterIndex < idx {
		next, err := n.m.nextCluster(n.activeCluster)
		if err != nil {
			return err
		}
		if n.m.endOfChain(next) {
			return ErrEndOfFile
		}
		n.activeCluster = next
		n.curClusterIndex++
	}
	return nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
