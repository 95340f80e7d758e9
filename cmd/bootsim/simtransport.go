package main

import (
	"os"

	"github.com/tinyrange/bootrom/internal/memregion"
	"github.com/tinyrange/bootrom/internal/virtio"
)

// simTransport is an in-process virtio.Transport double backed by a raw
// disk image file: it answers feature/status registers in memory and
// services block requests synchronously out of NotifyQueue, the same
// single-outstanding-request shortcut internal/virtio's own
// fakeTransport test double uses to exercise BlockDevice without real
// hardware, generalized here from an in-memory sector map to a real
// file so bootsim can drive the orchestrator against an actual GPT/FAT
// disk image.
type simTransport struct {
	disk *os.File

	status   uint8
	features uint64
	qSize    uint16

	mem                           *memregion.Region
	descBase, availBase, usedBase uint64
	lastNotifiedUsed              uint16
}

func newSimTransport(disk *os.File, mem *memregion.Region) *simTransport {
	return &simTransport{
		disk:     disk,
		features: virtio.FeatureVersion1 | virtio.FeatureBlockFlush,
		mem:      mem,
	}
}

func (t *simTransport) InitForDevice(want virtio.DeviceType) error { return nil }
func (t *simTransport) GetStatus() (uint8, error)                  { return t.status, nil }
func (t *simTransport) SetStatus(v uint8) error                    { t.status = v; return nil }
func (t *simTransport) AddStatus(v uint8) error                    { t.status |= v; return nil }
func (t *simTransport) Reset() error                               { t.status = 0; return nil }

func (t *simTransport) GetFeatures() (uint64, error) { return t.features, nil }
func (t *simTransport) SetFeatures(v uint64) error   { t.features = v; return nil }

func (t *simTransport) QueueSelect(idx uint16) error  { return nil }
func (t *simTransport) QueueMaxSize() (uint16, error) { return 16, nil }
func (t *simTransport) SetQueueSize(size uint16) error {
	t.qSize = size
	return nil
}
func (t *simTransport) SetQueueAddresses(desc, avail, used uint64) error {
	t.descBase, t.availBase, t.usedBase = desc, avail, used
	return nil
}
func (t *simTransport) SetQueueEnabled(bool) error { return nil }

func (t *simTransport) ReadConfig32(offset uint32) (uint32, error) { return 0, nil }

type simChainDesc struct {
	addr uint64
	len  uint32
}

func (t *simTransport) readChain(head uint16) ([]simChainDesc, error) {
	const descFNext = 1
	const descSize = 16

	var out []simChainDesc
	idx := head
	for {
		d := t.descBase + uint64(idx)*descSize
		addr, err := t.mem.ReadUint64(d)
		if err != nil {
			return nil, err
		}
		length, err := t.mem.ReadUint32(d + 8)
		if err != nil {
			return nil, err
		}
		flags, err := t.mem.ReadUint16(d + 12)
		if err != nil {
			return nil, err
		}
		next, err := t.mem.ReadUint16(d + 14)
		if err != nil {
			return nil, err
		}
		out = append(out, simChainDesc{addr: addr, len: length})
		if flags&descFNext == 0 {
			break
		}
		idx = next
	}
	return out, nil
}

// NotifyQueue plays the device side of one request: it reads the
// descriptor chain the driver just published, interprets it as a
// virtio-blk request (header, optional data buffer, status footer), and
// serves it directly against the backing disk file (spec.md 4.2's
// three-descriptor chain framing).
func (t *simTransport) NotifyQueue(idx uint16) error {
	const (
		blkTypeIn    uint32 = 0
		blkTypeOut   uint32 = 1
		blkStatusOK  uint8  = 0
		blkStatusErr uint8  = 1
		sectorSize          = virtio.SectorSize
	)

	availIdx, err := t.mem.ReadUint16(t.availBase + 2)
	if err != nil {
		return err
	}
	usedIdx, err := t.mem.ReadUint16(t.usedBase + 2)
	if err != nil {
		return err
	}
	if availIdx == usedIdx {
		return nil
	}
	slot := (availIdx - 1) % t.qSize
	head, err := t.mem.ReadUint16(t.availBase + 4 + uint64(slot)*2)
	if err != nil {
		return err
	}

	descs, err := t.readChain(head)
	if err != nil {
		return err
	}

	reqType, err := t.mem.ReadUint32(descs[0].addr)
	if err != nil {
		return err
	}
	lba, err := t.mem.ReadUint64(descs[0].addr + 8)
	if err != nil {
		return err
	}

	status := blkStatusOK
	switch reqType {
	case blkTypeIn:
		buf := make([]byte, sectorSize)
		if _, err := t.disk.ReadAt(buf, int64(lba)*sectorSize); err != nil {
			status = blkStatusErr
		} else if _, err := t.mem.WriteAt(buf, int64(descs[1].addr)); err != nil {
			return err
		}
	case blkTypeOut:
		buf, err := t.mem.Slice(descs[1].addr, int(descs[1].len))
		if err != nil {
			return err
		}
		if _, err := t.disk.WriteAt(buf, int64(lba)*sectorSize); err != nil {
			status = blkStatusErr
		}
	}

	footer := descs[len(descs)-1]
	if err := t.mem.WriteUint8(footer.addr, status); err != nil {
		return err
	}
	return t.mem.WriteUint16(t.usedBase+2, usedIdx+1)
}

var _ virtio.Transport = (*simTransport)(nil)
