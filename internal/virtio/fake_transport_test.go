package virtio

import "github.com/tinyrange/bootrom/internal/memregion"

// fakeTransport is an in-memory Transport stand-in that behaves like a
// virtio-blk device servicing exactly one outstanding request per Notify:
// it processes the descriptor chain synchronously and advances the used-ring
// index before NotifyQueue returns, which is enough to exercise Queue.Submit
// and BlockDevice's request/response framing without real hardware.
type fakeTransport struct {
	status   uint8
	features uint64
	qSize    uint16
	qMax     uint16

	mem                        *memregion.Region
	descBase, availBase, usedBase uint64

	backing      map[uint64][SectorSize]byte // LBA -> sector contents
	fail         bool                        // force VIRTIO_BLK_S_IOERR
	blkEmulation bool
}

func newFakeTransport(mem *memregion.Region) *fakeTransport {
	return &fakeTransport{
		qMax:    blockQueueSize,
		features: FeatureVersion1 | FeatureBlockFlush,
		mem:     mem,
		backing: make(map[uint64][SectorSize]byte),
	}
}

func (f *fakeTransport) InitForDevice(want DeviceType) error { return nil }
func (f *fakeTransport) GetStatus() (uint8, error)           { return f.status, nil }
func (f *fakeTransport) SetStatus(v uint8) error             { f.status = v; return nil }
func (f *fakeTransport) AddStatus(v uint8) error             { f.status |= v; return nil }
func (f *fakeTransport) Reset() error                        { f.status = 0; return nil }

func (f *fakeTransport) GetFeatures() (uint64, error) { return f.features, nil }
func (f *fakeTransport) SetFeatures(v uint64) error   { f.features = v; return nil }

func (f *fakeTransport) QueueSelect(idx uint16) error  { return nil }
func (f *fakeTransport) QueueMaxSize() (uint16, error) { return f.qMax, nil }
func (f *fakeTransport) SetQueueSize(size uint16) error {
	f.qSize = size
	return nil
}
func (f *fakeTransport) SetQueueAddresses(desc, avail, used uint64) error {
	f.descBase, f.availBase, f.usedBase = desc, avail, used
	return nil
}
func (f *fakeTransport) SetQueueEnabled(bool) error { return nil }

func (f *fakeTransport) ReadConfig32(offset uint32) (uint32, error) { return 0, nil }

// NotifyQueue plays device. When blkEmulation is false (the plain Queue
// tests) it just walks the chain and acks it, proving the descriptor/avail
// wiring round-trips. When true (the BlockDevice tests) it additionally
// interprets the chain as a virtio-blk request.
func (f *fakeTransport) NotifyQueue(idx uint16) error {
	availIdx, err := f.mem.ReadUint16(f.availBase + 2)
	if err != nil {
		return err
	}
	usedIdx, err := f.mem.ReadUint16(f.usedBase + 2)
	if err != nil {
		return err
	}
	if availIdx == usedIdx {
		return nil // nothing new published
	}
	slot := (availIdx - 1) % f.qSize
	head, err := f.mem.ReadUint16(f.availBase + 4 + uint64(slot)*2)
	if err != nil {
		return err
	}

	descs := f.readChain(head)

	if f.blkEmulation {
		if err := f.serviceBlockRequest(descs); err != nil {
			return err
		}
	}

	return f.mem.WriteUint16(f.usedBase+2, usedIdx+1)
}

func (f *fakeTransport) serviceBlockRequest(descs []chainDesc) error {
	reqType, err := f.mem.ReadUint32(descs[0].addr)
	if err != nil {
		return err
	}
	lba, err := f.mem.ReadUint64(descs[0].addr + 8)
	if err != nil {
		return err
	}

	status := blkStatusOK
	switch reqType {
	case blkTypeIn:
		if f.fail {
			status = blkStatusIOErr
		} else {
			sec := f.backing[lba]
			if _, err := f.mem.WriteAt(sec[:], int64(descs[1].addr)); err != nil {
				return err
			}
		}
	case blkTypeOut:
		if f.fail {
			status = blkStatusIOErr
		} else {
			buf, err := f.mem.Slice(descs[1].addr, int(descs[1].len))
			if err != nil {
				return err
			}
			var sec [SectorSize]byte
			copy(sec[:], buf)
			f.backing[lba] = sec
		}
	case blkTypeFlush:
	}

	footer := descs[len(descs)-1]
	return f.mem.WriteUint8(footer.addr, status)
}

type chainDesc struct {
	addr        uint64
	len         uint32
	flags, next uint16
}

func (f *fakeTransport) readChain(head uint16) []chainDesc {
	var out []chainDesc
	idx := head
	for {
		d := f.descBase + uint64(idx)*descSize
		addr, _ := f.mem.ReadUint64(d)
		length, _ := f.mem.ReadUint32(d + 8)
		flags, _ := f.mem.ReadUint16(d + 12)
		next, _ := f.mem.ReadUint16(d + 14)
		out = append(out, chainDesc{addr: addr, len: length, flags: flags, next: next})
		if flags&descFNext == 0 {
			break
		}
		idx = next
	}
	return out
}

var _ Transport = (*fakeTransport)(nil)
