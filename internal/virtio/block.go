package virtio

import (
	"fmt"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// virtio-blk request types and status codes (spec.md C3).
const (
	blkTypeIn    uint32 = 0 // VIRTIO_BLK_T_IN, device reads sector into buffer
	blkTypeOut   uint32 = 1 // VIRTIO_BLK_T_OUT, device writes buffer to sector
	blkTypeFlush uint32 = 4 // VIRTIO_BLK_T_FLUSH

	blkStatusOK     uint8 = 0
	blkStatusIOErr  uint8 = 1
	blkStatusUnsupp uint8 = 2
)

const (
	SectorSize = 512

	blockQueueSize = 16

	// reqHeaderSize is sizeof(struct virtio_blk_req header): le32 type,
	// le32 reserved, le64 sector.
	reqHeaderSize = 16
	reqFooterSize = 1
)

// BlockDevice is the single-queue synchronous virtio-block driver
// (spec.md C3): one request in flight at a time, three-descriptor chains
// (header, data, status byte) per request.
type BlockDevice struct {
	t        Transport
	q        *Queue
	mem      *memregion.Region
	readOnly bool

	scratchBase uint64
}

// NewBlockDevice negotiates the device, confirming it is virtio-blk,
// honoring VIRTIO_BLK_F_RO, and brings the single request queue up with
// capacity blockQueueSize (spec.md 4.1's bring-up sequence through
// DRIVER_OK). scratchBase is caller-owned memory for the queue rings plus
// per-request scratch: queueFootprint(blockQueueSize) bytes of rings, then
// the request header, one sector of data and the status byte.
func NewBlockDevice(t Transport, mem *memregion.Region, scratchBase uint64) (*BlockDevice, error) {
	negotiated, err := Init(t, DeviceTypeBlock, FeatureBlockRO|FeatureBlockFlush, blockQueueSize)
	if err != nil {
		return nil, err
	}

	q, err := NewQueue(mem, t, 0, blockQueueSize, scratchBase)
	if err != nil {
		t.AddStatus(StatusFailed)
		return nil, err
	}

	if err := t.AddStatus(StatusDriverOK); err != nil {
		return nil, err
	}

	return &BlockDevice{
		t:           t,
		q:           q,
		mem:         mem,
		readOnly:    negotiated&FeatureBlockRO != 0,
		scratchBase: alignUp(scratchBase+queueFootprint(blockQueueSize), 8),
	}, nil
}

func queueFootprint(size uint16) uint64 {
	descTotal := uint64(size) * descSize
	availBase := alignUp(descTotal, 2)
	availTotal := uint64(4 + int(size)*2 + 2)
	usedBase := alignUp(availBase+availTotal, 4)
	usedTotal := uint64(4 + int(size)*8 + 2)
	return alignUp(usedBase+usedTotal, 8)
}

// ReadOnly reports whether the device advertised VIRTIO_BLK_F_RO.
func (b *BlockDevice) ReadOnly() bool { return b.readOnly }

// ReadSector reads exactly one SectorSize-byte sector at the given LBA into
// data. data must be exactly SectorSize bytes (spec.md: ErrInvalidDataBufSize
// on any other length).
func (b *BlockDevice) ReadSector(lba uint64, data []byte) error {
	if len(data) != SectorSize {
		return ErrInvalidDataBufSize
	}
	return b.doRequest(blkTypeIn, lba, data, true)
}

// WriteSector writes exactly one SectorSize-byte sector at the given LBA
// from data. Rejected with ErrBlockNotSupported if the device advertised
// VIRTIO_BLK_F_RO.
func (b *BlockDevice) WriteSector(lba uint64, data []byte) error {
	if len(data) != SectorSize {
		return ErrInvalidDataBufSize
	}
	if b.readOnly {
		return ErrBlockNotSupported
	}
	return b.doRequest(blkTypeOut, lba, data, false)
}

// Flush issues VIRTIO_BLK_T_FLUSH with no data buffer.
func (b *BlockDevice) Flush() error {
	return b.doRequest(blkTypeFlush, 0, nil, false)
}

func (b *BlockDevice) doRequest(reqType uint32, lba uint64, data []byte, deviceWrites bool) error {
	if reqType != blkTypeFlush && data == nil {
		return ErrNoDataBuf
	}

	headerAddr := b.scratchBase
	dataAddr := headerAddr + reqHeaderSize
	footerAddr := dataAddr + uint64(len(data))

	if err := b.mem.WriteUint32(headerAddr+0, reqType); err != nil {
		return err
	}
	if err := b.mem.WriteUint32(headerAddr+4, 0); err != nil {
		return err
	}
	if err := b.mem.WriteUint64(headerAddr+8, lba); err != nil {
		return err
	}

	chains := make([]Chain, 0, 3)
	chains = append(chains, Chain{Addr: headerAddr, Len: reqHeaderSize, Write: false})
	if len(data) > 0 {
		if !deviceWrites {
			if _, err := b.mem.WriteAt(data, int64(dataAddr)); err != nil {
				return err
			}
		}
		chains = append(chains, Chain{Addr: dataAddr, Len: uint32(len(data)), Write: deviceWrites})
	}
	chains = append(chains, Chain{Addr: footerAddr, Len: reqFooterSize, Write: true})

	if err := b.q.Submit(chains); err != nil {
		return err
	}

	status, err := b.mem.ReadUint8(footerAddr)
	if err != nil {
		return err
	}
	switch status {
	case blkStatusOK:
	case blkStatusUnsupp:
		return ErrBlockNotSupported
	default:
		return fmt.Errorf("%w: status=%d", ErrBlockIO, status)
	}

	if deviceWrites && len(data) > 0 {
		if _, err := b.mem.ReadAt(data, int64(dataAddr)); err != nil {
			return err
		}
	}
	return nil
}
