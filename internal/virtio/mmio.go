package virtio

import (
	"fmt"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// MMIO register offsets, matching the virtio-mmio v2 layout the teacher's
// device-side emulation serves from internal/devices/virtio/mmio.go.
const (
	mmioMagicValue        = 0x000
	mmioVersion           = 0x004
	mmioDeviceID          = 0x008
	mmioDeviceFeatures    = 0x010
	mmioDeviceFeaturesSel = 0x014
	mmioDriverFeatures    = 0x020
	mmioDriverFeaturesSel = 0x024
	mmioQueueSel          = 0x030
	mmioQueueNumMax       = 0x034
	mmioQueueNum          = 0x038
	mmioQueueReady        = 0x044
	mmioQueueNotify       = 0x050
	mmioStatus            = 0x070
	mmioQueueDescLow      = 0x080
	mmioQueueDescHigh     = 0x084
	mmioQueueAvailLow     = 0x090
	mmioQueueAvailHigh    = 0x094
	mmioQueueUsedLow      = 0x0a0
	mmioQueueUsedHigh     = 0x0a4
	mmioConfig            = 0x100

	mmioMagic = 0x74726976 // "virt"
)

// MMIOTransport implements Transport against the fixed virtio-mmio register
// window exposed at a platform-chosen physical address.
type MMIOTransport struct {
	regs *memregion.Region
}

// NewMMIOTransport wraps the MMIO register window at base.
func NewMMIOTransport(regs *memregion.Region) *MMIOTransport {
	return &MMIOTransport{regs: regs}
}

func (m *MMIOTransport) reg(off uint32) uint64 { return m.regs.Base() + uint64(off) }

func (m *MMIOTransport) InitForDevice(want DeviceType) error {
	magic, err := m.regs.ReadUint32(m.reg(mmioMagicValue))
	if err != nil {
		return err
	}
	if magic != mmioMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrUnsupportedDevice, magic)
	}
	version, err := m.regs.ReadUint32(m.reg(mmioVersion))
	if err != nil {
		return err
	}
	if version < 2 {
		return ErrLegacyOnly
	}
	devID, err := m.regs.ReadUint32(m.reg(mmioDeviceID))
	if err != nil {
		return err
	}
	if DeviceType(devID) != want {
		return fmt.Errorf("%w: device id %d, want %d", ErrUnsupportedDevice, devID, want)
	}
	return nil
}

func (m *MMIOTransport) GetStatus() (uint8, error) {
	v, err := m.regs.ReadUint32(m.reg(mmioStatus))
	return uint8(v), err
}

func (m *MMIOTransport) SetStatus(v uint8) error {
	return m.regs.WriteUint32(m.reg(mmioStatus), uint32(v))
}

func (m *MMIOTransport) AddStatus(v uint8) error {
	cur, err := m.GetStatus()
	if err != nil {
		return err
	}
	return m.SetStatus(cur | v)
}

func (m *MMIOTransport) Reset() error {
	return m.regs.WriteUint32(m.reg(mmioStatus), 0)
}

func (m *MMIOTransport) GetFeatures() (uint64, error) {
	if err := m.regs.WriteUint32(m.reg(mmioDeviceFeaturesSel), 0); err != nil {
		return 0, err
	}
	lo, err := m.regs.ReadUint32(m.reg(mmioDeviceFeatures))
	if err != nil {
		return 0, err
	}
	if err := m.regs.WriteUint32(m.reg(mmioDeviceFeaturesSel), 1); err != nil {
		return 0, err
	}
	hi, err := m.regs.ReadUint32(m.reg(mmioDeviceFeatures))
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (m *MMIOTransport) SetFeatures(v uint64) error {
	if err := m.regs.WriteUint32(m.reg(mmioDriverFeaturesSel), 0); err != nil {
		return err
	}
	if err := m.regs.WriteUint32(m.reg(mmioDriverFeatures), uint32(v)); err != nil {
		return err
	}
	if err := m.regs.WriteUint32(m.reg(mmioDriverFeaturesSel), 1); err != nil {
		return err
	}
	return m.regs.WriteUint32(m.reg(mmioDriverFeatures), uint32(v>>32))
}

func (m *MMIOTransport) QueueSelect(idx uint16) error {
	return m.regs.WriteUint32(m.reg(mmioQueueSel), uint32(idx))
}

func (m *MMIOTransport) QueueMaxSize() (uint16, error) {
	v, err := m.regs.ReadUint32(m.reg(mmioQueueNumMax))
	return uint16(v), err
}

func (m *MMIOTransport) SetQueueSize(size uint16) error {
	return m.regs.WriteUint32(m.reg(mmioQueueNum), uint32(size))
}

func (m *MMIOTransport) SetQueueAddresses(desc, avail, used uint64) error {
	if err := m.regs.WriteUint32(m.reg(mmioQueueDescLow), uint32(desc)); err != nil {
		return err
	}
	if err := m.regs.WriteUint32(m.reg(mmioQueueDescHigh), uint32(desc>>32)); err != nil {
		return err
	}
	if err := m.regs.WriteUint32(m.reg(mmioQueueAvailLow), uint32(avail)); err != nil {
		return err
	}
	if err := m.regs.WriteUint32(m.reg(mmioQueueAvailHigh), uint32(avail>>32)); err != nil {
		return err
	}
	if err := m.regs.WriteUint32(m.reg(mmioQueueUsedLow), uint32(used)); err != nil {
		return err
	}
	return m.regs.WriteUint32(m.reg(mmioQueueUsedHigh), uint32(used>>32))
}

func (m *MMIOTransport) SetQueueEnabled(ready bool) error {
	v := uint32(0)
	if ready {
		v = 1
	}
	return m.regs.WriteUint32(m.reg(mmioQueueReady), v)
}

func (m *MMIOTransport) NotifyQueue(idx uint16) error {
	return m.regs.WriteUint32(m.reg(mmioQueueNotify), uint32(idx))
}

func (m *MMIOTransport) ReadConfig32(offset uint32) (uint32, error) {
	return m.regs.ReadUint32(m.reg(mmioConfig + offset))
}

var _ Transport = (*MMIOTransport)(nil)
