package virtio

import (
	"fmt"

	"github.com/tinyrange/bootrom/internal/memregion"
)

// Modern virtio-pci capability types, matching VIRTIO_PCI_CAP_* as served by
// the teacher's device-side emulation (internal/devices/virtio/pci.go).
const (
	pciCapCommonCfg = 1
	pciCapNotifyCfg = 2
	pciCapISRCfg    = 3
	pciCapDeviceCfg = 4
	pciCapPCICfg    = 5

	pciVendorIDVirtio = 0x1AF4

	capVendorSpecificID = 0x09
)

// PCIConfigAccessor is the narrow "PCI configuration-space mechanics"
// collaborator spec.md section 1 treats as external: byte/word/dword reads
// of a function's config space. Its implementation (CAM/ECAM access) is out
// of this module's scope.
type PCIConfigAccessor interface {
	ReadConfig8(offset uint32) (uint8, error)
	ReadConfig32(offset uint32) (uint32, error)
	BAR(index int) (base uint64, err error)
}

// commonCfgLayout mirrors struct virtio_pci_common_cfg from the virtio 1.0
// specification, field offsets within the common-config BAR window.
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonDriverFeatureSelect = 0x08
	commonDriverFeature       = 0x0c
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueEnable         = 0x1c
	commonQueueNotifyOff      = 0x1e
	commonDeviceStatus        = 0x14
	commonQueueDescLow        = 0x20
	commonQueueDescHigh       = 0x24
	commonQueueAvailLow       = 0x28
	commonQueueAvailHigh      = 0x2c
	commonQueueUsedLow        = 0x30
	commonQueueUsedHigh       = 0x34
)

// PCITransport implements Transport by walking the modern virtio capability
// list off a PCI function and programming the discovered common/notify/
// device config BAR windows.
type PCITransport struct {
	cfg PCIConfigAccessor

	common *memregion.Region
	notify *memregion.Region
	device *memregion.Region

	notifyOffMultiplier uint32
}

// NewPCITransport walks cfg's capability list, discovering the common,
// notify and device config windows via their BAR+offset+length triples
// (spec.md 4.1: "the modern virtio capability walk — common/notify/device
// config regions discovered through the vendor-specific capability list").
// regionFor maps a (bar, offset, length) triple to the memregion.Region
// backing that BAR, since BAR base addresses live outside config space.
func NewPCITransport(cfg PCIConfigAccessor, regionFor func(bar int, offset, length uint32) (*memregion.Region, error)) (*PCITransport, error) {
	t := &PCITransport{cfg: cfg}

	capPtr, err := cfg.ReadConfig8(0x34) // capabilities pointer
	if err != nil {
		return nil, err
	}

	for off := uint32(capPtr); off != 0; {
		id, err := cfg.ReadConfig8(off)
		if err != nil {
			return nil, err
		}
		next, err := cfg.ReadConfig8(off + 1)
		if err != nil {
			return nil, err
		}
		if id == capVendorSpecificID {
			capType, err := cfg.ReadConfig8(off + 3)
			if err != nil {
				return nil, err
			}
			bar32, err := cfg.ReadConfig32(off + 4)
			if err != nil {
				return nil, err
			}
			bar := int(bar32)
			barOff, err := cfg.ReadConfig32(off + 8)
			if err != nil {
				return nil, err
			}
			barLen, err := cfg.ReadConfig32(off + 12)
			if err != nil {
				return nil, err
			}

			switch capType {
			case pciCapCommonCfg:
				t.common, err = regionFor(bar, barOff, barLen)
			case pciCapNotifyCfg:
				t.notify, err = regionFor(bar, barOff, barLen)
				if err == nil {
					mult, merr := cfg.ReadConfig32(off + 16)
					if merr != nil {
						err = merr
					} else {
						t.notifyOffMultiplier = mult
					}
				}
			case pciCapDeviceCfg:
				t.device, err = regionFor(bar, barOff, barLen)
			}
			if err != nil {
				return nil, err
			}
		}
		off = uint32(next)
	}

	if t.common == nil || t.notify == nil {
		return nil, fmt.Errorf("%w: missing common/notify capability", ErrUnsupportedDevice)
	}
	return t, nil
}

func (t *PCITransport) InitForDevice(want DeviceType) error {
	// Subsystem/device ID validation against the running device is done by
	// the caller from the config-space header before constructing the
	// transport; by the time NewPCITransport succeeds the capability walk
	// has already proven this is a virtio device.
	return nil
}

func (t *PCITransport) GetStatus() (uint8, error) {
	v, err := t.common.ReadUint8(t.common.Base() + commonDeviceStatus)
	return v, err
}

func (t *PCITransport) SetStatus(v uint8) error {
	return t.common.WriteUint8(t.common.Base()+commonDeviceStatus, v)
}

func (t *PCITransport) AddStatus(v uint8) error {
	cur, err := t.GetStatus()
	if err != nil {
		return err
	}
	return t.SetStatus(cur | v)
}

func (t *PCITransport) Reset() error {
	return t.SetStatus(0)
}

func (t *PCITransport) GetFeatures() (uint64, error) {
	if err := t.common.WriteUint32(t.common.Base()+commonDeviceFeatureSelect, 0); err != nil {
		return 0, err
	}
	lo, err := t.common.ReadUint32(t.common.Base() + commonDeviceFeature)
	if err != nil {
		return 0, err
	}
	if err := t.common.WriteUint32(t.common.Base()+commonDeviceFeatureSelect, 1); err != nil {
		return 0, err
	}
	hi, err := t.common.ReadUint32(t.common.Base() + commonDeviceFeature)
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (t *PCITransport) SetFeatures(v uint64) error {
	if err := t.common.WriteUint32(t.common.Base()+commonDriverFeatureSelect, 0); err != nil {
		return err
	}
	if err := t.common.WriteUint32(t.common.Base()+commonDriverFeature, uint32(v)); err != nil {
		return err
	}
	if err := t.common.WriteUint32(t.common.Base()+commonDriverFeatureSelect, 1); err != nil {
		return err
	}
	return t.common.WriteUint32(t.common.Base()+commonDriverFeature, uint32(v>>32))
}

func (t *PCITransport) QueueSelect(idx uint16) error {
	return t.common.WriteUint16(t.common.Base()+commonQueueSelect, idx)
}

func (t *PCITransport) QueueMaxSize() (uint16, error) {
	return t.common.ReadUint16(t.common.Base() + commonQueueSize)
}

func (t *PCITransport) SetQueueSize(size uint16) error {
	return t.common.WriteUint16(t.common.Base()+commonQueueSize, size)
}

func (t *PCITransport) SetQueueAddresses(desc, avail, used uint64) error {
	base := t.common.Base()
	if err := t.common.WriteUint32(base+commonQueueDescLow, uint32(desc)); err != nil {
		return err
	}
	if err := t.common.WriteUint32(base+commonQueueDescHigh, uint32(desc>>32)); err != nil {
		return err
	}
	if err := t.common.WriteUint32(base+commonQueueAvailLow, uint32(avail)); err != nil {
		return err
	}
	if err := t.common.WriteUint32(base+commonQueueAvailHigh, uint32(avail>>32)); err != nil {
		return err
	}
	if err := t.common.WriteUint32(base+commonQueueUsedLow, uint32(used)); err != nil {
		return err
	}
	return t.common.WriteUint32(base+commonQueueUsedHigh, uint32(used>>32))
}

func (t *PCITransport) SetQueueEnabled(ready bool) error {
	v := uint16(0)
	if ready {
		v = 1
	}
	return t.common.WriteUint16(t.common.Base()+commonQueueEnable, v)
}

func (t *PCITransport) NotifyQueue(idx uint16) error {
	if err := t.QueueSelect(idx); err != nil {
		return err
	}
	notifyOff, err := t.common.ReadUint16(t.common.Base() + commonQueueNotifyOff)
	if err != nil {
		return err
	}
	addr := t.notify.Base() + uint64(notifyOff)*uint64(t.notifyOffMultiplier)
	return t.notify.WriteUint16(addr, idx)
}

func (t *PCITransport) ReadConfig32(offset uint32) (uint32, error) {
	if t.device == nil {
		return 0, fmt.Errorf("%w: device has no device-specific config window", ErrUnsupportedDevice)
	}
	return t.device.ReadUint32(t.device.Base() + uint64(offset))
}

var _ Transport = (*PCITransport)(nil)
