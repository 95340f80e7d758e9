package virtio

// Package virtio implements the guest-side (driver) half of the "modern"
// virtio 1.0+ transport: feature negotiation, queue programming, and the
// single-queue virtio-block driver built on top of it (spec.md C2/C3).
//
// Two Transport implementations are provided: PCI (pci.go), which walks the
// modern virtio capability list the way a real driver discovers the
// common/notify/device config windows (the ISR capability is not used), and
// MMIO (mmio.go), which uses
// the fixed virtio-mmio register layout. Both are grounded on the register
// and capability layouts the teacher's device-side emulation
// (internal/devices/virtio) serves to a guest; here the same layouts are
// read by the driver instead.

// Device status bits, written to the status register during bring-up.
const (
	StatusAcknowledge uint8 = 1
	StatusDriver      uint8 = 2
	StatusDriverOK    uint8 = 4
	StatusFeaturesOK  uint8 = 8
	StatusFailed      uint8 = 128
)

// Common feature bits relevant to bring-up and virtio-blk.
const (
	FeatureVersion1 = 1 << 32 // VIRTIO_F_VERSION_1, bit 32 of the 64-bit feature word
	FeatureBlockRO  = 1 << 5  // VIRTIO_BLK_F_RO
	FeatureBlockFlush = 1 << 9 // VIRTIO_BLK_F_FLUSH
)

// DeviceType identifies the virtio device kind a transport was initialized
// for, matching the subsystem/device ID the spec requires validating.
type DeviceType uint32

const (
	DeviceTypeBlock DeviceType = 2
)

// Transport is the capability set spec.md 4.1 requires of a virtio
// transport: device lifecycle, feature negotiation, and queue programming,
// independent of whether the device sits behind PCI or MMIO.
type Transport interface {
	// InitForDevice validates that the device is the expected type, where
	// the transport can tell; Init calls Reset before it.
	InitForDevice(want DeviceType) error

	GetStatus() (uint8, error)
	SetStatus(uint8) error
	AddStatus(uint8) error
	Reset() error

	GetFeatures() (uint64, error)
	SetFeatures(uint64) error

	QueueSelect(idx uint16) error
	QueueMaxSize() (uint16, error)
	SetQueueSize(size uint16) error
	SetQueueAddresses(desc, avail, used uint64) error
	SetQueueEnabled(bool) error
	NotifyQueue(idx uint16) error

	ReadConfig32(offset uint32) (uint32, error)
}

// Init runs the first part of the virtio bring-up sequence (spec.md 4.1):
// RESET -> ACK -> DRIVER -> negotiate features (must include VERSION_1) ->
// FEATURES_OK (verify) -> select queue 0 and set its size. Programming the
// ring addresses and enabling the queue is NewQueue's job, and the caller
// sets DRIVER_OK afterwards (see NewBlockDevice).
//
// wantFeatures are the feature bits the driver asks for in addition to
// VERSION_1; the device may offer a superset. minQueueSize is the number of
// descriptors the driver requires (Q=16 for the block driver).
func Init(t Transport, deviceType DeviceType, wantFeatures uint64, minQueueSize uint16) (negotiated uint64, err error) {
	if err := t.Reset(); err != nil {
		return 0, err
	}
	if err := t.InitForDevice(deviceType); err != nil {
		return 0, err
	}
	if err := t.AddStatus(StatusAcknowledge); err != nil {
		return 0, err
	}
	if err := t.AddStatus(StatusDriver); err != nil {
		return 0, err
	}

	offered, err := t.GetFeatures()
	if err != nil {
		return 0, err
	}
	if offered&FeatureVersion1 == 0 {
		return 0, ErrLegacyOnly
	}
	negotiated = offered & (wantFeatures | FeatureVersion1)
	if err := t.SetFeatures(negotiated); err != nil {
		return 0, err
	}

	if err := t.AddStatus(StatusFeaturesOK); err != nil {
		return 0, err
	}
	status, err := t.GetStatus()
	if err != nil {
		return 0, err
	}
	if status&StatusFeaturesOK == 0 {
		t.AddStatus(StatusFailed)
		return 0, ErrFeatureNegotiationFailed
	}

	if err := t.QueueSelect(0); err != nil {
		return 0, err
	}
	maxSize, err := t.QueueMaxSize()
	if err != nil {
		return 0, err
	}
	if maxSize < minQueueSize {
		t.AddStatus(StatusFailed)
		return 0, ErrQueueTooSmall
	}
	if err := t.SetQueueSize(minQueueSize); err != nil {
		return 0, err
	}

	return negotiated, nil
}
