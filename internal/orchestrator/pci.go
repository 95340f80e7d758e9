package orchestrator

import (
	"errors"

	"github.com/tinyrange/bootrom/internal/virtio"
)

// virtioPCIVendorID is virtio's fixed PCI vendor ID, shared with the
// modern-capability-walk validation in internal/virtio/pci.go.
const virtioPCIVendorID = 0x1AF4

// Modern and transitional virtio-blk device IDs (spec.md 4.1's "Device-
// specific subsystem ID is validated against the expected device type"),
// generalized here to identify a block function before a transport is
// even constructed over it.
const (
	virtioBlockDeviceIDTransitional = 0x1001
	virtioBlockDeviceIDModern       = 0x1042
)

// ErrNoBlockDevice is returned when none of the scanned PCI functions
// identify as virtio-block.
var ErrNoBlockDevice = errors.New("orchestrator: no virtio-block function found on the scanned PCI bus")

func isVirtioBlockFunction(fn PCIFunction) bool {
	idReg, err := fn.Accessor.ReadConfig32(0)
	if err != nil {
		return false
	}
	vendor := idReg & 0xFFFF
	device := (idReg >> 16) & 0xFFFF
	if vendor != virtioPCIVendorID {
		return false
	}
	return device == virtioBlockDeviceIDTransitional || device == virtioBlockDeviceIDModern
}

// ScanPCI walks the caller-supplied candidate functions, picking the first
// that identifies as virtio-block and completes the modern capability
// walk (spec.md 4.1). When cfg.Transport is set (a harness-supplied
// transport double, e.g. cmd/bootsim's file-backed virtio-blk model),
// ScanPCI skips bus probing entirely and adopts it directly.
func (o *Orchestrator) ScanPCI() error {
	if o.cfg.Transport != nil {
		o.transport = o.cfg.Transport
		return nil
	}

	for _, fn := range o.cfg.PCI {
		if !isVirtioBlockFunction(fn) {
			continue
		}
		transport, err := virtio.NewPCITransport(fn.Accessor, fn.RegionFor)
		if err != nil {
			o.cfg.Log.Warn("virtio-block candidate failed the capability walk", "error", err)
			continue
		}
		o.transport = transport
		return nil
	}
	return ErrNoBlockDevice
}
