package orchestrator

import (
	"fmt"

	"github.com/tinyrange/bootrom/internal/gpt"
	"github.com/tinyrange/bootrom/internal/virtio"
)

// InitBlock brings the virtio-block device found by ScanPCI up through
// DRIVER_OK (spec.md 4.1/4.2).
func (o *Orchestrator) InitBlock() error {
	if o.transport == nil {
		return fmt.Errorf("orchestrator: InitBlock called before ScanPCI")
	}
	dev, err := virtio.NewBlockDevice(o.transport, o.cfg.Mem, o.cfg.ScratchBase)
	if err != nil {
		return err
	}
	o.dev = dev
	return nil
}

// FindEFIPartition reads the GPT off the block device and confirms it
// names an EFI System Partition (spec.md 4.3).
func (o *Orchestrator) FindEFIPartition() error {
	table, err := gpt.Read(o.dev)
	if err != nil {
		return err
	}
	if _, _, err := table.FindEFIPartition(); err != nil {
		return err
	}
	o.table = table
	return nil
}
