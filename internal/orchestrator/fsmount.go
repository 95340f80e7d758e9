package orchestrator

import (
	"github.com/tinyrange/bootrom/internal/platform"
	"github.com/tinyrange/bootrom/internal/uefi/boot"
	"github.com/tinyrange/bootrom/internal/uefi/runtime"
)

// MountFAT registers the partition/filesystem handle table (spec.md 4.7)
// over the disk found by FindEFIPartition, constructs the Runtime-
// Services table, and installs the configuration tables spec.md section 6
// names: the FDT (non-AArch64 hosts only, since an AArch64 guest already
// owns the hypervisor's own FDT pointer) and the ACPI 2.0 RSDP, when the
// active hand-off mechanism supplied one.
func (o *Orchestrator) MountFAT() error {
	loader := &boot.PELoader{Mem: o.cfg.Mem, Machine: machineFor(o.cfg.Arch)}
	bs := boot.NewBootServices(loader, o.cfg.Mem)
	if err := bs.RegisterDiskHandles(o.dev, o.table); err != nil {
		return err
	}
	o.bs = bs
	o.rt = runtime.New(&runtime.VariableStore{}, o.clock())

	if o.cfg.Handoff.FDTAddr != 0 && o.cfg.Arch != platform.AArch64 {
		bs.InstallConfigurationTable(fdtConfigTableGUID, o.cfg.Handoff.FDTAddr)
	}
	if o.cfg.Handoff.RSDPAddr != 0 {
		bs.InstallConfigurationTable(acpiConfigTableGUID, o.cfg.Handoff.RSDPAddr)
	}
	return nil
}
