// Package orchestrator implements the C11 boot state machine (spec.md
// 4.10): PCI discovery, virtio-block bring-up, GPT/FAT mounting, the
// BootLoaderSpec and EFI-fallback boot paths, and final control transfer.
// It is the top of the data-flow graph spec.md section 2 describes:
// "C11 chains them."
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/bootrom/internal/console"
	"github.com/tinyrange/bootrom/internal/gpt"
	"github.com/tinyrange/bootrom/internal/handoff"
	"github.com/tinyrange/bootrom/internal/memregion"
	"github.com/tinyrange/bootrom/internal/pagealloc"
	"github.com/tinyrange/bootrom/internal/pe"
	"github.com/tinyrange/bootrom/internal/platform"
	"github.com/tinyrange/bootrom/internal/uefi/boot"
	"github.com/tinyrange/bootrom/internal/uefi/guid"
	"github.com/tinyrange/bootrom/internal/uefi/runtime"
	"github.com/tinyrange/bootrom/internal/virtio"
)

// ErrBootFailed is raised (via panic, not return) when both the
// BootLoaderSpec path and the EFI fallback fail, matching spec.md 7's
// propagation policy: "Unrecoverable conditions... panic and halt the
// CPU."
var ErrBootFailed = errors.New("orchestrator: both BootLoaderSpec and the EFI fallback failed")

// PCIFunction is one PCI function candidate ScanPCI probes. Resolving the
// set of functions present on the bus (via ACPI MCFG or an FDT
// pci-host-ecam-generic node) and mapping a BAR index to guest memory is
// the "PCI configuration-space mechanics" collaborator spec.md section 1
// treats as external; the caller supplies the already-resolved candidates.
type PCIFunction struct {
	Accessor  virtio.PCIConfigAccessor
	RegionFor func(bar int, offset, length uint32) (*memregion.Region, error)
}

// ExecKind distinguishes the two ways Run can hand off control.
type ExecKind int

const (
	ExecLinux ExecKind = iota
	ExecEFIApplication
)

// ExecResult is what the orchestrator hands back once it has prepared a
// bootable image: the entry address and the architecture-specific
// argument registers a CPU-entry stub (external to this module, per
// spec.md 1) transfers control with.
type ExecResult struct {
	Kind           ExecKind
	EntryAddr      uint64
	Arg1           uint64 // Linux: zero-page GPA. EFI: image-handle ID.
	Arg2           uint64 // EFI: system-table pointer. Unused for Linux.
}

// Config wires an Orchestrator to the guest-memory region, the PCI
// functions available to probe, and the hand-off data a hypervisor
// supplied at entry (spec.md 6).
type Config struct {
	Arch           platform.Arch
	Mem            *memregion.Region
	PCI            []PCIFunction
	Transport      virtio.Transport // overrides PCI probing when set
	ScratchBase    uint64
	Handoff        *handoff.Info
	SystemTablePtr uint64

	Console *console.Output
	Log     *slog.Logger
	Clock   runtime.TimeSource
}

// Orchestrator drives the boot state machine end to end: from an
// unprogrammed virtio-pci bus to a started guest image.
type Orchestrator struct {
	cfg Config

	transport virtio.Transport
	dev       *virtio.BlockDevice
	table     *gpt.Table
	bs        *boot.BootServices
	rt        *runtime.RuntimeServices
	allocator *pagealloc.Allocator
}

// New constructs an Orchestrator; Run drives it through every step.
func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Handoff == nil {
		cfg.Handoff = &handoff.Info{}
	}
	return &Orchestrator{cfg: cfg, allocator: pagealloc.New()}
}

func (o *Orchestrator) status(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if o.cfg.Console != nil {
		o.cfg.Console.Status(msg)
	}
	o.cfg.Log.Info(msg)
}

func (o *Orchestrator) clock() runtime.TimeSource {
	if o.cfg.Clock != nil {
		return o.cfg.Clock
	}
	return time.Now
}

func machineFor(arch platform.Arch) pe.Machine {
	if arch == platform.AArch64 {
		return pe.MachineAArch64
	}
	return pe.MachineX8664
}

// Run executes Start -> ScanPCI -> InitBlock -> FindEFIPartition ->
// MountFAT -> (TryBootLoaderSpec | TryEFIFallback) -> Exec (spec.md
// 4.10). Any failure at a step before the two boot-path attempts is
// returned directly, since there is no further fallback for a missing
// block device or filesystem; a failure of a boot-path attempt falls
// through to the next one.
func (o *Orchestrator) Run() (*ExecResult, error) {
	o.status("scanning PCI bus for a virtio-block function")
	if err := o.ScanPCI(); err != nil {
		return nil, fmt.Errorf("orchestrator: ScanPCI: %w", err)
	}

	o.status("bringing up the virtio-block device")
	if err := o.InitBlock(); err != nil {
		return nil, fmt.Errorf("orchestrator: InitBlock: %w", err)
	}

	o.status("reading the GPT and locating the EFI System Partition")
	if err := o.FindEFIPartition(); err != nil {
		return nil, fmt.Errorf("orchestrator: FindEFIPartition: %w", err)
	}

	o.status("mounting the ESP's FAT filesystem")
	if err := o.MountFAT(); err != nil {
		return nil, fmt.Errorf("orchestrator: MountFAT: %w", err)
	}

	result, bootLoaderSpecErr := o.TryBootLoaderSpec()
	if bootLoaderSpecErr == nil {
		o.status("starting Linux via the BootLoaderSpec entry")
		return result, nil
	}
	o.cfg.Log.Warn("BootLoaderSpec attempt failed, falling back to the EFI boot path", "error", bootLoaderSpecErr)

	result, fallbackErr := o.TryEFIFallback()
	if fallbackErr == nil {
		o.status("starting the EFI fallback application")
		return result, nil
	}
	o.cfg.Log.Error("EFI fallback attempt failed", "error", fallbackErr)
	panic(ErrBootFailed)
}

// guid constants for the two configuration tables spec.md section 6 names
// (FDT and ACPI 2.0 RSDP), installed once the filesystem is mounted and
// before either boot path runs.
var (
	fdtConfigTableGUID  = guid.New(0xb1b621d5, 0xf19c, 0x41a5, [8]byte{0x83, 0x0b, 0xd9, 0x15, 0x2c, 0x69, 0xaa, 0xe0})
	acpiConfigTableGUID = guid.New(0x8868e871, 0xe4f1, 0x11d3, [8]byte{0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81})
)
