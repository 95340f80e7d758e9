// Package handoff parses the hypervisor-supplied hand-off structures this
// firmware can be started with: the x86-64 PVH start-info struct, a
// coreboot-style table walk (LBIO/FORWARD/MEMORY plus an ACPI RSDP scan),
// and an AArch64/RISC-V flattened device tree (spec.md 6, "Hypervisor
// hand-off (inputs)").
package handoff

// MemoryRegion is one entry of the memory map handed to the orchestrator,
// independent of which hand-off mechanism produced it.
type MemoryRegion struct {
	Addr uint64
	Size uint64
	Type uint32 // E820-shaped: 1 = RAM, anything else reserved/ACPI/etc.
}

const E820TypeRAM = 1

// Info is the normalized result of parsing any of the three supported
// hand-off mechanisms.
type Info struct {
	MemoryMap []MemoryRegion
	CmdLine   string
	RSDPAddr  uint64

	// FDTAddr is non-zero only for AArch64/RISC-V boots. The firmware
	// re-exposes the hypervisor's own FDT as a configuration table on every
	// architecture except AArch64.
	FDTAddr uint64

	// PCIECAMBase is populated from a pci-host-ecam-generic FDT node, when
	// present (AArch64/RISC-V only).
	PCIECAMBase uint64
}
