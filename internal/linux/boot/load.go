package boot

import (
	"fmt"

	"github.com/tinyrange/bootrom/internal/memregion"
)

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}

// LoadAddress returns the fixed x86-64 load address (spec.md 4.9: "copied to
// a fixed load address (0x200000 on x86-64)"). The kernel's preferred
// address is never consulted: this firmware always places the kernel at
// the fixed location, the same way the kernel-location constant in
// original_source/src/bzimage.rs is used unconditionally regardless of
// pref_address.
func (k *KernelImage) LoadAddress() uint64 {
	return uint64(defaultLoadAddr)
}

// LoadIntoMemory copies the kernel payload into mem at loadAddr, clearing
// the full init_size range first so the kernel's BSS-style expectations
// hold.
func (k *KernelImage) LoadIntoMemory(mem *memregion.Region, loadAddr uint64) error {
	payload := k.Payload()
	clearLen := len(payload)
	if init := int(k.Header.InitSize); init > clearLen {
		clearLen = init
	}
	if err := mem.Zero(loadAddr, uint64(clearLen)); err != nil {
		return fmt.Errorf("boot: clear kernel memory: %w", err)
	}
	if _, err := mem.WriteAt(payload, int64(loadAddr)); err != nil {
		return fmt.Errorf("boot: write kernel payload: %w", err)
	}
	return nil
}

// EntryPoint returns the 64-bit entry address for a kernel loaded at
// loadAddr: load+0x200 per the Linux 64-bit boot protocol (spec.md 4.9,
// "Jump").
func (k *KernelImage) EntryPoint(loadAddr uint64) uint64 {
	return loadAddr + 0x200
}
