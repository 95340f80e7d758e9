package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/bootrom/internal/memregion"
)

const initrdAlignment = 2 * 1024 * 1024

var ErrNoInitrdSpace = errors.New("boot: no E820 region large enough for the initrd")

// defaultInitrdAddrMax is the ceiling used when the kernel header's own
// initrd_addr_max field is zero (older headers), matching
// original_source/src/bzimage.rs's initrd_addr default of 0x37FFFFFF
// rather than the full 4GiB-1 identity-mapped limit.
const defaultInitrdAddrMax = 0x37FFFFFF

// placeInitrdAddr implements the placement rule in spec.md 4.9: find the
// highest RAM region whose top is <= min(initrdAddrMax, 4GiB-1) and whose
// size is >= initrdSize, then place the initrd at that region's top,
// aligned down to 2 MiB.
func placeInitrdAddr(e820 []E820Entry, initrdSize uint64, initrdAddrMax uint32) (uint64, error) {
	const ramType = 1
	const identityMapLimit = 0xFFFFFFFF // 4GiB - 1

	ceiling := uint64(defaultInitrdAddrMax)
	if initrdAddrMax != 0 {
		ceiling = uint64(initrdAddrMax)
	}
	if ceiling > identityMapLimit {
		ceiling = identityMapLimit
	}

	best := uint64(0)
	found := false
	for _, region := range e820 {
		if region.Type != ramType || region.Size == 0 {
			continue
		}
		top := region.Addr + region.Size
		if top > ceiling+1 {
			top = ceiling + 1
		}
		if top <= region.Addr || top-region.Addr < initrdSize {
			continue
		}
		addr := alignDown(top-initrdSize, initrdAlignment)
		if addr < region.Addr {
			continue
		}
		if !found || addr > best {
			best = addr
			found = true
		}
	}
	if !found {
		return 0, ErrNoInitrdSpace
	}
	return best, nil
}

// BootPlan captures everything the orchestrator needs to jump into the
// kernel (spec.md 4.9, "Jump").
type BootPlan struct {
	LoadAddr    uint64
	EntryAddr   uint64
	ZeroPageGPA uint64
	InitrdAddr  uint64
	InitrdSize  uint32
}

// Prepare loads the kernel and initrd into mem, builds the command line and
// zero-page, and returns the jump plan. cmdline is the already-combined
// firmware-provided boot args and loader-entry options (joined by a single
// space, per spec.md 4.9's orchestrator responsibility).
func (k *KernelImage) Prepare(mem *memregion.Region, zeroPageGPA uint64, rsdpAddr uint64, cmdline string, initrd []byte, e820 []E820Entry) (*BootPlan, error) {
	loadAddr := k.LoadAddress()
	if err := k.LoadIntoMemory(mem, loadAddr); err != nil {
		return nil, err
	}

	var initrdAddr uint64
	var initrdSize uint32
	if len(initrd) > 0 {
		addr, err := placeInitrdAddr(e820, uint64(len(initrd)), k.Header.InitrdAddrMax)
		if err != nil {
			return nil, err
		}
		initrdAddr = addr
		initrdSize = uint32(len(initrd))
		if _, err := mem.WriteAt(initrd, int64(initrdAddr)); err != nil {
			return nil, fmt.Errorf("boot: write initrd: %w", err)
		}
	}

	if err := placeCmdline(mem, cmdline, k.Header.CmdlineSize); err != nil {
		return nil, err
	}

	zp, err := buildZeroPage(mem, k, loadAddr, rsdpAddr, initrdAddr, initrdSize, e820)
	if err != nil {
		return nil, err
	}
	if _, err := mem.WriteAt(zp, int64(zeroPageGPA)); err != nil {
		return nil, fmt.Errorf("boot: write zero page: %w", err)
	}

	return &BootPlan{
		LoadAddr:    loadAddr,
		EntryAddr:   k.EntryPoint(loadAddr),
		ZeroPageGPA: zeroPageGPA,
		InitrdAddr:  initrdAddr,
		InitrdSize:  initrdSize,
	}, nil
}
