// Command bootsim drives the boot orchestrator against a raw GPT/FAT disk
// image and a synthetic virtio-block device, the way a real hypervisor
// would hand this firmware a virtio-pci bus and a block of guest memory.
// It exists to exercise C1-C11 end to end outside of an actual CPU.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/bootrom/internal/bootlog"
	"github.com/tinyrange/bootrom/internal/console"
	"github.com/tinyrange/bootrom/internal/handoff"
	"github.com/tinyrange/bootrom/internal/memregion"
	"github.com/tinyrange/bootrom/internal/orchestrator"
	"github.com/tinyrange/bootrom/internal/platform"
)

const defaultMemoryMiB = 256

// defaultScratchBase is where the virtio queue rings and per-request
// scratch buffers live in guest memory by default: well clear of the
// fixed zero-page/cmdline addresses below 1 MiB and of a typical
// kernel's footprint above the 0x200000 load address, while still far
// below where the initrd lands (aligned down from the top of RAM).
const defaultScratchBase = 0x1000000

func main() {
	diskPath := flag.String("disk", "", "path to a raw GPT/FAT disk image carrying an EFI System Partition")
	memoryMiB := flag.Int("mem", defaultMemoryMiB, "guest memory size in MiB")
	archName := flag.String("arch", "amd64", "target architecture: amd64, aarch64, or riscv64")
	cmdline := flag.String("cmdline", "", "firmware-provided boot-arg bytes, prepended to the loader entry's options")
	scratchBase := flag.Uint64("scratch-base", defaultScratchBase, "guest physical address reserved for virtio queue/scratch memory")
	verbose := flag.Bool("v", false, "enable debug-level logging")
	flag.Parse()

	if *diskPath == "" {
		fmt.Fprintln(os.Stderr, "bootsim: -disk is required")
		os.Exit(2)
	}

	arch, err := parseArch(*archName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootsim:", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := bootlog.New(os.Stderr, level)

	disk, err := os.OpenFile(*diskPath, os.O_RDWR, 0)
	if err != nil {
		logger.Error("opening disk image", "error", err)
		os.Exit(1)
	}
	defer disk.Close()

	mem := memregion.New(0, make([]byte, *memoryMiB*1024*1024))
	transport := newSimTransport(disk, mem)
	out := console.New(os.Stdout)

	o := orchestrator.New(orchestrator.Config{
		Arch:        arch,
		Mem:         mem,
		Transport:   transport,
		ScratchBase: *scratchBase,
		Handoff: &handoff.Info{
			CmdLine: *cmdline,
			MemoryMap: []handoff.MemoryRegion{
				{Addr: 0, Size: uint64(*memoryMiB) * 1024 * 1024, Type: handoff.E820TypeRAM},
			},
		},
		Console: out,
		Log:     logger,
	})

	result, err := o.Run()
	if err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("boot prepared: kind=%d entry=%#x arg1=%#x arg2=%#x\n",
		result.Kind, result.EntryAddr, result.Arg1, result.Arg2)
}

func parseArch(name string) (platform.Arch, error) {
	switch name {
	case "amd64":
		return platform.AMD64, nil
	case "aarch64", "arm64":
		return platform.AArch64, nil
	case "riscv64":
		return platform.RISCV64, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", name)
	}
}
