package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	linuxboot "github.com/tinyrange/bootrom/internal/linux/boot"
	"github.com/tinyrange/bootrom/internal/platform"
)

// ErrLinuxBootUnsupportedArch is returned when TryBootLoaderSpec is asked
// to boot a non-x86-64 guest: spec.md 4.9 names only the bzImage
// protocol, so AArch64/RISC-V guests always fall through to the EFI
// fallback path.
var ErrLinuxBootUnsupportedArch = errors.New("orchestrator: the BootLoaderSpec path only boots the x86-64 bzImage protocol")

// TryBootLoaderSpec reads /loader/loader.conf, resolves its default
// entry, extracts linux/initrd/options, and runs the Linux boot protocol
// (spec.md 4.10, "BootLoaderSpec path").
func (o *Orchestrator) TryBootLoaderSpec() (*ExecResult, error) {
	if o.cfg.Arch != platform.AMD64 {
		return nil, ErrLinuxBootUnsupportedArch
	}

	root := o.bs.FileSystem.FS.Mount.Root()

	loaderConfNode, err := root.Open("/loader/loader.conf")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening /loader/loader.conf: %w", err)
	}
	loaderConfBytes, err := readFileBytes(loaderConfNode)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading /loader/loader.conf: %w", err)
	}
	loaderConf := parseKeyValue(string(loaderConfBytes))

	defaultEntry, ok := loaderConf["default"]
	if !ok || defaultEntry == "" {
		return nil, fmt.Errorf("orchestrator: /loader/loader.conf has no default entry")
	}

	entryPath := "/loader/entries/" + defaultEntry + ".conf"
	entryNode, err := root.Open(entryPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening %s: %w", entryPath, err)
	}
	entryBytes, err := readFileBytes(entryNode)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading %s: %w", entryPath, err)
	}
	entry := parseKeyValue(string(entryBytes))

	linuxPath, ok := entry["linux"]
	if !ok {
		return nil, fmt.Errorf("orchestrator: entry %q has no linux= line", defaultEntry)
	}

	kernelNode, err := root.Open(linuxPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening kernel %s: %w", linuxPath, err)
	}
	kernelBytes, err := readFileWithProgress(kernelNode, o.consoleWriter(), "loading kernel")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reading kernel %s: %w", linuxPath, err)
	}

	k, err := linuxboot.LoadKernel(bytes.NewReader(kernelBytes), int64(len(kernelBytes)))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: parsing bzImage header: %w", err)
	}

	var initrd []byte
	if initrdPath, ok := entry["initrd"]; ok && initrdPath != "" {
		initrdNode, err := root.Open(initrdPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: opening initrd %s: %w", initrdPath, err)
		}
		initrd, err = readFileWithProgress(initrdNode, o.consoleWriter(), "loading initrd")
		if err != nil {
			return nil, fmt.Errorf("orchestrator: reading initrd %s: %w", initrdPath, err)
		}
	}

	cmdline := buildCmdline(o.cfg.Handoff.CmdLine, entry["options"])

	e820 := make([]linuxboot.E820Entry, len(o.cfg.Handoff.MemoryMap))
	for i, r := range o.cfg.Handoff.MemoryMap {
		e820[i] = linuxboot.E820Entry{Addr: r.Addr, Size: r.Size, Type: r.Type}
	}

	defaults := platform.For(o.cfg.Arch)
	plan, err := k.Prepare(o.cfg.Mem, defaults.ZeroPageAddr, o.cfg.Handoff.RSDPAddr, cmdline, initrd, e820)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: preparing the Linux boot image: %w", err)
	}

	return &ExecResult{Kind: ExecLinux, EntryAddr: plan.EntryAddr, Arg1: plan.ZeroPageGPA}, nil
}

// buildCmdline concatenates the firmware-provided boot-arg bytes with the
// loader-entry options line, separated by a single space (spec.md 4.9,
// "Command line").
func buildCmdline(firmwareArgs, options string) string {
	switch {
	case firmwareArgs == "":
		return options
	case options == "":
		return firmwareArgs
	default:
		return firmwareArgs + " " + options
	}
}

// consoleWriter returns the sink readFileWithProgress reports to, falling
// back to a discard writer when no console was configured (e.g. tests).
func (o *Orchestrator) consoleWriter() io.Writer {
	if o.cfg.Console != nil {
		return consoleOutputWriter{o.cfg.Console}
	}
	return io.Discard
}

// consoleOutputWriter adapts console.Output's OutputString method to
// io.Writer so progressbar can render directly to the platform console.
type consoleOutputWriter struct {
	out interface{ OutputString(string) }
}

func (w consoleOutputWriter) Write(p []byte) (int, error) {
	w.out.OutputString(string(p))
	return len(p), nil
}
