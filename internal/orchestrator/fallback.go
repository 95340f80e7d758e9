package orchestrator

import (
	"fmt"

	"github.com/tinyrange/bootrom/internal/platform"
	"github.com/tinyrange/bootrom/internal/uefi/boot"
)

// TryEFIFallback opens the architecture-specific default boot path,
// loads it via the PE loader (C6) at the platform's fixed load address,
// and starts it through the Boot-Services load_image/start_image pair
// (spec.md 4.10, "EFI fallback").
func (o *Orchestrator) TryEFIFallback() (*ExecResult, error) {
	defaults := platform.For(o.cfg.Arch)
	devicePath := boot.FilePathNode(defaults.EFIFallbackPath)

	h, code := o.bs.LoadImage(nil, boot.LoadFromFile, devicePath, boot.MemorySource{}, defaults.KernelLoadAddr)
	if code.IsError() {
		return nil, fmt.Errorf("orchestrator: load_image(%s): %s", defaults.EFIFallbackPath, code)
	}

	result, code := o.bs.StartImage(h, o.cfg.SystemTablePtr)
	if code.IsError() {
		return nil, fmt.Errorf("orchestrator: start_image(%s): %s", defaults.EFIFallbackPath, code)
	}

	return &ExecResult{
		Kind:      ExecEFIApplication,
		EntryAddr: result.EntryAddr,
		Arg1:      result.ImageHandleID,
		Arg2:      result.SystemTablePtr,
	}, nil
}
