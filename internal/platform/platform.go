// Package platform holds the fixed per-architecture addresses and fallback
// paths spec.md names (kernel load address, zero-page location, cmdline
// buffer, EFI fallback boot path), loaded from an embedded YAML default
// table decoded with the same gopkg.in/yaml.v3 manifest-unmarshalling
// idiom the rest of the corpus uses for its config/manifest files.
package platform

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Defaults describes the fixed addresses and EFI fallback path for one
// target architecture.
type Defaults struct {
	PageSize        uint64 `yaml:"pageSize"`
	KernelLoadAddr  uint64 `yaml:"kernelLoadAddr"`
	ZeroPageAddr    uint64 `yaml:"zeroPageAddr"`
	CmdlineAddr     uint64 `yaml:"cmdlineAddr"`
	EFIFallbackPath string `yaml:"efiFallbackPath"`
}

type table struct {
	AMD64   Defaults `yaml:"amd64"`
	AArch64 Defaults `yaml:"aarch64"`
	RISCV64 Defaults `yaml:"riscv64"`
}

// Arch identifies a target architecture this firmware boots.
type Arch int

const (
	AMD64 Arch = iota
	AArch64
	RISCV64
)

var loaded table

func init() {
	if err := yaml.Unmarshal(defaultsYAML, &loaded); err != nil {
		panic(fmt.Sprintf("platform: embedded defaults.yaml is malformed: %v", err))
	}
}

// For returns the fixed defaults for the given architecture.
func For(arch Arch) Defaults {
	switch arch {
	case AMD64:
		return loaded.AMD64
	case AArch64:
		return loaded.AArch64
	case RISCV64:
		return loaded.RISCV64
	default:
		panic("platform: unknown architecture")
	}
}
