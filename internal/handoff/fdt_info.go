package handoff

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/tinyrange/bootrom/internal/fdt"
)

// findChild returns the direct child of n named exactly name, if any.
func findChild(n fdt.Node, name string) (fdt.Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return fdt.Node{}, false
}

// ExtractBootArgs reads /chosen/bootargs (spec.md 6, "cmdline from
// /chosen/bootargs").
func ExtractBootArgs(root fdt.Node) string {
	chosen, ok := findChild(root, "chosen")
	if !ok {
		return ""
	}
	prop, ok := chosen.Properties["bootargs"]
	if !ok {
		return ""
	}
	return string(bytes.TrimRight(prop.Bytes, "\x00"))
}

// ExtractMemoryRegions reads every /memory@* node's "reg" property as a
// sequence of (address, size) 64-bit cell pairs (spec.md 6, "memory
// regions from /memory nodes"). This firmware targets 64-bit platforms
// only, so it assumes #address-cells = #size-cells = 2.
func ExtractMemoryRegions(root fdt.Node) []MemoryRegion {
	var out []MemoryRegion
	for _, c := range root.Children {
		if !strings.HasPrefix(c.Name, "memory") {
			continue
		}
		prop, ok := c.Properties["reg"]
		if !ok {
			continue
		}
		for off := 0; off+16 <= len(prop.Bytes); off += 16 {
			addr := binary.BigEndian.Uint64(prop.Bytes[off : off+8])
			size := binary.BigEndian.Uint64(prop.Bytes[off+8 : off+16])
			out = append(out, MemoryRegion{Addr: addr, Size: size, Type: E820TypeRAM})
		}
	}
	return out
}

// ExtractPCIECAMBase walks the tree for a node whose "compatible" property
// contains "pci-host-ecam-generic" and returns the base address from its
// "reg" property's first cell pair (spec.md 6, "PCI ECAM base from a node
// compatible with pci-host-ecam-generic").
func ExtractPCIECAMBase(root fdt.Node) (uint64, bool) {
	if isCompatible(root, "pci-host-ecam-generic") {
		if prop, ok := root.Properties["reg"]; ok && len(prop.Bytes) >= 8 {
			return binary.BigEndian.Uint64(prop.Bytes[0:8]), true
		}
	}
	for _, c := range root.Children {
		if base, ok := ExtractPCIECAMBase(c); ok {
			return base, true
		}
	}
	return 0, false
}

// isCompatible reports whether n's "compatible" property (a NUL-separated
// string list) contains want.
func isCompatible(n fdt.Node, want string) bool {
	prop, ok := n.Properties["compatible"]
	if !ok {
		return false
	}
	for _, s := range bytes.Split(bytes.TrimRight(prop.Bytes, "\x00"), []byte{0}) {
		if string(s) == want {
			return true
		}
	}
	return false
}
