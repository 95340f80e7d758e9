// Package guid implements the mixed-endian GUID encoding used throughout
// UEFI: protocol identifiers, vendor GUIDs for configuration tables and
// variables, and partition type-GUIDs (spec.md 3, "Handle").
package guid

import "fmt"

// GUID is a 16-byte UEFI-style identifier: the first three fields are
// little-endian, the last two are big-endian byte strings (the same
// mixed-endian layout used by gpt.Partition's type/partition GUIDs).
type GUID [16]byte

// Equal reports whether two GUIDs are byte-for-byte identical.
func (g GUID) Equal(o GUID) bool { return g == o }

// String renders the GUID in the canonical
// "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx" form.
func (g GUID) String() string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		uint32(g[3])<<24|uint32(g[2])<<16|uint32(g[1])<<8|uint32(g[0]),
		uint16(g[5])<<8|uint16(g[4]),
		uint16(g[7])<<8|uint16(g[6]),
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

// New builds a GUID from its canonical field decomposition (the same form
// Microsoft's DEFINE_GUID macro takes): data1 is little-endian, data2/data3
// are little-endian 16-bit fields, and data4 is eight raw bytes.
func New(data1 uint32, data2, data3 uint16, data4 [8]byte) GUID {
	var g GUID
	g[0], g[1], g[2], g[3] = byte(data1), byte(data1>>8), byte(data1>>16), byte(data1>>24)
	g[4], g[5] = byte(data2), byte(data2>>8)
	g[6], g[7] = byte(data3), byte(data3>>8)
	copy(g[8:], data4[:])
	return g
}

// Well-known protocol and vendor GUIDs needed by the boot-services and
// runtime-services surfaces (spec.md 4.7, 4.8).
var (
	LoadedImageProtocol     = New(0x5B1B31A1, 0x9562, 0x11D2, [8]byte{0x8E, 0x3F, 0x00, 0xA0, 0xC9, 0x69, 0x72, 0x3B})
	SimpleFileSystemProtocol = New(0x964E5B22, 0x6459, 0x11D2, [8]byte{0x8E, 0x39, 0x00, 0xA0, 0xC9, 0x69, 0x72, 0x3B})
	DevicePathProtocol      = New(0x09576E91, 0x6D3F, 0x11D2, [8]byte{0x8E, 0x39, 0x00, 0xA0, 0xC9, 0x69, 0x72, 0x3B})
	BlockIOProtocol         = New(0x964E5B21, 0x6459, 0x11D2, [8]byte{0x8E, 0x39, 0x00, 0xA0, 0xC9, 0x69, 0x72, 0x3B})

	EFISystemPartitionType = New(0xC12A7328, 0xF81F, 0x11D2, [8]byte{0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B})

	GlobalVariable = New(0x8BE4DF61, 0x93CA, 0x11D2, [8]byte{0xAA, 0x0D, 0x00, 0xE0, 0x98, 0x03, 0x2B, 0x8C})
)
