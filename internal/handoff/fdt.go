package handoff

import (
	"encoding/binary"
	"errors"

	"github.com/tinyrange/bootrom/internal/fdt"
	"github.com/tinyrange/bootrom/internal/memregion"
)

// ErrMalformedFDT is returned when a flattened-device-tree blob's header or
// structure block doesn't parse (spec.md 6, "AArch64 / RISC-V: FDT pointer
// in the first argument register").
var ErrMalformedFDT = errors.New("handoff: malformed FDT blob")

const (
	fdtMagic          = 0xd00dfeed
	fdtHeaderSize     = 0x28
	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9
)

// ParseFDTBlob decodes a flattened-device-tree binary into the same
// fdt.Node/Property tree internal/fdt builds from (spec.md 6), walking the
// wire format rather than constructing it. Every property is decoded as
// raw bytes: interpreting a property's type requires knowing its name's
// convention (u32 cell, string, ...), which the accessor helpers below do
// on demand rather than up front.
func ParseFDTBlob(blob []byte) (fdt.Node, error) {
	if len(blob) < fdtHeaderSize {
		return fdt.Node{}, ErrMalformedFDT
	}
	if binary.BigEndian.Uint32(blob[0:4]) != fdtMagic {
		return fdt.Node{}, ErrMalformedFDT
	}
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])

	p := &fdtParser{blob: blob, pos: int(offStruct), strings: int(offStrings)}
	root, err := p.parseNode()
	if err != nil {
		return fdt.Node{}, err
	}
	return root, nil
}

// ParseFDT reads length bytes of an FDT blob out of mem at ptr (inferring
// the real length from the header's totalsize field first) and decodes it.
func ParseFDT(mem *memregion.Region, ptr uint64) (fdt.Node, error) {
	hdr, err := mem.Slice(ptr, fdtHeaderSize)
	if err != nil {
		return fdt.Node{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != fdtMagic {
		return fdt.Node{}, ErrMalformedFDT
	}
	totalSize := binary.BigEndian.Uint32(hdr[4:8])
	blob, err := mem.Slice(ptr, int(totalSize))
	if err != nil {
		return fdt.Node{}, err
	}
	return ParseFDTBlob(blob)
}

type fdtParser struct {
	blob    []byte
	pos     int
	strings int
}

func (p *fdtParser) readU32() (uint32, error) {
	if p.pos+4 > len(p.blob) {
		return 0, ErrMalformedFDT
	}
	v := binary.BigEndian.Uint32(p.blob[p.pos : p.pos+4])
	p.pos += 4
	return v, nil
}

func (p *fdtParser) readCString() (string, error) {
	start := p.pos
	for p.pos < len(p.blob) && p.blob[p.pos] != 0 {
		p.pos++
	}
	if p.pos >= len(p.blob) {
		return "", ErrMalformedFDT
	}
	s := string(p.blob[start:p.pos])
	p.pos++ // consume the NUL
	p.alignStruct()
	return s, nil
}

func (p *fdtParser) alignStruct() {
	for p.pos%4 != 0 {
		p.pos++
	}
}

func (p *fdtParser) stringAt(off uint32) string {
	start := p.strings + int(off)
	end := start
	for end < len(p.blob) && p.blob[end] != 0 {
		end++
	}
	if start >= len(p.blob) || end > len(p.blob) {
		return ""
	}
	return string(p.blob[start:end])
}

// parseNode consumes one FDT_BEGIN_NODE through its matching FDT_END_NODE.
func (p *fdtParser) parseNode() (fdt.Node, error) {
	token, err := p.readU32()
	if err != nil {
		return fdt.Node{}, err
	}
	if token != fdtBeginNodeToken {
		return fdt.Node{}, ErrMalformedFDT
	}
	name, err := p.readCString()
	if err != nil {
		return fdt.Node{}, err
	}
	node := fdt.Node{Name: name, Properties: make(map[string]fdt.Property)}

	for {
		token, err := p.readU32()
		if err != nil {
			return fdt.Node{}, err
		}
		switch token {
		case fdtPropToken:
			length, err := p.readU32()
			if err != nil {
				return fdt.Node{}, err
			}
			nameOff, err := p.readU32()
			if err != nil {
				return fdt.Node{}, err
			}
			if p.pos+int(length) > len(p.blob) {
				return fdt.Node{}, ErrMalformedFDT
			}
			value := append([]byte{}, p.blob[p.pos:p.pos+int(length)]...)
			p.pos += int(length)
			p.alignStruct()
			node.Properties[p.stringAt(nameOff)] = fdt.Property{Bytes: value}

		case fdtBeginNodeToken:
			p.pos -= 4 // unread: parseNode expects to consume the token itself
			child, err := p.parseNode()
			if err != nil {
				return fdt.Node{}, err
			}
			node.Children = append(node.Children, child)

		case fdtEndNodeToken:
			return node, nil

		case fdtEndToken:
			return node, nil

		default:
			return fdt.Node{}, ErrMalformedFDT
		}
	}
}
