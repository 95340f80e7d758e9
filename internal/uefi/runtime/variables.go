// Package runtime implements the pared-down UEFI Runtime-Services surface
// (spec.md 4.8): time, the variable store, reset, and the virtual-address
// map fixup that retypes every runtime entry point after
// set_virtual_address_map.
package runtime

import (
	"bytes"

	"github.com/tinyrange/bootrom/internal/uefi/guid"
	"github.com/tinyrange/bootrom/internal/uefi/status"
)

// Variable store limits (spec.md 3, "Variable").
const (
	maxVariables    = 128
	maxNameUnits    = 64
	maxDataBytes    = 1024
	attrAppendWrite = 0x40 // EFI_VARIABLE_APPEND_WRITE
)

type variableKey struct {
	name string // UCS-2 code units packed as a Go string for comparison
	guid guid.GUID
}

type variable struct {
	key        variableKey
	attributes uint32
	data       []byte
}

// VariableStore is the fixed-capacity key/value map backing
// get_variable/set_variable (spec.md 4.8).
type VariableStore struct {
	vars [maxVariables]variable
	used [maxVariables]bool
}

func keyOf(name []uint16, g guid.GUID) variableKey {
	var buf bytes.Buffer
	for _, u := range name {
		buf.WriteByte(byte(u))
		buf.WriteByte(byte(u >> 8))
	}
	return variableKey{name: buf.String(), guid: g}
}

func (s *VariableStore) find(k variableKey) int {
	for i := range s.vars {
		if s.used[i] && s.vars[i].key == k {
			return i
		}
	}
	return -1
}

// SetVariable implements spec.md 4.8's set rules: new/absent inserts,
// APPEND_WRITE concatenates onto a matching-attribute existing entry,
// attributes==0 or size==0 deletes, otherwise attributes must match and
// the data is replaced.
func (s *VariableStore) SetVariable(name []uint16, g guid.GUID, attributes uint32, data []byte) status.Code {
	if len(name) == 0 || len(name) > maxNameUnits {
		return status.InvalidParameter
	}
	if len(data) > maxDataBytes {
		return status.BadBufferSize
	}
	k := keyOf(name, g)
	idx := s.find(k)

	if attributes == 0 || len(data) == 0 {
		if idx == -1 {
			return status.NotFound
		}
		s.used[idx] = false
		s.vars[idx] = variable{}
		return status.Success
	}

	if attributes&attrAppendWrite != 0 {
		if idx == -1 {
			return status.NotFound
		}
		if s.vars[idx].attributes&^uint32(attrAppendWrite) != attributes&^uint32(attrAppendWrite) {
			return status.InvalidParameter
		}
		combined := append(append([]byte{}, s.vars[idx].data...), data...)
		if len(combined) > maxDataBytes {
			return status.BadBufferSize
		}
		s.vars[idx].data = combined
		return status.Success
	}

	if idx != -1 {
		if s.vars[idx].attributes != attributes {
			return status.InvalidParameter
		}
		s.vars[idx].data = append([]byte{}, data...)
		return status.Success
	}

	for i := range s.vars {
		if !s.used[i] {
			s.used[i] = true
			s.vars[i] = variable{key: k, attributes: attributes, data: append([]byte{}, data...)}
			return status.Success
		}
	}
	return status.OutOfResources
}

// GetVariable returns the stored data, the attributes it was set with, and
// a status per spec.md 4.8: BufferTooSmall (with the required size) when
// the caller's buffer is undersized, InvalidParameter on a nil name,
// NotFound when absent.
func (s *VariableStore) GetVariable(name []uint16, g guid.GUID, bufSize int) (data []byte, attributes uint32, requiredSize int, code status.Code) {
	if len(name) == 0 {
		return nil, 0, 0, status.InvalidParameter
	}
	idx := s.find(keyOf(name, g))
	if idx == -1 {
		return nil, 0, 0, status.NotFound
	}
	v := s.vars[idx]
	if len(v.data) > bufSize {
		return nil, 0, len(v.data), status.BufferTooSmall
	}
	return append([]byte{}, v.data...), v.attributes, len(v.data), status.Success
}

// QueryVariableInfo reports zeros for every field, per spec.md 4.8 ("reports
// zeros"): this firmware advertises no usable non-volatile storage budget.
func (s *VariableStore) QueryVariableInfo() (maxStorage, remainingStorage, maxVariableSize uint64) {
	return 0, 0, 0
}
