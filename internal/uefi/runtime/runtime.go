package runtime

import (
	"time"

	"github.com/tinyrange/bootrom/internal/pagealloc"
	"github.com/tinyrange/bootrom/internal/uefi/guid"
	"github.com/tinyrange/bootrom/internal/uefi/status"
)

// Time mirrors EFI_TIME's fields needed by get_time.
type Time struct {
	Year                    uint16
	Month, Day              uint8
	Hour, Minute, Second    uint8
	Nanosecond              uint32
	TimeZone                int16
}

// TimeSource is the narrow current-time capability get_time needs
// (spec.md 1, "a current-time source"); time.Now satisfies it directly.
type TimeSource func() time.Time

// Fixed physical addresses the runtime-services function table is
// installed at before set_virtual_address_map runs. These aren't real
// code: they're the identity used to detect post-virtualization calls
// through a stale physical pointer (spec.md 4.8).
const (
	physGetTime           = 0x0001000
	physSetVariable       = 0x0001008
	physGetVariable       = 0x0001010
	physResetSystem       = 0x0001018
	physQueryVariableInfo = 0x0001020
	physConfigTable       = 0x0001028
)

// FunctionTable holds the currently live addresses for each entry point,
// as installed into the guest-visible system table. Before
// set_virtual_address_map every field is a phys* constant; afterward each
// is the virtual address its descriptor mapped the constant to.
type FunctionTable struct {
	GetTime           uint64
	SetVariable       uint64
	GetVariable       uint64
	ResetSystem       uint64
	QueryVariableInfo uint64
	ConfigTable       uint64
}

// RuntimeServices implements spec.md 4.8's surface: get_time, the
// variable-store-backed set/get_variable, reset_system,
// query_variable_info, and the set_virtual_address_map pointer fixup.
type RuntimeServices struct {
	vars    *VariableStore
	now     TimeSource
	table   FunctionTable
	retired map[uint64]bool

	virtualized bool
	resetCalled bool
}

// New constructs a RuntimeServices with its function table installed at
// the fixed physical addresses, backed by vars for variable operations and
// now for get_time.
func New(vars *VariableStore, now TimeSource) *RuntimeServices {
	return &RuntimeServices{
		vars: vars,
		now:  now,
		table: FunctionTable{
			GetTime:           physGetTime,
			SetVariable:       physSetVariable,
			GetVariable:       physGetVariable,
			ResetSystem:       physResetSystem,
			QueryVariableInfo: physQueryVariableInfo,
			ConfigTable:       physConfigTable,
		},
		retired: make(map[uint64]bool),
	}
}

// Table returns the currently live addresses (spec.md 4.8).
func (r *RuntimeServices) Table() FunctionTable { return r.table }

// GetTime returns the current wall-clock time (spec.md 4.8, "get_time").
func (r *RuntimeServices) GetTime() (Time, status.Code) {
	t := r.now().UTC()
	return Time{
		Year:       uint16(t.Year()),
		Month:      uint8(t.Month()),
		Day:        uint8(t.Day()),
		Hour:       uint8(t.Hour()),
		Minute:     uint8(t.Minute()),
		Second:     uint8(t.Second()),
		Nanosecond: uint32(t.Nanosecond()),
	}, status.Success
}

// SetVariable delegates to the variable store (spec.md 4.8).
func (r *RuntimeServices) SetVariable(name []uint16, g guid.GUID, attributes uint32, data []byte) status.Code {
	return r.vars.SetVariable(name, g, attributes, data)
}

// GetVariable delegates to the variable store (spec.md 4.8).
func (r *RuntimeServices) GetVariable(name []uint16, g guid.GUID, bufSize int) ([]byte, uint32, int, status.Code) {
	return r.vars.GetVariable(name, g, bufSize)
}

// QueryVariableInfo reports zeros (spec.md 4.8).
func (r *RuntimeServices) QueryVariableInfo() (uint64, uint64, uint64) {
	return r.vars.QueryVariableInfo()
}

// ResetSystem is a no-op that records the request; the platform layer
// observing ResetRequested forces the guest to triple-fault rather than
// this package performing any actual reset (spec.md 4.8).
func (r *RuntimeServices) ResetSystem() {
	r.resetCalled = true
}

// ResetRequested reports whether ResetSystem has been called.
func (r *RuntimeServices) ResetRequested() bool { return r.resetCalled }

// SetVirtualAddressMap rewrites every function-table entry and the
// configuration-table pointer by resolving each current (physical)
// address through descriptors via pagealloc.ConvertInternalPointer,
// retiring the old physical addresses (spec.md 4.8, 9(c): a compliant
// rebase, not a universal-stub shortcut).
func (r *RuntimeServices) SetVirtualAddressMap(descriptors []pagealloc.Descriptor) status.Code {
	if r.virtualized {
		return status.Unsupported
	}

	fields := []*uint64{
		&r.table.GetTime, &r.table.SetVariable, &r.table.GetVariable,
		&r.table.ResetSystem, &r.table.QueryVariableInfo, &r.table.ConfigTable,
	}
	resolved := make([]uint64, len(fields))
	for i, f := range fields {
		v, ok := pagealloc.ConvertInternalPointer(descriptors, *f)
		if !ok {
			return status.NotFound
		}
		resolved[i] = v
	}
	for i, f := range fields {
		r.retired[*f] = true
		*f = resolved[i]
	}
	r.virtualized = true
	return status.Success
}

// ResolveCall reports whether ptr is a currently live function-table
// address (Success), a retired pre-conversion address (Unsupported, per
// spec.md 4.8), or unrecognized (InvalidParameter).
func (r *RuntimeServices) ResolveCall(ptr uint64) status.Code {
	if r.retired[ptr] {
		return status.Unsupported
	}
	t := r.table
	switch ptr {
	case t.GetTime, t.SetVariable, t.GetVariable, t.ResetSystem, t.QueryVariableInfo, t.ConfigTable:
		return status.Success
	default:
		return status.InvalidParameter
	}
}
