// Package pagealloc implements the page-granular memory allocator with
// UEFI-compatible memory-type semantics (spec.md C7): a fixed 512-record
// singly-linked table, sorted by physical address, with allocate/free/pool
// operations and a monotonic map_key.
package pagealloc

// PageSize is the allocation granule.
const PageSize = 4096

// MaxRecords is the allocator's fixed capacity (spec.md 3, "Fixed-capacity
// containers everywhere").
const MaxRecords = 512

// MemoryType mirrors the UEFI EFI_MEMORY_TYPE enumeration.
type MemoryType uint32

const (
	ReservedMemory MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
)

// Kind selects how allocate_pages chooses a range (spec.md 4.6).
type Kind int

const (
	AtAddress Kind = iota
	AnyPages
	MaxAddress
)

// record is one entry in the fixed allocation table (spec.md 3,
// "Allocation record").
type record struct {
	inUse         bool
	next          int // index into records, or -1
	typ           MemoryType
	physicalStart uint64
	pages         uint64
	attributes    uint64
	virtualStart  uint64
}

// Descriptor is the externally visible view of one live record, used for
// memory-map snapshots and set_virtual_address_map.
type Descriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attributes    uint64
}

// Allocator is the page allocator (spec.md 4.6).
type Allocator struct {
	records [MaxRecords]record
	head    int
	mapKey  uint64
}

// New returns an empty allocator.
func New() *Allocator {
	return &Allocator{head: -1}
}

// MapKey returns the current map key; it strictly increases across every
// mutating call (spec.md testable property 2).
func (a *Allocator) MapKey() uint64 { return a.mapKey }

// freeSlot returns the index of an unused record, or ok=false if the fixed
// table is exhausted. Exhaustion is a condition callers must handle (spec.md
// 4.6's allocate_pages returns OutOfResources); only bring-up, which has no
// caller to report to, treats it as unrecoverable.
func (a *Allocator) freeSlot() (int, bool) {
	for i := range a.records {
		if !a.records[i].inUse {
			return i, true
		}
	}
	return 0, false
}

// insertSorted links a new in-use record into the chain, keeping it sorted
// by physical_start (spec.md testable property 1). ok is false if the
// fixed record table has no free slot left.
func (a *Allocator) insertSorted(r record) (idx int, ok bool) {
	idx, ok = a.freeSlot()
	if !ok {
		return 0, false
	}
	r.inUse = true
	a.records[idx] = r

	if a.head == -1 || a.records[a.head].physicalStart > r.physicalStart {
		a.records[idx].next = a.head
		a.head = idx
		return idx, true
	}

	cur := a.head
	for a.records[cur].next != -1 && a.records[a.records[cur].next].physicalStart < r.physicalStart {
		cur = a.records[cur].next
	}
	a.records[idx].next = a.records[cur].next
	a.records[cur].next = idx
	return idx, true
}

// AddInitialAllocation registers a bring-up allocation directly (spec.md
// 4.6's add_initial_allocation), used before the allocator is handed to
// callers that rely on allocate_pages/free_pages. There is no caller to
// report exhaustion to at this stage, so running out of records here
// panics; AllocatePages never does (see splitAt).
func (a *Allocator) AddInitialAllocation(typ MemoryType, pages, physicalStart, attributes uint64) {
	if pages == 0 {
		panic(errOutOfRecords) // add_initial_allocation never supplies pages == 0
	}
	if _, ok := a.insertSorted(record{typ: typ, physicalStart: physicalStart, pages: pages, attributes: attributes}); !ok {
		panic(errOutOfRecords)
	}
	a.mapKey++
}

// GetDescriptorCount returns the number of live records (spec.md S1/S2).
func (a *Allocator) GetDescriptorCount() int {
	n := 0
	for i := a.head; i != -1; i = a.records[i].next {
		n++
	}
	return n
}

// Snapshot returns the live records as descriptors, in ascending
// physical_start order.
func (a *Allocator) Snapshot() []Descriptor {
	out := make([]Descriptor, 0, a.GetDescriptorCount())
	for i := a.head; i != -1; i = a.records[i].next {
		r := a.records[i]
		out = append(out, Descriptor{
			Type:          r.typ,
			PhysicalStart: r.physicalStart,
			VirtualStart:  r.virtualStart,
			NumberOfPages: r.pages,
			Attributes:    r.attributes,
		})
	}
	return out
}

// findConventionalContaining returns the index of the first in-use ConventionalMemory
// record whose range fully contains [addr, addr+pages*PageSize).
func (a *Allocator) findConventionalContaining(addr, pages uint64) int {
	need := pages * PageSize
	for i := a.head; i != -1; i = a.records[i].next {
		r := a.records[i]
		if r.typ != ConventionalMemory {
			continue
		}
		if r.physicalStart <= addr && addr+need <= r.physicalStart+r.pages*PageSize {
			return i
		}
	}
	return -1
}

// splitAt carves [addr, addr+pages*PageSize) out of the conventional record
// at idx, retyping that sub-range to typ and inserting conventional
// remainder records on either side as needed (spec.md 4.6, S2: splitting a
// 160-page record at offset 0x1000 for a 1-page allocation yields two new
// remainder records). It reports ok=false, leaving the table unchanged, if
// the fixed record table has no free slot for a needed remainder record;
// callers must turn that into ErrOutOfResources rather than panicking,
// since AllocatePages always has a caller to report the failure to.
func (a *Allocator) splitAt(idx int, addr, pages uint64, typ MemoryType) bool {
	r := a.records[idx]
	origStart := r.physicalStart
	origEnd := r.physicalStart + r.pages*PageSize
	allocEnd := addr + pages*PageSize

	leftPages := (addr - origStart) / PageSize
	rightPages := (origEnd - allocEnd) / PageSize

	// Check both remainder slots are available before mutating anything.
	need := 0
	if leftPages > 0 {
		need++
	}
	if rightPages > 0 {
		need++
	}
	free := 0
	for i := range a.records {
		if !a.records[i].inUse {
			free++
		}
	}
	if free < need {
		return false
	}

	a.records[idx].physicalStart = addr
	a.records[idx].pages = pages
	a.records[idx].typ = typ
	a.records[idx].virtualStart = 0

	if leftPages > 0 {
		a.insertSorted(record{typ: ConventionalMemory, physicalStart: origStart, pages: leftPages})
	}
	if rightPages > 0 {
		a.insertSorted(record{typ: ConventionalMemory, physicalStart: allocEnd, pages: rightPages})
	}
	return true
}

// AllocatePages allocates pages pages of typ according to kind (spec.md
// 4.6). For AtAddress, address is the required physical start. For
// MaxAddress, address is the inclusive upper bound the allocation's highest
// byte must not exceed. For AnyPages, address is ignored.
func (a *Allocator) AllocatePages(kind Kind, typ MemoryType, pages, address uint64) (uint64, error) {
	if pages == 0 {
		return 0, ErrInvalidParameter
	}

	switch kind {
	case AtAddress:
		idx := a.findConventionalContaining(address, pages)
		if idx == -1 {
			return 0, ErrOutOfResources
		}
		if !a.splitAt(idx, address, pages, typ) {
			return 0, ErrOutOfResources
		}
		a.mapKey++
		return address, nil

	case AnyPages:
		for i := a.head; i != -1; i = a.records[i].next {
			r := a.records[i]
			if r.typ == ConventionalMemory && r.pages >= pages {
				start := r.physicalStart
				if !a.splitAt(i, start, pages, typ) {
					return 0, ErrOutOfResources
				}
				a.mapKey++
				return start, nil
			}
		}
		return 0, ErrOutOfResources

	case MaxAddress:
		need := pages * PageSize
		for i := a.head; i != -1; i = a.records[i].next {
			r := a.records[i]
			if r.typ != ConventionalMemory || r.pages < pages {
				continue
			}
			if r.physicalStart+need-1 > address {
				continue
			}
			start := r.physicalStart
			if !a.splitAt(i, start, pages, typ) {
				return 0, ErrOutOfResources
			}
			a.mapKey++
			return start, nil
		}
		return 0, ErrOutOfResources

	default:
		return 0, ErrInvalidParameter
	}
}

// AllocatePool allocates ceil(size/PageSize) pages of typ (spec.md 4.6).
func (a *Allocator) AllocatePool(typ MemoryType, size uint64) (uint64, error) {
	pages := (size + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	return a.AllocatePages(AnyPages, typ, pages, 0)
}

// FreePages retypes the record starting at address to ConventionalMemory
// and sweeps the chain once, merging any touching conventional records
// (spec.md 4.6, testable property 1).
func (a *Allocator) FreePages(address uint64) error {
	idx := -1
	for i := a.head; i != -1; i = a.records[i].next {
		if a.records[i].physicalStart == address {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}

	a.records[idx].typ = ConventionalMemory
	a.records[idx].virtualStart = 0
	a.records[idx].attributes = 0

	a.sweepMerge()
	a.mapKey++
	return nil
}

// sweepMerge performs one forward pass over the chain, merging each
// conventional record with its immediate successor while they touch,
// repeating against the newly-extended record before advancing so that a
// run of N touching conventional records collapses in a single pass.
func (a *Allocator) sweepMerge() {
	if a.head == -1 {
		return
	}
	cur := a.head
	for a.records[cur].next != -1 {
		next := a.records[cur].next
		curRec := &a.records[cur]
		nextRec := &a.records[next]
		if curRec.typ == ConventionalMemory && nextRec.typ == ConventionalMemory &&
			curRec.physicalStart+curRec.pages*PageSize == nextRec.physicalStart {
			curRec.pages += nextRec.pages
			curRec.next = nextRec.next
			nextRec.inUse = false
			continue // re-check cur against its new next
		}
		cur = next
	}
}

// UpdateVirtualAddresses writes VirtualStart into each matching record,
// found by PhysicalStart (spec.md 4.6).
func (a *Allocator) UpdateVirtualAddresses(descriptors []Descriptor) error {
	for _, d := range descriptors {
		found := false
		for i := a.head; i != -1; i = a.records[i].next {
			if a.records[i].physicalStart == d.PhysicalStart {
				a.records[i].virtualStart = d.VirtualStart
				found = true
				break
			}
		}
		if !found {
			return ErrNotFound
		}
	}
	a.mapKey++
	return nil
}

// ConvertInternalPointer linearly searches descriptors for one containing
// ptr and returns ptr rebased from physical to virtual (spec.md 4.6).
func ConvertInternalPointer(descriptors []Descriptor, ptr uint64) (uint64, bool) {
	for _, d := range descriptors {
		end := d.PhysicalStart + d.NumberOfPages*PageSize
		if ptr >= d.PhysicalStart && ptr < end {
			return ptr - d.PhysicalStart + d.VirtualStart, true
		}
	}
	return 0, false
}
