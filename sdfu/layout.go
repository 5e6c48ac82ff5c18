package sdfu

import "fmt"

// MemoryKind names a physical memory on the device.
type MemoryKind int

const (
	Flash MemoryKind = iota
	RAM
)

func (k MemoryKind) String() string {
	switch k {
	case Flash:
		return "FLASH"
	case RAM:
		return "RAM"
	default:
		return fmt.Sprintf("memory %d", int(k))
	}
}

// Access is the set of access rights for a memory region.
type Access uint8

const (
	Readable Access = 1 << iota
	Writable
	Executable
)

func (a Access) String() string {
	s := [3]byte{'-', '-', '-'}
	if a&Readable != 0 {
		s[0] = 'r'
	}
	if a&Writable != 0 {
		s[1] = 'w'
	}
	if a&Executable != 0 {
		s[2] = 'x'
	}
	return string(s[:])
}

// MemoryRegion is a contiguous address range within one memory kind.
// Origin is relative to the start of that memory kind's address space.
type MemoryRegion struct {
	Kind   MemoryKind
	Access Access
	Origin uint32
	Length uint32
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint32 {
	return r.Origin + r.Length
}

// Contains reports whether addr falls inside the region.
func (r MemoryRegion) Contains(addr uint32) bool {
	return addr >= r.Origin && addr < r.End()
}

// Overlaps reports whether two regions of the same kind intersect.
// Regions of different kinds never overlap.
func (r MemoryRegion) Overlaps(o MemoryRegion) bool {
	if r.Kind != o.Kind {
		return false
	}
	return r.Origin < o.End() && o.Origin < r.End()
}

// PartitionPlan is the non-overlapping division of flash and RAM between the
// resident service and the application. The resident service owns the low
// end of each memory kind; the application owns the remainder.
//
// A plan is derived, never hand-edited: reserved sizes follow from the
// resident service configuration, and the plan must be re-derived whenever
// that configuration changes.
type PartitionPlan struct {
	ResidentFlash MemoryRegion
	AppFlash      MemoryRegion
	ResidentRAM   MemoryRegion
	AppRAM        MemoryRegion

	// RAMBase is the absolute address of RAM offset zero, used only when
	// rendering linker bounds. Flash offset zero is absolute zero.
	RAMBase uint32
}

// DerivePlan partitions the given memory totals, reserving the low
// reservedFlash and reservedRAM bytes for the resident service. Reserved
// sizes must be strictly smaller than the totals.
func DerivePlan(flashTotal, ramTotal, reservedFlash, reservedRAM uint32) (*PartitionPlan, error) {
	if reservedFlash >= flashTotal {
		return nil, &LayoutError{
			Kind:   InsufficientSpace,
			Mem:    Flash,
			Detail: fmt.Sprintf("reserved %#x leaves no room in %#x total", reservedFlash, flashTotal),
		}
	}
	if reservedRAM >= ramTotal {
		return nil, &LayoutError{
			Kind:   InsufficientSpace,
			Mem:    RAM,
			Detail: fmt.Sprintf("reserved %#x leaves no room in %#x total", reservedRAM, ramTotal),
		}
	}
	plan := &PartitionPlan{
		ResidentFlash: MemoryRegion{Kind: Flash, Access: Readable | Executable, Origin: 0, Length: reservedFlash},
		AppFlash:      MemoryRegion{Kind: Flash, Access: Readable | Executable, Origin: reservedFlash, Length: flashTotal - reservedFlash},
		ResidentRAM:   MemoryRegion{Kind: RAM, Access: Readable | Writable, Origin: 0, Length: reservedRAM},
		AppRAM:        MemoryRegion{Kind: RAM, Access: Readable | Writable, Origin: reservedRAM, Length: ramTotal - reservedRAM},
	}
	if err := plan.validate(flashTotal, ramTotal); err != nil {
		return nil, err
	}
	return plan, nil
}

// validate re-checks the plan invariants against the device bounds.
func (p *PartitionPlan) validate(flashTotal, ramTotal uint32) error {
	for _, c := range []struct {
		resident, app MemoryRegion
		total         uint32
	}{
		{p.ResidentFlash, p.AppFlash, flashTotal},
		{p.ResidentRAM, p.AppRAM, ramTotal},
	} {
		kind := c.resident.Kind
		if c.resident.Origin != 0 {
			return &LayoutError{
				Kind:   RegionOverlap,
				Mem:    kind,
				Detail: fmt.Sprintf("resident region must start at zero, starts at %#x", c.resident.Origin),
			}
		}
		if c.app.Origin != c.resident.End() {
			return &LayoutError{
				Kind:   RegionOverlap,
				Mem:    kind,
				Detail: fmt.Sprintf("application origin %#x does not meet reserved end %#x", c.app.Origin, c.resident.End()),
			}
		}
		if c.resident.Overlaps(c.app) {
			return &LayoutError{
				Kind:   RegionOverlap,
				Mem:    kind,
				Detail: fmt.Sprintf("[%#x,%#x) intersects [%#x,%#x)", c.resident.Origin, c.resident.End(), c.app.Origin, c.app.End()),
			}
		}
		if c.app.End() > c.total {
			return &LayoutError{
				Kind:   OutOfBounds,
				Mem:    kind,
				Detail: fmt.Sprintf("application region ends at %#x, device has %#x", c.app.End(), c.total),
			}
		}
	}
	return nil
}

// FitsImage checks that an image of n bytes fits the application flash region.
func (p *PartitionPlan) FitsImage(n int) error {
	if uint32(n) > p.AppFlash.Length {
		return &LayoutError{
			Kind:   InsufficientSpace,
			Mem:    Flash,
			Detail: fmt.Sprintf("image is %#x bytes, application region holds %#x", n, p.AppFlash.Length),
		}
	}
	return nil
}

// LinkerSections renders the application region bounds in linker script
// MEMORY syntax. The build toolchain consumes this to place code and data;
// it is the only sanctioned way to communicate the plan to a linker.
func (p *PartitionPlan) LinkerSections() string {
	return fmt.Sprintf(
		"MEMORY\n{\n  FLASH : ORIGIN = %#08x, LENGTH = %#x\n  RAM : ORIGIN = %#08x, LENGTH = %#x\n}\n",
		p.AppFlash.Origin, p.AppFlash.Length,
		p.RAMBase+p.AppRAM.Origin, p.AppRAM.Length,
	)
}
