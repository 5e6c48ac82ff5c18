package sdfu

import (
	"context"
	"errors"
	"fmt"

	"github.com/tkhx/go-sdfu/sdfu/config"
	"github.com/tkhx/go-sdfu/sdfu/config/arch"
)

// builtinProfiles covers the parts this tool ships support for. Flash floors
// are the resident service's fixed footprint (master boot record included);
// RAM floors are its minimum before link and attribute table costs.
var builtinProfiles = map[arch.Arch]*config.DeviceProfile{
	arch.NRF52832: {
		FlashTotal:      0x80000,
		RamTotal:        0x10000,
		RamBase:         0x20000000,
		ServiceFlash:    0x26000,
		ServiceRamFloor: 0x1628,
	},
	arch.NRF52833: {
		FlashTotal:      0x80000,
		RamTotal:        0x20000,
		RamBase:         0x20000000,
		ServiceFlash:    0x27000,
		ServiceRamFloor: 0x1678,
	},
	arch.NRF52840: {
		FlashTotal:      0x100000,
		RamTotal:        0x40000,
		RamBase:         0x20000000,
		ServiceFlash:    0x27000,
		ServiceRamFloor: 0x1678,
	},
}

// ProfileFor returns the built-in memory profile for an architecture.
func ProfileFor(a arch.Arch) (*config.DeviceProfile, error) {
	p, ok := builtinProfiles[a]
	if !ok {
		return nil, fmt.Errorf("arch %q is not registered", a)
	}
	return p, nil
}

// LoadProfiles reads device profiles from a pkl module, for boards whose
// resident service differs from the built-in table.
func LoadProfiles(ctx context.Context, path string) (map[arch.Arch]*config.DeviceProfile, error) {
	conf, err := config.LoadFromPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return profileTable(conf)
}

// profileTable validates a loaded profile config before anything plans
// against it.
func profileTable(conf *config.DeviceConfig) (map[arch.Arch]*config.DeviceProfile, error) {
	if len(conf.Profiles) == 0 {
		return nil, errors.New("no profiles in config")
	}
	for a, p := range conf.Profiles {
		if p.ServiceFlash >= p.FlashTotal {
			return nil, fmt.Errorf("profile %s: resident service flash %#x leaves no application region in %#x", a, p.ServiceFlash, p.FlashTotal)
		}
	}
	return conf.Profiles, nil
}

// ServiceConfig is the runtime configuration of the resident service. The
// RAM it reserves is a function of these values, so the partition plan is
// recomputed from them rather than kept as a hand-maintained constant.
type ServiceConfig struct {
	// AttrTableSize is the attribute table size in bytes.
	AttrTableSize uint32
	// CentralLinks and PeripheralLinks are the maximum concurrent
	// connection counts in each role.
	CentralLinks    uint32
	PeripheralLinks uint32
	// ATTMTU is the negotiated maximum transmission unit per link.
	ATTMTU uint32
}

const (
	// linkCtxSize is the per-connection context the resident service keeps.
	linkCtxSize = 0x640
	// mtuBuffers is the number of MTU-sized buffers held per link.
	mtuBuffers = 3
	// ramAlign is the required alignment of the application RAM origin.
	ramAlign = 0x10
)

// DefaultServiceConfig mirrors the resident service's stock build: one
// peripheral link, default attribute table, minimum MTU.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AttrTableSize:   0x580,
		PeripheralLinks: 1,
		ATTMTU:          23,
	}
}

// ReservedRAM computes the RAM the resident service claims on top of the
// given floor.
func (c ServiceConfig) ReservedRAM(floor uint32) uint32 {
	links := c.CentralLinks + c.PeripheralLinks
	perLink := uint32(linkCtxSize) + mtuBuffers*align4(c.ATTMTU)
	return alignUp(floor+align4(c.AttrTableSize)+links*perLink, ramAlign)
}

func align4(v uint32) uint32 {
	return alignUp(v, 4)
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// PlanFor derives the partition plan for an architecture and resident
// service configuration.
func PlanFor(a arch.Arch, svc ServiceConfig) (*PartitionPlan, error) {
	prof, err := ProfileFor(a)
	if err != nil {
		return nil, err
	}
	return PlanForProfile(prof, svc)
}

// PlanForProfile derives the partition plan from an explicit profile.
func PlanForProfile(prof *config.DeviceProfile, svc ServiceConfig) (*PartitionPlan, error) {
	reservedRAM := svc.ReservedRAM(prof.ServiceRamFloor)
	plan, err := DerivePlan(prof.FlashTotal, prof.RamTotal, prof.ServiceFlash, reservedRAM)
	if err != nil {
		return nil, err
	}
	plan.RAMBase = prof.RamBase
	return plan, nil
}
