package allocator

import (
	"fmt"
	"sort"

	"github.com/harveybc/lts/internal/models"
)

// Allocator distributes a portfolio's total capital across its active assets
// before each cycle. Implementations are pure functions of their inputs.
//
// Invariant enforced here, not in the execution engine: the sum of returned
// allocations never exceeds the portfolio's total capital.
type Allocator interface {
	Name() string
	Allocate(portfolio models.Portfolio, assets []models.Asset) (map[uint]float64, error)
}

// Factory builds an allocator variant.
type Factory func() Allocator

var registry = make(map[string]Factory)

// Register makes an allocator resolvable by name.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("allocator %q registered twice", name))
	}
	registry[name] = factory
}

// New resolves a registered allocator by name.
func New(name string) (Allocator, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown allocator %q (registered: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered allocators.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("equal", func() Allocator { return equalAllocator{} })
	Register("fixed", func() Allocator { return fixedAllocator{} })
}

// equalAllocator splits total capital evenly across active assets.
type equalAllocator struct{}

func (equalAllocator) Name() string { return "equal" }

func (equalAllocator) Allocate(portfolio models.Portfolio, assets []models.Asset) (map[uint]float64, error) {
	active := activeAssets(assets)
	out := make(map[uint]float64, len(active))
	if len(active) == 0 || portfolio.TotalCapital <= 0 {
		return out, nil
	}
	share := portfolio.TotalCapital / float64(len(active))
	for _, a := range active {
		out[a.ID] = share
	}
	return out, nil
}

// fixedAllocator honors the per-asset allocations stored on the rows, scaling
// everything down proportionally when they oversubscribe the portfolio.
type fixedAllocator struct{}

func (fixedAllocator) Name() string { return "fixed" }

func (fixedAllocator) Allocate(portfolio models.Portfolio, assets []models.Asset) (map[uint]float64, error) {
	active := activeAssets(assets)
	out := make(map[uint]float64, len(active))

	var total float64
	for _, a := range active {
		if a.AllocatedCapital < 0 {
			return nil, fmt.Errorf("asset %d has negative allocation", a.ID)
		}
		total += a.AllocatedCapital
	}
	if total == 0 {
		return out, nil
	}

	scale := 1.0
	if total > portfolio.TotalCapital && portfolio.TotalCapital > 0 {
		scale = portfolio.TotalCapital / total
	}
	for _, a := range active {
		out[a.ID] = a.AllocatedCapital * scale
	}
	return out, nil
}

func activeAssets(assets []models.Asset) []models.Asset {
	active := make([]models.Asset, 0, len(assets))
	for _, a := range assets {
		if a.IsActive {
			active = append(active, a)
		}
	}
	return active
}
