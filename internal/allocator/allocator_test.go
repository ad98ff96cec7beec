package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/harveybc/lts/internal/models"
)

func asset(id uint, active bool, allocated float64) models.Asset {
	return models.Asset{
		Model:            gorm.Model{ID: id},
		Symbol:           "EUR/USD",
		IsActive:         active,
		AllocatedCapital: allocated,
	}
}

func TestEqualAllocator(t *testing.T) {
	a, err := New("equal")
	assert.NoError(t, err)

	portfolio := models.Portfolio{TotalCapital: 9000}
	assets := []models.Asset{asset(1, true, 0), asset(2, true, 0), asset(3, false, 0), asset(4, true, 0)}

	out, err := a.Allocate(portfolio, assets)
	assert.NoError(t, err)
	assert.Len(t, out, 3)
	assert.InDelta(t, 3000, out[1], 1e-9)
	assert.NotContains(t, out, uint(3))

	var sum float64
	for _, v := range out {
		sum += v
	}
	assert.LessOrEqual(t, sum, portfolio.TotalCapital+1e-9)
}

func TestFixedAllocator_ScalesDownOversubscription(t *testing.T) {
	a, err := New("fixed")
	assert.NoError(t, err)

	portfolio := models.Portfolio{TotalCapital: 1000}
	assets := []models.Asset{asset(1, true, 1500), asset(2, true, 500)}

	out, err := a.Allocate(portfolio, assets)
	assert.NoError(t, err)
	assert.InDelta(t, 750, out[1], 1e-9)
	assert.InDelta(t, 250, out[2], 1e-9)
}

func TestFixedAllocator_KeepsUndersubscribedAllocations(t *testing.T) {
	a, err := New("fixed")
	assert.NoError(t, err)

	portfolio := models.Portfolio{TotalCapital: 10000}
	assets := []models.Asset{asset(1, true, 2000), asset(2, true, 3000)}

	out, err := a.Allocate(portfolio, assets)
	assert.NoError(t, err)
	assert.InDelta(t, 2000, out[1], 1e-9)
	assert.InDelta(t, 3000, out[2], 1e-9)
}

func TestFixedAllocator_NegativeAllocation(t *testing.T) {
	a, err := New("fixed")
	assert.NoError(t, err)

	_, err = a.Allocate(models.Portfolio{TotalCapital: 1000}, []models.Asset{asset(1, true, -5)})
	assert.Error(t, err)
}

func TestUnknownAllocator(t *testing.T) {
	_, err := New("martingale")
	assert.Error(t, err)
}
