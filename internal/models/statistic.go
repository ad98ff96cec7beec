package models

import (
	"time"

	"gorm.io/gorm"
)

// ExecutionStatistic is one append-only record per portfolio cycle.
type ExecutionStatistic struct {
	gorm.Model
	PortfolioID     uint `gorm:"index;not null"`
	DurationMS      int64
	AssetsProcessed int
	Failures        int
	OrdersCreated   int
	PnLDelta        float64
	ExecutedAt      time.Time `gorm:"not null"`
}
