package models

import (
	"time"

	"gorm.io/gorm"
)

// Position is the market exposure created by a filled order. Rows are never
// deleted: closing is a status transition so the trade history stays intact.
// RealizedPnL is fixed at close time and never changes afterwards.
type Position struct {
	gorm.Model
	PortfolioID      uint   `gorm:"index;not null"`
	AssetID          uint   `gorm:"index;not null"`
	OrderID          uint   `gorm:"index"`
	Symbol           string `gorm:"not null"`
	Side             Side   `gorm:"not null"`
	Quantity         float64
	EntryPrice       float64
	CurrentPrice     float64
	UnrealizedPnL    float64
	RealizedPnL      float64
	Status           PositionStatus `gorm:"default:open"`
	BrokerPositionID string
	OpenedAt         time.Time
	ClosedAt         *time.Time
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil && p.Status != PositionStatusClosed
}
