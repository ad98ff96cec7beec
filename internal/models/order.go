package models

import (
	"time"

	"gorm.io/gorm"
)

// Order is one submitted trade intent and the broker's answer to it.
type Order struct {
	gorm.Model
	PortfolioID    uint   `gorm:"index;not null"`
	AssetID        uint   `gorm:"index;not null"`
	Symbol         string `gorm:"not null"`
	Side           Side   `gorm:"not null"`
	Type           OrderType
	Status         OrderStatus `gorm:"default:pending"`
	Quantity       float64     // lots
	Price          float64     // requested price
	FilledPrice    float64
	StopLoss       float64
	TakeProfit     float64
	Commission     float64
	BrokerOrderID  string
	BrokerResponse string // raw payload, kept for audit
	FilledAt       *time.Time
}
