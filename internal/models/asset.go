package models

import "gorm.io/gorm"

// Asset is one tradable instrument inside a portfolio. The strategy and
// broker for an asset are selected by name and configured with JSON blobs,
// resolved against the registries once at load time.
type Asset struct {
	gorm.Model
	PortfolioID      uint   `gorm:"index;not null"`
	Symbol           string `gorm:"not null"`
	Name             string
	IsActive         bool   `gorm:"default:true"`
	StrategyName     string `gorm:"default:prediction"`
	StrategyConfig   string
	BrokerName       string `gorm:"default:simulated"`
	BrokerConfig     string
	AllocatedCapital float64
	MaxPositions     int `gorm:"default:1"`
}
