package models

import (
	"time"

	"gorm.io/gorm"
)

// Portfolio groups the assets traded on one capital pool.
// LastExecution only ever advances; the scheduler is its sole writer.
type Portfolio struct {
	gorm.Model
	UserID         uint   `gorm:"index;not null"`
	Name           string `gorm:"not null"`
	IsActive       bool   `gorm:"default:true"`
	TotalCapital   float64
	Allocator      string `gorm:"default:equal"`
	LatencyMinutes int    `gorm:"default:5"`
	LastExecution  *time.Time
}

// Latency returns the execution cadence for this portfolio, falling back to
// the given default when the row carries no value.
func (p *Portfolio) Latency(fallback time.Duration) time.Duration {
	if p.LatencyMinutes <= 0 {
		return fallback
	}
	return time.Duration(p.LatencyMinutes) * time.Minute
}
