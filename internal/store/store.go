package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/harveybc/lts/internal/models"
)

// Store is the persistence collaborator the engine talks to. The engine
// treats it as a transactional record store; it owns no business rules.
type Store struct {
	db *gorm.DB
}

// New wraps a gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ActivePortfolios loads every active portfolio, ordered by primary key so
// cycle iteration order is stable.
func (s *Store) ActivePortfolios() ([]models.Portfolio, error) {
	var portfolios []models.Portfolio
	if err := s.db.Where("is_active = ?", true).Order("id").Find(&portfolios).Error; err != nil {
		return nil, fmt.Errorf("load active portfolios: %w", err)
	}
	return portfolios, nil
}

// ActiveAssets loads a portfolio's active assets in primary-key order.
func (s *Store) ActiveAssets(portfolioID uint) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.Where("portfolio_id = ? AND is_active = ?", portfolioID, true).
		Order("id").Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("load assets for portfolio %d: %w", portfolioID, err)
	}
	return assets, nil
}

// Asset loads one asset by id.
func (s *Store) Asset(assetID uint) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.First(&asset, assetID).Error; err != nil {
		return nil, fmt.Errorf("load asset %d: %w", assetID, err)
	}
	return &asset, nil
}

// Portfolio loads one portfolio by id.
func (s *Store) Portfolio(portfolioID uint) (*models.Portfolio, error) {
	var portfolio models.Portfolio
	if err := s.db.First(&portfolio, portfolioID).Error; err != nil {
		return nil, fmt.Errorf("load portfolio %d: %w", portfolioID, err)
	}
	return &portfolio, nil
}

// OpenPosition returns the asset's open position, or nil when it has none.
func (s *Store) OpenPosition(assetID uint) (*models.Position, error) {
	var position models.Position
	err := s.db.Where("asset_id = ? AND status = ?", assetID, models.PositionStatusOpen).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load open position for asset %d: %w", assetID, err)
	}
	return &position, nil
}

// SaveCycle persists the order and position mutation of one asset cycle
// atomically: either both commit or neither does.
func (s *Store) SaveCycle(order *models.Order, position *models.Position) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if order != nil {
			if err := tx.Save(order).Error; err != nil {
				return fmt.Errorf("save order: %w", err)
			}
			if position != nil && position.OrderID == 0 {
				position.OrderID = order.ID
			}
		}
		if position != nil {
			if err := tx.Save(position).Error; err != nil {
				return fmt.Errorf("save position: %w", err)
			}
		}
		return nil
	})
}

// SaveStatistics appends one cycle record. Statistics are never updated.
func (s *Store) SaveStatistics(stat *models.ExecutionStatistic) error {
	if err := s.db.Create(stat).Error; err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	return nil
}

// UpdateLastExecution advances the portfolio's last execution timestamp.
func (s *Store) UpdateLastExecution(portfolioID uint, at time.Time) error {
	err := s.db.Model(&models.Portfolio{}).
		Where("id = ?", portfolioID).
		Update("last_execution", at).Error
	if err != nil {
		return fmt.Errorf("update last execution for portfolio %d: %w", portfolioID, err)
	}
	return nil
}
