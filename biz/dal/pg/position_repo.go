package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func savePosition(tx *gorm.DB, pc model.PositionChange, now int64) error {
	p := pc.Position
	p.Version = pc.Version + 1
	p.UpdatedAt = now
	if pc.Created {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: position %s %s already exists", model.ErrConflict, p.UserID, p.Key())
		}
		return nil
	}
	res := tx.Model(&model.Position{}).
		Where("user_id = ? AND symbol = ? AND kind = ? AND version = ?", p.UserID, p.Symbol, p.Kind, pc.Version).
		Updates(map[string]interface{}{
			"side":              p.Side,
			"size":              p.Size,
			"entry_price":       p.EntryPrice,
			"mark_price":        p.MarkPrice,
			"unrealized_pnl":    p.UnrealizedPnL,
			"realized_pnl":      p.RealizedPnL,
			"margin":            p.Margin,
			"leverage":          p.Leverage,
			"margin_mode":       p.MarginMode,
			"liquidation_price": p.LiquidationPrice,
			"version":           p.Version,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: position %s %s version changed", model.ErrConflict, p.UserID, p.Key())
	}
	return nil
}

// GetPosition 没有持仓时返回 nil, nil
func (s *Store) GetPosition(ctx context.Context, userID, symbol string, kind model.MarketKind) (*model.Position, error) {
	var p model.Position
	err := s.db.WithContext(ctx).Where("user_id = ? AND symbol = ? AND kind = ?", userID, symbol, kind).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var res []model.Position
	err := s.db.WithContext(ctx).Where("user_id = ? AND size > 0", userID).Order("symbol, kind").Find(&res).Error
	return res, err
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	var res []model.Position
	err := s.db.WithContext(ctx).Where("size > 0").Order("user_id, symbol, kind").Find(&res).Error
	return res, err
}

func (s *Store) UpdateMark(ctx context.Context, userID, symbol string, kind model.MarketKind, mark, unrealized decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&model.Position{}).
		Where("user_id = ? AND symbol = ? AND kind = ?", userID, symbol, kind).
		Updates(map[string]interface{}{
			"mark_price":     mark,
			"unrealized_pnl": unrealized,
		}).Error
}
