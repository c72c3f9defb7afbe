package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApplyTrade 成交、订单 CAS、冻结扣减、余额变动与持仓写入放在同一个事务里
func (s *Store) ApplyTrade(ctx context.Context, fx *model.TradeEffects) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UnixMilli()
		tradeID := fx.Trade.TradeID

		for _, f := range fx.Fills {
			res := tx.Model(&model.Order{}).
				Where("order_id = ? AND version = ? AND status IN ? AND amount >= ?", f.OrderID, f.Version, liveStatuses, f.Filled).
				Updates(map[string]interface{}{
					"filled":     f.Filled,
					"status":     f.Status,
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: order %s version %d", model.ErrConflict, f.OrderID, f.Version)
			}
		}

		var journal []model.LedgerEntry
		for _, u := range fx.Reservations {
			var r model.Reservation
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("reservation_id = ?", u.ReservationID).First(&r).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && r.Status != model.ReservationActive) {
				return fmt.Errorf("%w: %s", model.ErrReservationReleased, u.ReservationID)
			}
			if err != nil {
				return err
			}
			release := u.Release
			if u.ReleaseRest {
				release = r.Remaining.Sub(u.Consume)
			}
			if u.Consume.IsNegative() || release.IsNegative() || u.Consume.Add(release).GreaterThan(r.Remaining) {
				return fmt.Errorf("%w: reservation %s over-consumed", model.ErrConflict, u.ReservationID)
			}
			if err := moveReservation(tx, &r, u.Consume, release, now); err != nil {
				return err
			}
			if u.Consume.IsPositive() {
				journal = append(journal, model.LedgerEntry{
					UserID: r.UserID, Asset: r.Asset, Delta: u.Consume.Neg(), Reason: model.ReasonTrade, TradeID: tradeID, CreatedAt: now,
				})
			}
		}

		// 同一账户的多笔变动先轧差再更新，自成交时扣款不会因顺序失败
		type key struct{ user, asset string }
		var order []key
		net := make(map[key]decimal.Decimal)
		for _, d := range fx.Balances {
			k := key{d.UserID, d.Asset}
			if _, ok := net[k]; !ok {
				order = append(order, k)
			}
			net[k] = net[k].Add(d.Delta)
			journal = append(journal, model.LedgerEntry{
				UserID: d.UserID, Asset: d.Asset, Delta: d.Delta, Reason: d.Reason, TradeID: tradeID, CreatedAt: now,
			})
		}
		for _, k := range order {
			if err := creditAvailable(tx, k.user, k.asset, net[k], now); err != nil {
				return err
			}
		}

		for _, pc := range fx.Positions {
			if err := savePosition(tx, pc, now); err != nil {
				return err
			}
		}

		if err := tx.Create(&fx.Trade).Error; err != nil {
			return err
		}
		if len(journal) > 0 {
			return tx.Create(&journal).Error
		}
		return nil
	})
}

func (s *Store) ListTrades(ctx context.Context, symbol string, kind model.MarketKind, limit int) ([]model.Trade, error) {
	var trades []model.Trade
	db := s.db.WithContext(ctx).Model(&model.Trade{})
	if symbol != "" {
		db = db.Where("symbol = ?", symbol)
	}
	if kind != "" {
		db = db.Where("kind = ?", kind)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Order("timestamp desc").Find(&trades).Error
	return trades, err
}
