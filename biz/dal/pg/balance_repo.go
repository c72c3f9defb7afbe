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

func (s *Store) GetBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	var b model.Balance
	err := s.db.WithContext(ctx).Where("user_id = ? AND asset = ?", userID, asset).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Frozen: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	var res []model.Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("asset").Find(&res).Error
	return res, err
}

// ensureBalance 余额行不存在时插入零值行，后续条件更新才有目标
func ensureBalance(tx *gorm.DB, userID, asset string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.Balance{
		UserID: userID, Asset: asset, Available: decimal.Zero, Frozen: decimal.Zero, UpdatedAt: time.Now().UnixMilli(),
	}).Error
}

// creditAvailable 可用余额加 delta，结果为负时不更新并返回 BalanceError
func creditAvailable(tx *gorm.DB, userID, asset string, delta decimal.Decimal, now int64) error {
	if err := ensureBalance(tx, userID, asset); err != nil {
		return err
	}
	res := tx.Model(&model.Balance{}).
		Where("user_id = ? AND asset = ? AND available + ? >= 0", userID, asset, delta).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", delta),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &model.BalanceError{UserID: userID, Asset: asset}
	}
	return nil
}

func (s *Store) LockBalance(ctx context.Context, r *model.Reservation) error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: reservation amount must be positive", model.ErrInvalidOrder)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureBalance(tx, r.UserID, r.Asset); err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		res := tx.Model(&model.Balance{}).
			Where("user_id = ? AND asset = ? AND available >= ?", r.UserID, r.Asset, r.Amount).
			Updates(map[string]interface{}{
				"available":  gorm.Expr("available - ?", r.Amount),
				"frozen":     gorm.Expr("frozen + ?", r.Amount),
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &model.BalanceError{UserID: r.UserID, Asset: r.Asset}
		}
		r.Remaining = r.Amount
		r.Status = model.ReservationActive
		if r.CreatedAt == 0 {
			r.CreatedAt = now
		}
		return tx.Create(r).Error
	})
}

func (s *Store) UnlockBalance(ctx context.Context, reservationID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var released decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		released, err = unlockTx(tx, reservationID, amount)
		return err
	})
	return released, err
}

// unlockTx 在调用方事务内释放冻结
func unlockTx(tx *gorm.DB, reservationID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var r model.Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("reservation_id = ?", reservationID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && r.Status != model.ReservationActive) {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrReservationReleased, reservationID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	release := r.Remaining
	if amount.IsPositive() && amount.LessThan(release) {
		release = amount
	}
	if err := moveReservation(tx, &r, decimal.Zero, release, time.Now().UnixMilli()); err != nil {
		return decimal.Zero, err
	}
	return release, nil
}

// moveReservation consume 离开冻结，release 退回可用
func moveReservation(tx *gorm.DB, r *model.Reservation, consume, release decimal.Decimal, now int64) error {
	remaining := r.Remaining.Sub(consume).Sub(release)
	status := model.ReservationActive
	if !remaining.IsPositive() {
		status = model.ReservationReleased
	}
	err := tx.Model(&model.Reservation{}).Where("reservation_id = ?", r.ReservationID).Updates(map[string]interface{}{
		"remaining": remaining,
		"status":    status,
	}).Error
	if err != nil {
		return err
	}
	err = tx.Model(&model.Balance{}).Where("user_id = ? AND asset = ?", r.UserID, r.Asset).Updates(map[string]interface{}{
		"frozen":     gorm.Expr("frozen - ?", consume.Add(release)),
		"available":  gorm.Expr("available + ?", release),
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}).Error
	if err != nil {
		return err
	}
	r.Remaining = remaining
	r.Status = status
	return nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*model.Reservation, error) {
	var r model.Reservation
	err := s.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrReservationReleased, reservationID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) AdjustBalance(ctx context.Context, userID, asset string, delta decimal.Decimal, reason, tradeID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UnixMilli()
		if err := creditAvailable(tx, userID, asset, delta, now); err != nil {
			return err
		}
		return tx.Create(&model.LedgerEntry{
			UserID: userID, Asset: asset, Delta: delta, Reason: reason, TradeID: tradeID, CreatedAt: now,
		}).Error
	})
}
