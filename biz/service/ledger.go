package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Ledger 冻结与释放；所有余额修改都落在 Store 的原子操作里
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Reserve 检查可用余额并冻结，余额不足返回 ErrInsufficientFunds
func (l *Ledger) Reserve(ctx context.Context, orderID, userID, asset string, amount decimal.Decimal) (*model.Reservation, error) {
	res := &model.Reservation{
		ReservationID: uuid.NewString(),
		OrderID:       orderID,
		UserID:        userID,
		Asset:         asset,
		Amount:        amount,
	}
	if err := l.store.LockBalance(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Release 退回冻结剩余部分，重复释放返回 ErrReservationReleased
func (l *Ledger) Release(ctx context.Context, reservationID string) (decimal.Decimal, error) {
	return l.store.UnlockBalance(ctx, reservationID, decimal.Zero)
}

// Deposit 入金，仅管理端与测试使用
func (l *Ledger) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit must be positive", model.ErrInvalidOrder)
	}
	if reason == "" {
		reason = model.ReasonDeposit
	}
	return l.store.AdjustBalance(ctx, userID, asset, amount, reason, "")
}

// Requirement 下单需要冻结的币种与数量；refPrice 为限价单价格或市价单的参考价
func Requirement(pair *model.TradingPair, order *model.Order, refPrice, slippage decimal.Decimal) (string, decimal.Decimal) {
	feeFactor := one.Add(pair.MaxFeeRate())
	if !pair.Kind.IsDerivative() {
		if order.Side == model.SideSell {
			return pair.Base, order.Amount
		}
		price := refPrice
		if order.Type == model.OrderTypeMarket {
			price = refPrice.Mul(one.Add(slippage))
		}
		return pair.Quote, price.Mul(order.Amount).Mul(feeFactor)
	}
	if order.ReduceOnly() {
		return pair.MarginAsset(), decimal.Zero
	}
	notional := refPrice.Mul(order.Amount)
	lev := order.Derivative.Leverage
	return pair.MarginAsset(), notional.Div(lev).Add(notional.Mul(pair.MaxFeeRate()))
}

// reserveError 衍生品冻结失败统一报保证金不足
func reserveError(pair *model.TradingPair, err error) error {
	if pair.Kind.IsDerivative() && errors.Is(err, model.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %v", model.ErrInsufficientMargin, err)
	}
	return err
}
