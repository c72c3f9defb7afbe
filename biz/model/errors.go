package model

import (
	"errors"
	"fmt"
)

var (
	// 准入错误：在任何冻结之前同步返回
	ErrInvalidPair     = errors.New("invalid trading pair")
	ErrSizeOutOfBounds = errors.New("order size out of bounds")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrInvalidLeverage = errors.New("leverage out of bounds")
	ErrReduceOnly      = errors.New("reduce-only order would increase position")

	// 资源错误
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrNoMarkPrice        = errors.New("mark price unavailable")
	ErrFOKUnfillable      = errors.New("fill-or-kill order cannot be fully filled")

	ErrOrderNotFound       = errors.New("order not found")
	ErrAlreadyTerminal     = errors.New("order already terminal")
	ErrReservationReleased = errors.New("reservation already released")
	ErrConflict            = errors.New("concurrent modification")
	ErrEngineClosed        = errors.New("match engine closed")
)

// BalanceError 扣款失败时带上用户与币种，撮合据此判断是 maker 还是 taker 资金不足
type BalanceError struct {
	UserID string
	Asset  string
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for user %s", e.Asset, e.UserID)
}

func (e *BalanceError) Unwrap() error {
	return ErrInsufficientFunds
}
