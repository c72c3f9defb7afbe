package mem

import (
	"context"
	"fmt"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

type reservationPlan struct {
	res     *model.Reservation
	consume decimal.Decimal
	release decimal.Decimal
}

// ApplyTrade 先校验全部前置条件，再一次性提交；校验失败时不修改任何状态
func (s *Store) ApplyTrade(_ context.Context, fx *model.TradeEffects) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range fx.Fills {
		o, ok := s.orders[f.OrderID]
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrOrderNotFound, f.OrderID)
		}
		if o.Version != f.Version || o.Status.Terminal() {
			return fmt.Errorf("%w: order %s version %d, expected %d", model.ErrConflict, f.OrderID, o.Version, f.Version)
		}
		if f.Filled.GreaterThan(o.Amount) {
			return fmt.Errorf("%w: order %s over-filled", model.ErrConflict, f.OrderID)
		}
	}

	for _, pc := range fx.Positions {
		p := pc.Position
		cur, ok := s.positions[positionKey{p.UserID, p.Symbol, p.Kind}]
		switch {
		case pc.Created && ok:
			return fmt.Errorf("%w: position %s %s already exists", model.ErrConflict, p.UserID, p.Key())
		case !pc.Created && (!ok || cur.Version != pc.Version):
			return fmt.Errorf("%w: position %s %s version changed", model.ErrConflict, p.UserID, p.Key())
		}
	}

	// 同一笔冻结可能在自成交里出现两次，按顺序累计
	plans := make([]reservationPlan, 0, len(fx.Reservations))
	left := make(map[string]decimal.Decimal)
	for _, u := range fx.Reservations {
		r, ok := s.reservations[u.ReservationID]
		if !ok || r.Status != model.ReservationActive {
			return fmt.Errorf("%w: %s", model.ErrReservationReleased, u.ReservationID)
		}
		remaining, seen := left[u.ReservationID]
		if !seen {
			remaining = r.Remaining
		}
		release := u.Release
		if u.ReleaseRest {
			release = remaining.Sub(u.Consume)
		}
		if u.Consume.IsNegative() || release.IsNegative() || u.Consume.Add(release).GreaterThan(remaining) {
			return fmt.Errorf("%w: reservation %s over-consumed", model.ErrConflict, u.ReservationID)
		}
		left[u.ReservationID] = remaining.Sub(u.Consume).Sub(release)
		plans = append(plans, reservationPlan{res: r, consume: u.Consume, release: release})
	}

	// 可用余额的最终结果不能为负
	avail := make(map[balanceKey]decimal.Decimal)
	current := func(k balanceKey) decimal.Decimal {
		if v, ok := avail[k]; ok {
			return v
		}
		if b, ok := s.balances[k]; ok {
			return b.Available
		}
		return decimal.Zero
	}
	for _, p := range plans {
		k := balanceKey{p.res.UserID, p.res.Asset}
		avail[k] = current(k).Add(p.release)
	}
	for _, d := range fx.Balances {
		k := balanceKey{d.UserID, d.Asset}
		avail[k] = current(k).Add(d.Delta)
	}
	for _, d := range fx.Balances {
		if d.Delta.IsNegative() && avail[balanceKey{d.UserID, d.Asset}].IsNegative() {
			return &model.BalanceError{UserID: d.UserID, Asset: d.Asset}
		}
	}

	now := nowMilli()
	tradeID := fx.Trade.TradeID

	for _, f := range fx.Fills {
		o := s.orders[f.OrderID]
		o.Filled = f.Filled
		o.Status = f.Status
		o.Version++
		o.UpdatedAt = now
		if o.Status.Terminal() && o.Type != model.OrderTypeMarket {
			s.book(o.Key()).remove(o)
		}
	}

	for _, p := range plans {
		r := p.res
		r.Remaining = r.Remaining.Sub(p.consume).Sub(p.release)
		if !r.Remaining.IsPositive() {
			r.Status = model.ReservationReleased
		}
		b := s.balance(r.UserID, r.Asset)
		b.Frozen = b.Frozen.Sub(p.consume).Sub(p.release)
		b.Available = b.Available.Add(p.release)
		b.Version++
		b.UpdatedAt = now
		if p.consume.IsPositive() {
			s.journal = append(s.journal, model.LedgerEntry{
				UserID: r.UserID, Asset: r.Asset, Delta: p.consume.Neg(), Reason: model.ReasonTrade, TradeID: tradeID, CreatedAt: now,
			})
		}
	}

	for _, d := range fx.Balances {
		b := s.balance(d.UserID, d.Asset)
		b.Available = b.Available.Add(d.Delta)
		b.Version++
		b.UpdatedAt = now
		s.journal = append(s.journal, model.LedgerEntry{
			UserID: d.UserID, Asset: d.Asset, Delta: d.Delta, Reason: d.Reason, TradeID: tradeID, CreatedAt: now,
		})
	}

	for _, pc := range fx.Positions {
		p := pc.Position
		p.Version = pc.Version + 1
		p.UpdatedAt = now
		s.positions[positionKey{p.UserID, p.Symbol, p.Kind}] = &p
	}

	s.trades = append(s.trades, fx.Trade)
	return nil
}
