package service

import (
	"context"
	"errors"
	"time"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement 把一次撮合转换成 TradeEffects，本身不写存储
type Settlement struct {
	store      Store
	engineID   string
	feeAccount string
	mmr        decimal.Decimal
}

func NewSettlement(store Store, engineID, feeAccount string, mmr decimal.Decimal) *Settlement {
	if feeAccount == "" {
		feeAccount = model.FeeAccount
	}
	if !mmr.IsPositive() {
		mmr = DefaultMaintenanceMarginRate
	}
	return &Settlement{store: store, engineID: engineID, feeAccount: feeAccount, mmr: mmr}
}

// leg 成交的一侧
type leg struct {
	order *model.Order
	taker bool
	fee   decimal.Decimal
	fill  model.OrderFill
}

func (s *Settlement) legs(pair *model.TradingPair, taker, maker *model.Order, price, amount decimal.Decimal) (buy, sell *leg) {
	mk := func(o *model.Order, isTaker bool) *leg {
		rate := pair.MakerFeeRate
		if isTaker {
			rate = pair.TakerFeeRate
		}
		filled := o.Filled.Add(amount)
		return &leg{
			order: o,
			taker: isTaker,
			fee:   price.Mul(amount).Mul(rate),
			fill: model.OrderFill{
				OrderID: o.OrderID,
				Version: o.Version,
				Filled:  filled,
				Status:  model.FillStatus(o.Amount, filled),
			},
		}
	}
	t, m := mk(taker, true), mk(maker, false)
	if taker.Side == model.SideBuy {
		return t, m
	}
	return m, t
}

// Build 生成一次成交的全部账务影响；price 为先到订单的价格
func (s *Settlement) Build(ctx context.Context, pair *model.TradingPair, taker, maker *model.Order, price, amount decimal.Decimal) (*model.TradeEffects, error) {
	buy, sell := s.legs(pair, taker, maker, price, amount)
	takerLeg, makerLeg := buy, sell
	if !buy.taker {
		takerLeg, makerLeg = sell, buy
	}
	fx := &model.TradeEffects{
		Trade: model.Trade{
			TradeID:      uuid.NewString(),
			Symbol:       pair.Symbol,
			Kind:         pair.Kind,
			BuyOrderID:   buy.order.OrderID,
			SellOrderID:  sell.order.OrderID,
			TakerOrderID: taker.OrderID,
			MakerOrderID: maker.OrderID,
			BuyerID:      buy.order.UserID,
			SellerID:     sell.order.UserID,
			Price:        price,
			Amount:       amount,
			TakerSide:    taker.Side,
			Fee:          takerLeg.fee,
			MakerFee:     makerLeg.fee,
			FeeAsset:     pair.Quote,
			Liquidation:  taker.Liquidation || maker.Liquidation,
			SelfTrade:    buy.order.UserID == sell.order.UserID,
			EngineID:     s.engineID,
			Timestamp:    time.Now().UnixMilli(),
		},
		Fills: []model.OrderFill{takerLeg.fill, makerLeg.fill},
	}
	if taker.Derivative != nil {
		fx.Trade.Leverage = taker.Derivative.Leverage
	}

	var err error
	if pair.Kind.IsDerivative() {
		err = s.buildDerivative(ctx, fx, pair, price, amount, buy, sell)
	} else {
		err = s.buildSpot(ctx, fx, pair, price, amount, buy, sell)
	}
	if err != nil {
		return nil, err
	}
	if fees := buy.fee.Add(sell.fee); fees.IsPositive() {
		fx.Balances = append(fx.Balances, model.BalanceDelta{
			UserID: s.feeAccount, Asset: pair.Quote, Delta: fees, Reason: model.ReasonFee,
		})
	}
	return fx, nil
}

// consume 从冻结里扣 need，不够的部分返回 shortfall 由可用余额承担。
// portion 为负表示不按比例，只扣不退；否则 portion 内扣剩的部分立即释放
func (s *Settlement) consume(ctx context.Context, fx *model.TradeEffects, l *leg, need, portion decimal.Decimal) (decimal.Decimal, error) {
	if l.order.ReservationID == "" {
		return need, nil
	}
	res, err := s.store.GetReservation(ctx, l.order.ReservationID)
	if errors.Is(err, model.ErrReservationReleased) {
		return need, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if res.Status != model.ReservationActive {
		return need, nil
	}
	limit := res.Remaining
	prorated := !portion.IsNegative()
	if prorated && portion.LessThan(limit) {
		limit = portion
	}
	used := decimal.Min(need, limit)
	use := model.ReservationUse{ReservationID: res.ReservationID, Consume: used}
	if l.fill.Status == model.OrderStatusFilled {
		use.ReleaseRest = true
	} else if surplus := limit.Sub(used); prorated && surplus.IsPositive() {
		use.Release = surplus
	}
	if use.Consume.IsPositive() || use.Release.IsPositive() || use.ReleaseRest {
		fx.Reservations = append(fx.Reservations, use)
	}
	return need.Sub(used), nil
}

func (s *Settlement) buildSpot(ctx context.Context, fx *model.TradeEffects, pair *model.TradingPair, price, amount decimal.Decimal, buy, sell *leg) error {
	quote := price.Mul(amount)

	// 买方：冻结计价币支付成交额与手续费，收到基础币
	shortfall, err := s.consume(ctx, fx, buy, quote.Add(buy.fee), decimal.NewFromInt(-1))
	if err != nil {
		return err
	}
	if shortfall.IsPositive() {
		fx.Balances = append(fx.Balances, model.BalanceDelta{
			UserID: buy.order.UserID, Asset: pair.Quote, Delta: shortfall.Neg(), Reason: model.ReasonTrade,
		})
	}
	fx.Balances = append(fx.Balances, model.BalanceDelta{
		UserID: buy.order.UserID, Asset: pair.Base, Delta: amount, Reason: model.ReasonTrade,
	})

	// 卖方：冻结基础币交付，收到成交额扣除手续费
	shortfall, err = s.consume(ctx, fx, sell, amount, decimal.NewFromInt(-1))
	if err != nil {
		return err
	}
	if shortfall.IsPositive() {
		fx.Balances = append(fx.Balances, model.BalanceDelta{
			UserID: sell.order.UserID, Asset: pair.Base, Delta: shortfall.Neg(), Reason: model.ReasonTrade,
		})
	}
	fx.Balances = append(fx.Balances, model.BalanceDelta{
		UserID: sell.order.UserID, Asset: pair.Quote, Delta: quote, Reason: model.ReasonTrade,
	})
	if sell.fee.IsPositive() {
		fx.Balances = append(fx.Balances, model.BalanceDelta{
			UserID: sell.order.UserID, Asset: pair.Quote, Delta: sell.fee.Neg(), Reason: model.ReasonFee,
		})
	}
	return nil
}

func (s *Settlement) buildDerivative(ctx context.Context, fx *model.TradeEffects, pair *model.TradingPair, price, amount decimal.Decimal, buy, sell *leg) error {
	asset := pair.MarginAsset()
	type tracked struct {
		pos     *model.Position
		version int64
		created bool
	}
	positions := make(map[string]*tracked)
	var order []string
	load := func(userID string) (*tracked, error) {
		if t, ok := positions[userID]; ok {
			return t, nil
		}
		p, err := s.store.GetPosition(ctx, userID, pair.Symbol, pair.Kind)
		if err != nil {
			return nil, err
		}
		t := &tracked{}
		if p == nil {
			t.created = true
			t.pos = &model.Position{
				UserID: userID, Symbol: pair.Symbol, Kind: pair.Kind,
				Size: decimal.Zero, EntryPrice: decimal.Zero, Margin: decimal.Zero,
				RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero, MarkPrice: decimal.Zero,
			}
		} else {
			t.pos, t.version = p, p.Version
		}
		positions[userID] = t
		order = append(order, userID)
		return t, nil
	}

	for _, l := range []*leg{buy, sell} {
		t, err := load(l.order.UserID)
		if err != nil {
			return err
		}
		pf := applyFill(t.pos, l.order, price, amount, s.mmr)

		portion := decimal.Zero
		if l.order.ReservationID != "" && l.order.Amount.IsPositive() {
			res, err := s.store.GetReservation(ctx, l.order.ReservationID)
			if err != nil && !errors.Is(err, model.ErrReservationReleased) {
				return err
			}
			if res != nil {
				portion = res.Amount.Mul(amount).Div(l.order.Amount)
			}
		}
		shortfall, err := s.consume(ctx, fx, l, pf.margin.Add(l.fee), portion)
		if err != nil {
			return err
		}
		if pf.payout.IsPositive() {
			fx.Balances = append(fx.Balances, model.BalanceDelta{
				UserID: l.order.UserID, Asset: asset, Delta: pf.payout, Reason: model.ReasonRealizedPnL,
			})
		}
		if shortfall.IsPositive() {
			fx.Balances = append(fx.Balances, model.BalanceDelta{
				UserID: l.order.UserID, Asset: asset, Delta: shortfall.Neg(), Reason: model.ReasonMargin,
			})
		}
	}

	for _, userID := range order {
		t := positions[userID]
		fx.Positions = append(fx.Positions, model.PositionChange{
			Position: *t.pos,
			Version:  t.version,
			Created:  t.created,
		})
	}
	return nil
}

// Closeable 只减仓订单当前最多还能成交的数量
func (s *Settlement) Closeable(ctx context.Context, order *model.Order) (decimal.Decimal, error) {
	p, err := s.store.GetPosition(ctx, order.UserID, order.Symbol, order.Kind)
	if err != nil || p == nil || !p.Open() {
		return decimal.Zero, err
	}
	if p.Side.CloseSide() != order.Side {
		return decimal.Zero, nil
	}
	return decimal.Min(p.Size, order.Remaining()), nil
}
