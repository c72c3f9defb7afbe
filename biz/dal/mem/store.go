// Package mem 进程内存储，所有写操作在一把锁内完成，读返回副本
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	userID string
	asset  string
}

type positionKey struct {
	userID string
	symbol string
	kind   model.MarketKind
}

type Store struct {
	mu           sync.RWMutex
	pairs        map[model.PairKey]model.TradingPair
	orders       map[string]*model.Order
	books        map[model.PairKey]*bookIndex
	balances     map[balanceKey]*model.Balance
	reservations map[string]*model.Reservation
	positions    map[positionKey]*model.Position
	trades       []model.Trade
	journal      []model.LedgerEntry
}

func NewStore() *Store {
	return &Store{
		pairs:        make(map[model.PairKey]model.TradingPair),
		orders:       make(map[string]*model.Order),
		books:        make(map[model.PairKey]*bookIndex),
		balances:     make(map[balanceKey]*model.Balance),
		reservations: make(map[string]*model.Reservation),
		positions:    make(map[positionKey]*model.Position),
	}
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func cloneOrder(o *model.Order) model.Order {
	c := *o
	if o.Derivative != nil {
		d := *o.Derivative
		c.Derivative = &d
	}
	return c
}

// SavePair 新增或覆盖交易对配置
func (s *Store) SavePair(_ context.Context, pair *model.TradingPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair.Key()] = *pair
	return nil
}

func (s *Store) GetPair(_ context.Context, symbol string, kind model.MarketKind) (*model.TradingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[model.PairKey{Symbol: symbol, Kind: kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", model.ErrInvalidPair, symbol, kind)
	}
	return &p, nil
}

func (s *Store) ListPairs(_ context.Context) ([]model.TradingPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.TradingPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key().String() < res[j].Key().String() })
	return res, nil
}

// balance 调用方持有写锁
func (s *Store) balance(userID, asset string) *model.Balance {
	k := balanceKey{userID, asset}
	b, ok := s.balances[k]
	if !ok {
		b = &model.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Frozen: decimal.Zero}
		s.balances[k] = b
	}
	return b
}

func (s *Store) GetBalance(_ context.Context, userID, asset string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[balanceKey{userID, asset}]; ok {
		c := *b
		return &c, nil
	}
	return &model.Balance{UserID: userID, Asset: asset, Available: decimal.Zero, Frozen: decimal.Zero}, nil
}

func (s *Store) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Balance
	for k, b := range s.balances {
		if k.userID == userID {
			res = append(res, *b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Asset < res[j].Asset })
	return res, nil
}

func (s *Store) LockBalance(_ context.Context, res *model.Reservation) error {
	if !res.Amount.IsPositive() {
		return fmt.Errorf("%w: reservation amount must be positive", model.ErrInvalidOrder)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reservations[res.ReservationID]; ok {
		return fmt.Errorf("%w: duplicate reservation %s", model.ErrConflict, res.ReservationID)
	}
	b := s.balance(res.UserID, res.Asset)
	if b.Available.LessThan(res.Amount) {
		return &model.BalanceError{UserID: res.UserID, Asset: res.Asset}
	}
	b.Available = b.Available.Sub(res.Amount)
	b.Frozen = b.Frozen.Add(res.Amount)
	b.Version++
	b.UpdatedAt = nowMilli()

	r := *res
	r.Remaining = res.Amount
	r.Status = model.ReservationActive
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMilli()
	}
	s.reservations[r.ReservationID] = &r
	*res = r
	return nil
}

func (s *Store) UnlockBalance(_ context.Context, reservationID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlock(reservationID, amount)
}

// unlock 调用方持有写锁
func (s *Store) unlock(reservationID string, amount decimal.Decimal) (decimal.Decimal, error) {
	r, ok := s.reservations[reservationID]
	if !ok || r.Status != model.ReservationActive {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrReservationReleased, reservationID)
	}
	release := r.Remaining
	if amount.IsPositive() && amount.LessThan(release) {
		release = amount
	}
	r.Remaining = r.Remaining.Sub(release)
	if !r.Remaining.IsPositive() {
		r.Status = model.ReservationReleased
	}
	b := s.balance(r.UserID, r.Asset)
	b.Frozen = b.Frozen.Sub(release)
	b.Available = b.Available.Add(release)
	b.Version++
	b.UpdatedAt = nowMilli()
	return release, nil
}

func (s *Store) GetReservation(_ context.Context, reservationID string) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrReservationReleased, reservationID)
	}
	c := *r
	return &c, nil
}

func (s *Store) AdjustBalance(_ context.Context, userID, asset string, delta decimal.Decimal, reason, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, asset)
	next := b.Available.Add(delta)
	if next.IsNegative() {
		return &model.BalanceError{UserID: userID, Asset: asset}
	}
	b.Available = next
	b.Version++
	b.UpdatedAt = nowMilli()
	s.journal = append(s.journal, model.LedgerEntry{
		UserID: userID, Asset: asset, Delta: delta, Reason: reason, TradeID: tradeID, CreatedAt: nowMilli(),
	})
	return nil
}

// Journal 余额流水副本
func (s *Store) Journal() []model.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LedgerEntry(nil), s.journal...)
}

func (s *Store) book(k model.PairKey) *bookIndex {
	b, ok := s.books[k]
	if !ok {
		b = newBookIndex()
		s.books[k] = b
	}
	return b
}

func (s *Store) CreateOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return fmt.Errorf("%w: duplicate order %s", model.ErrConflict, order.OrderID)
	}
	o := cloneOrder(order)
	s.orders[o.OrderID] = &o
	if !o.Status.Terminal() && o.Type != model.OrderTypeMarket {
		s.book(o.Key()).add(&o)
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	c := cloneOrder(o)
	return &c, nil
}

func (s *Store) OpenOrders(_ context.Context, symbol string, kind model.MarketKind, side model.Side, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[model.PairKey{Symbol: symbol, Kind: kind}]
	if !ok {
		return nil, nil
	}
	var res []model.Order
	b.walk(side, func(id string) bool {
		res = append(res, cloneOrder(s.orders[id]))
		return limit <= 0 || len(res) < limit
	})
	return res, nil
}

func (s *Store) ListOpenOrders(_ context.Context, symbol string, kind model.MarketKind) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[model.PairKey{Symbol: symbol, Kind: kind}]
	if !ok {
		return nil, nil
	}
	var res []model.Order
	collect := func(id string) bool {
		res = append(res, cloneOrder(s.orders[id]))
		return true
	}
	b.walk(model.SideBuy, collect)
	b.walk(model.SideSell, collect)
	return res, nil
}

func (s *Store) ListUserOrders(_ context.Context, userID, symbol string, kind model.MarketKind) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if kind != "" && o.Kind != kind {
			continue
		}
		res = append(res, cloneOrder(o))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrAlreadyTerminal, orderID, o.Status)
	}
	if o.ReservationID != "" {
		if r, ok := s.reservations[o.ReservationID]; ok && r.Status == model.ReservationActive {
			if _, err := s.unlock(o.ReservationID, decimal.Zero); err != nil {
				return nil, err
			}
		}
	}
	if o.Type != model.OrderTypeMarket {
		s.book(o.Key()).remove(o)
	}
	o.Status = status
	o.Version++
	o.UpdatedAt = nowMilli()
	c := cloneOrder(o)
	return &c, nil
}

func (s *Store) ListTrades(_ context.Context, symbol string, kind model.MarketKind, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		if kind != "" && t.Kind != kind {
			continue
		}
		res = append(res, t)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *Store) GetPosition(_ context.Context, userID, symbol string, kind model.MarketKind) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{userID, symbol, kind}]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *Store) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Position
	for k, p := range s.positions {
		if k.userID == userID && p.Open() {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key().String() < res[j].Key().String() })
	return res, nil
}

func (s *Store) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Position
	for _, p := range s.positions {
		if p.Open() {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UserID != res[j].UserID {
			return res[i].UserID < res[j].UserID
		}
		return res[i].Key().String() < res[j].Key().String()
	})
	return res, nil
}

func (s *Store) UpdateMark(_ context.Context, userID, symbol string, kind model.MarketKind, mark, unrealized decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionKey{userID, symbol, kind}]
	if !ok {
		return nil
	}
	p.MarkPrice = mark
	p.UnrealizedPnL = unrealized
	return nil
}
