package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store Postgres 存储：写路径走 GORM 事务，盘口热读走 pgx 连接池
type Store struct {
	pool *pgxpool.Pool
	db   *gorm.DB
}

func NewStore(pool *pgxpool.Pool, db *gorm.DB) *Store {
	return &Store{pool: pool, db: db}
}

var liveStatuses = []model.OrderStatus{model.OrderStatusOpen, model.OrderStatusPartial}

const orderColumns = `order_id, seq, user_id, symbol, kind, side, status, type, time_in_force,
	price::text, amount::text, filled::text, COALESCE(reservation_id, ''), COALESCE(reserve_price, 0)::text,
	COALESCE(leverage, 0)::text, COALESCE(margin_mode, ''), COALESCE(reduce_only, false),
	liquidation, version, created_at, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o                                             model.Order
		price, amount, filled, reservePrice, leverage string
		marginMode                                    string
		reduceOnly                                    bool
	)
	err := row.Scan(&o.OrderID, &o.Seq, &o.UserID, &o.Symbol, &o.Kind, &o.Side, &o.Status, &o.Type, &o.TimeInForce,
		&price, &amount, &filled, &o.ReservationID, &reservePrice,
		&leverage, &marginMode, &reduceOnly,
		&o.Liquidation, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Price, price}, {&o.Amount, amount}, {&o.Filled, filled}, {&o.ReservePrice, reservePrice}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return o, err
		}
	}
	if o.Kind.IsDerivative() {
		lev, err := decimal.NewFromString(leverage)
		if err != nil {
			return o, err
		}
		o.Derivative = &model.DerivativeTerms{Leverage: lev, MarginMode: model.MarginMode(marginMode), ReduceOnly: reduceOnly}
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// normalize GORM 读出的现货单会带一个空的嵌入结构，这里去掉
func normalize(o *model.Order) {
	if !o.Kind.IsDerivative() {
		o.Derivative = nil
	}
}

func (s *Store) CreateOrder(ctx context.Context, order *model.Order) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(order)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: duplicate order %s", model.ErrConflict, order.OrderID)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	normalize(&order)
	return &order, nil
}

// OpenOrders 买单价格降序、卖单价格升序，同价按 seq 先后
func (s *Store) OpenOrders(ctx context.Context, symbol string, kind model.MarketKind, side model.Side, limit int) ([]model.Order, error) {
	dir := "ASC"
	if side == model.SideBuy {
		dir = "DESC"
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	sql := `SELECT ` + orderColumns + ` FROM orders
		WHERE symbol = $1 AND kind = $2 AND side = $3 AND status IN ('open', 'partial') AND type <> 'market'
		ORDER BY price ` + dir + `, seq ASC LIMIT $4`
	rows, err := s.pool.Query(ctx, sql, symbol, string(kind), string(side), lim)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListOpenOrders 两侧挂单在同一条语句里读取，得到一致快照
func (s *Store) ListOpenOrders(ctx context.Context, symbol string, kind model.MarketKind) ([]model.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders
		WHERE symbol = $1 AND kind = $2 AND status IN ('open', 'partial') AND type <> 'market'
		ORDER BY side, seq`
	rows, err := s.pool.Query(ctx, sql, symbol, string(kind))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) ListUserOrders(ctx context.Context, userID, symbol string, kind model.MarketKind) ([]model.Order, error) {
	var orders []model.Order
	db := s.db.WithContext(ctx).Model(&model.Order{}).Where("user_id = ?", userID)
	if symbol != "" {
		db = db.Where("symbol = ?", symbol)
	}
	if kind != "" {
		db = db.Where("kind = ?", kind)
	}
	if err := db.Order("seq asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	for i := range orders {
		normalize(&orders[i])
	}
	return orders, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, status model.OrderStatus) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("order_id = ?", orderID).First(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", model.ErrAlreadyTerminal, orderID, order.Status)
		}
		if order.ReservationID != "" {
			if _, err := unlockTx(tx, order.ReservationID, decimal.Zero); err != nil && !errors.Is(err, model.ErrReservationReleased) {
				return err
			}
		}
		now := time.Now().UnixMilli()
		err = tx.Model(&model.Order{}).Where("order_id = ?", orderID).Updates(map[string]interface{}{
			"status":     status,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}).Error
		if err != nil {
			return err
		}
		order.Status = status
		order.Version++
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	normalize(&order)
	return &order, nil
}

func (s *Store) GetPair(ctx context.Context, symbol string, kind model.MarketKind) (*model.TradingPair, error) {
	var pair model.TradingPair
	err := s.db.WithContext(ctx).Where("symbol = ? AND kind = ?", symbol, kind).First(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s:%s", model.ErrInvalidPair, symbol, kind)
	}
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (s *Store) ListPairs(ctx context.Context) ([]model.TradingPair, error) {
	var pairs []model.TradingPair
	err := s.db.WithContext(ctx).Order("symbol, kind").Find(&pairs).Error
	return pairs, err
}

// SavePair 按主键覆盖交易对配置
func (s *Store) SavePair(ctx context.Context, pair *model.TradingPair) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(pair).Error
}
