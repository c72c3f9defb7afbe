package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/gogogo1024/cex-trade-core/biz/engine"
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/shopspring/decimal"
)

type EngineConfig struct {
	NodeID                string
	MatchWindow           int
	QueueSize             int
	ConflictRetries       int
	DepthLimit            int
	Slippage              decimal.Decimal
	FeeAccount            string
	MaintenanceMarginRate decimal.Decimal
}

func (c *EngineConfig) defaults() {
	if c.MatchWindow <= 0 {
		c.MatchWindow = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 3
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 50
	}
	if c.Slippage.IsNegative() {
		c.Slippage = decimal.Zero
	}
}

// IDGenerator 单调递增的订单号，同时作为到达序号
type IDGenerator func() (uint64, error)

type PlaceResult struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

type job struct {
	ctx  context.Context
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// MatchEngine 每个交易对一个撮合协程，下单、撤单、快照都在该协程里串行执行
type MatchEngine struct {
	store      Store
	registry   *Registry
	ledger     *Ledger
	settlement *Settlement
	marks      MarkPriceSource
	nextID     IDGenerator
	cfg        EngineConfig
	sequencer  BookSequencer
	books      sync.Map // model.PairKey -> *model.OrderBook

	tradeSinks []TradeSink
	bookSinks  []BookSink

	// 每个交易对一个撮合队列
	orderQueues map[model.PairKey]chan *job
	mu          sync.RWMutex
	closed      bool
	quit        chan struct{} // Close 时关闭，通知 worker 排空队列后退出
	stopped     chan struct{} // 全部 worker 退出后关闭
	wg          sync.WaitGroup
}

func NewMatchEngine(store Store, registry *Registry, marks MarkPriceSource, nextID IDGenerator, cfg EngineConfig) *MatchEngine {
	cfg.defaults()
	return &MatchEngine{
		store:       store,
		registry:    registry,
		ledger:      NewLedger(store),
		settlement:  NewSettlement(store, cfg.NodeID, cfg.FeeAccount, cfg.MaintenanceMarginRate),
		marks:       marks,
		nextID:      nextID,
		cfg:         cfg,
		orderQueues: make(map[model.PairKey]chan *job),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// AddTradeSink 注册成交下游，需在开始接单前调用
func (e *MatchEngine) AddTradeSink(s TradeSink) {
	e.tradeSinks = append(e.tradeSinks, s)
}

func (e *MatchEngine) AddBookSink(s BookSink) {
	e.bookSinks = append(e.bookSinks, s)
}

func (e *MatchEngine) Ledger() *Ledger {
	return e.ledger
}

// submit 把任务放进交易对队列并等待执行结果；任务开始前 ctx 已取消则不执行。
// 入队时不持有锁，某个交易对队列满只阻塞该交易对的调用方
func (e *MatchEngine) submit(ctx context.Context, k model.PairKey, name string, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, name: name, fn: fn, done: make(chan error, 1)}

	queue, err := e.queue(k)
	if err != nil {
		return err
	}
	select {
	case queue <- j:
	case <-e.quit:
		return model.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-e.stopped:
		// worker 已全部退出，没有结果说明任务未被执行
		select {
		case err := <-j.done:
			return err
		default:
			return model.ErrEngineClosed
		}
	}
}

// queue 返回交易对的撮合队列，首次使用时启动 worker
func (e *MatchEngine) queue(k model.PairKey) (chan *job, error) {
	e.mu.RLock()
	queue, ok := e.orderQueues[k]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, model.ErrEngineClosed
	}
	if ok {
		return queue, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, model.ErrEngineClosed
	}
	if queue, ok = e.orderQueues[k]; !ok {
		queue = make(chan *job, e.cfg.QueueSize)
		e.orderQueues[k] = queue
		e.wg.Add(1)
		// 启动独立撮合 worker goroutine
		go e.matchWorker(k, queue)
	}
	return queue, nil
}

func (e *MatchEngine) matchWorker(k model.PairKey, queue chan *job) {
	defer e.wg.Done()
	hlog.Infof("撮合线程启动, pair=%s, engine_id=%s", k, e.cfg.NodeID)
	for {
		select {
		case j := <-queue:
			queueDepth.WithLabelValues(k.String()).Set(float64(len(queue)))
			e.runJob(k, j)
		case <-e.quit:
			// 退出前执行完已入队的任务
			for {
				select {
				case j := <-queue:
					e.runJob(k, j)
				default:
					hlog.Infof("撮合线程退出, pair=%s", k)
					return
				}
			}
		}
	}
}

func (e *MatchEngine) runJob(k model.PairKey, j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			hlog.Errorf("撮合线程panic, pair=%s, job=%s, err=%v, stack=%s", k, j.name, r, debug.Stack())
			err = fmt.Errorf("match engine panic: %v", r)
		}
		matchLatency.WithLabelValues(k.String(), j.name).Observe(time.Since(start).Seconds())
		j.done <- err
	}()
	// 已开始的任务一定执行完，不再受调用方取消影响
	err = j.fn(context.WithoutCancel(j.ctx))
}

// PlaceOrder 校验、冻结、落库、撮合，返回订单最终状态与本次产生的成交
func (e *MatchEngine) PlaceOrder(ctx context.Context, req *OrderRequest) (*PlaceResult, error) {
	pair, err := e.registry.Validate(ctx, req)
	if err != nil {
		ordersTotal.WithLabelValues(model.PairKey{Symbol: req.Symbol, Kind: req.Kind}.String(), "invalid").Inc()
		return nil, err
	}
	var res *PlaceResult
	err = e.submit(ctx, pair.Key(), "place", func(ctx context.Context) error {
		var err error
		res, err = e.place(ctx, pair, req)
		return err
	})
	switch {
	case err != nil:
		ordersTotal.WithLabelValues(pair.Key().String(), "error").Inc()
	case res != nil:
		ordersTotal.WithLabelValues(pair.Key().String(), string(res.Order.Status)).Inc()
	}
	return res, err
}

func (e *MatchEngine) place(ctx context.Context, pair *model.TradingPair, req *OrderRequest) (*PlaceResult, error) {
	id, err := e.nextID()
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}
	now := time.Now().UnixMilli()
	order := &model.Order{
		OrderID:     strconv.FormatUint(id, 10),
		Seq:         id,
		UserID:      req.UserID,
		Symbol:      pair.Symbol,
		Kind:        pair.Kind,
		Side:        req.Side,
		Status:      model.OrderStatusOpen,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Price:       req.Price,
		Amount:      req.Amount,
		Filled:      decimal.Zero,
		Liquidation: req.Liquidation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t, ok := req.Terms.(model.DerivativeTerms); ok {
		order.Derivative = &t
	}

	ref := order.Price
	if order.Type == model.OrderTypeMarket && needsMark(pair, order) {
		if e.marks == nil {
			return nil, fmt.Errorf("%w: no mark price source", model.ErrNoMarkPrice)
		}
		mark, err := e.marks.MarkPrice(ctx, pair.Symbol, pair.Kind)
		if err != nil {
			if !errors.Is(err, model.ErrNoMarkPrice) {
				err = fmt.Errorf("%w: %v", model.ErrNoMarkPrice, err)
			}
			return nil, err
		}
		ref = mark
	}
	if order.Kind.IsDerivative() && !order.ReduceOnly() {
		order.ReservePrice = ref
	}

	if order.ReduceOnly() {
		closeable, err := e.settlement.Closeable(ctx, order)
		if err != nil {
			return nil, err
		}
		if closeable.LessThan(order.Amount) {
			return nil, fmt.Errorf("%w: closeable %s < %s", model.ErrReduceOnly, closeable, order.Amount)
		}
	}

	asset, amount := Requirement(pair, order, ref, e.cfg.Slippage)
	if amount.IsPositive() {
		res, err := e.ledger.Reserve(ctx, order.OrderID, order.UserID, asset, amount)
		if err != nil {
			return nil, reserveError(pair, err)
		}
		order.ReservationID = res.ReservationID
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		if order.ReservationID != "" {
			if _, rerr := e.ledger.Release(ctx, order.ReservationID); rerr != nil {
				hlog.Errorf("订单落库失败后释放冻结失败, order_id=%s, err=%v", order.OrderID, rerr)
			}
		}
		return nil, err
	}
	hlog.Debugf("订单受理, order_id=%s, pair=%s, side=%s, type=%s, price=%s, amount=%s",
		order.OrderID, pair.Key(), order.Side, order.Type, order.Price, order.Amount)

	if order.TimeInForce == model.TimeInForceFOK {
		liquidity, err := e.crossingLiquidity(ctx, order)
		if err == nil && liquidity.LessThan(order.Amount) {
			err = model.ErrFOKUnfillable
		}
		if err != nil {
			rejected, cerr := e.store.CancelOrder(ctx, order.OrderID, model.OrderStatusRejected)
			if cerr != nil {
				hlog.Errorf("FOK 订单拒绝失败, order_id=%s, err=%v", order.OrderID, cerr)
				return nil, err
			}
			e.publishBook(ctx, pair.Key())
			return &PlaceResult{Order: *rejected}, err
		}
	}

	trades, halted, err := e.match(ctx, pair, order)
	if len(trades) > 0 {
		e.publishTrades(trades)
	}
	if err != nil {
		hlog.Errorf("撮合中断, order_id=%s, trades=%d, err=%v", order.OrderID, len(trades), err)
		e.publishBook(ctx, pair.Key())
		return &PlaceResult{Order: *order, Trades: trades}, err
	}

	cancelRest := halted || order.Type == model.OrderTypeMarket ||
		order.TimeInForce == model.TimeInForceIOC || order.TimeInForce == model.TimeInForceFOK
	if cancelRest && !order.Status.Terminal() {
		cancelled, err := e.store.CancelOrder(ctx, order.OrderID, model.OrderStatusCancelled)
		if err != nil {
			hlog.Errorf("撤销剩余数量失败, order_id=%s, err=%v", order.OrderID, err)
		} else {
			order = cancelled
		}
	}
	e.publishBook(ctx, pair.Key())
	return &PlaceResult{Order: *order, Trades: trades}, nil
}

// needsMark 市价单没有价格，冻结按标记价格估算
func needsMark(pair *model.TradingPair, order *model.Order) bool {
	if pair.Kind.IsDerivative() {
		return !order.ReduceOnly()
	}
	return order.Side == model.SideBuy
}

// crossingLiquidity 对手方可与该订单成交的挂单总量，够了就提前返回
func (e *MatchEngine) crossingLiquidity(ctx context.Context, order *model.Order) (decimal.Decimal, error) {
	cands, err := e.store.OpenOrders(ctx, order.Symbol, order.Kind, order.Side.Opposite(), 0)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for i := range cands {
		c := &cands[i]
		buy, sell := order, c
		if order.Side == model.SideSell {
			buy, sell = c, order
		}
		if !model.Crosses(buy, sell) {
			break
		}
		total = total.Add(c.Remaining())
		if total.GreaterThanOrEqual(order.Amount) {
			break
		}
	}
	return total, nil
}

// match 按价格时间优先与对手方成交；halted 为 true 表示吃单方无法继续（资金不足或只减仓已无仓可减）
func (e *MatchEngine) match(ctx context.Context, pair *model.TradingPair, taker *model.Order) (trades []model.Trade, halted bool, err error) {
	conflicts, cancelFailures := 0, 0
	// 撤销挂单失败后会重新读到同一挂单，失败次数与版本冲突共用上限
	cancelMaker := func(maker *model.Order, reason string) error {
		if err := e.cancelMaker(ctx, maker, reason); err != nil {
			cancelFailures++
			if cancelFailures > e.cfg.ConflictRetries {
				return err
			}
		}
		return nil
	}
	label := pair.Key().String()
	for taker.Remaining().IsPositive() {
		cands, err := e.store.OpenOrders(ctx, pair.Symbol, pair.Kind, taker.Side.Opposite(), e.cfg.MatchWindow)
		if err != nil {
			return trades, false, err
		}
		if len(cands) == 0 {
			return trades, false, nil
		}
		progressed := false
	window:
		for i := range cands {
			maker := &cands[i]
			if !taker.Remaining().IsPositive() {
				break
			}
			if !maker.Remaining().IsPositive() || maker.OrderID == taker.OrderID {
				continue
			}
			buy, sell := taker, maker
			if taker.Side == model.SideSell {
				buy, sell = maker, taker
			}
			if !model.Crosses(buy, sell) {
				return trades, false, nil
			}

			amount := decimal.Min(taker.Remaining(), maker.Remaining())
			if taker.ReduceOnly() {
				c, err := e.settlement.Closeable(ctx, taker)
				if err != nil {
					return trades, false, err
				}
				if !c.IsPositive() {
					return trades, true, nil
				}
				amount = decimal.Min(amount, c)
			}
			if maker.ReduceOnly() {
				c, err := e.settlement.Closeable(ctx, maker)
				if err != nil {
					return trades, false, err
				}
				if !c.IsPositive() {
					if err := cancelMaker(maker, "只减仓单已无仓位"); err != nil {
						return trades, false, err
					}
					progressed = true
					continue
				}
				amount = decimal.Min(amount, c)
			}

			price := model.Earlier(taker, maker).Price
			fx, err := e.settlement.Build(ctx, pair, taker, maker, price, amount)
			if err != nil {
				return trades, false, err
			}
			err = e.store.ApplyTrade(ctx, fx)
			var be *model.BalanceError
			switch {
			case err == nil:
				fill := fx.Fills[0]
				taker.Filled = fill.Filled
				taker.Status = fill.Status
				taker.Version++
				taker.UpdatedAt = fx.Trade.Timestamp
				trades = append(trades, fx.Trade)
				tradesTotal.WithLabelValues(label).Inc()
				progressed = true
				hlog.Debugf("成交, trade_id=%s, pair=%s, price=%s, amount=%s, taker=%s, maker=%s",
					fx.Trade.TradeID, label, price, amount, taker.OrderID, maker.OrderID)
			case errors.Is(err, model.ErrConflict):
				conflicts++
				conflictsTotal.WithLabelValues(label).Inc()
				if conflicts > e.cfg.ConflictRetries {
					return trades, false, err
				}
				hlog.Warnf("成交版本冲突, 重新读取对手盘, pair=%s, attempt=%d, err=%v", label, conflicts, err)
				progressed = true
				break window
			case errors.As(err, &be) && be.UserID == maker.UserID && maker.UserID != taker.UserID:
				if err := cancelMaker(maker, be.Error()); err != nil {
					return trades, false, err
				}
				progressed = true
			case errors.As(err, &be):
				hlog.Warnf("吃单方资金不足, 停止撮合, order_id=%s, err=%v", taker.OrderID, err)
				return trades, true, nil
			default:
				return trades, false, err
			}
		}
		if !progressed {
			return trades, false, nil
		}
	}
	return trades, false, nil
}

func (e *MatchEngine) cancelMaker(ctx context.Context, maker *model.Order, reason string) error {
	if _, err := e.store.CancelOrder(ctx, maker.OrderID, model.OrderStatusCancelled); err != nil && !errors.Is(err, model.ErrAlreadyTerminal) {
		hlog.Errorf("撤销挂单失败, order_id=%s, err=%v", maker.OrderID, err)
		return fmt.Errorf("cancel maker %s: %w", maker.OrderID, err)
	}
	hlog.Warnf("挂单被撤销, order_id=%s, user=%s, reason=%s", maker.OrderID, maker.UserID, reason)
	return nil
}

// CancelOrder 撤单与撮合走同一队列，排在撮合之后的撤单看到的是撮合后的状态
func (e *MatchEngine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && o.UserID != userID {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	var res *model.Order
	err = e.submit(ctx, o.Key(), "cancel", func(ctx context.Context) error {
		var err error
		if res, err = e.store.CancelOrder(ctx, orderID, model.OrderStatusCancelled); err != nil {
			return err
		}
		hlog.Infof("撤单成功, order_id=%s, pair=%s", orderID, o.Key())
		e.publishBook(ctx, o.Key())
		return nil
	})
	return res, err
}

// GetOrderBook 返回撮合协程最近一次生成的快照，没有时在协程里生成一次
func (e *MatchEngine) GetOrderBook(ctx context.Context, symbol string, kind model.MarketKind, depth int) (*model.OrderBook, error) {
	pair, err := e.registry.Lookup(ctx, symbol, kind)
	if err != nil {
		return nil, err
	}
	k := pair.Key()
	if v, ok := e.books.Load(k); ok {
		return truncateBook(v.(*model.OrderBook), depth), nil
	}
	var book *model.OrderBook
	err = e.submit(ctx, k, "snapshot", func(ctx context.Context) error {
		var err error
		book, err = e.refreshBook(ctx, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return truncateBook(book, depth), nil
}

func (e *MatchEngine) refreshBook(ctx context.Context, k model.PairKey) (*model.OrderBook, error) {
	book, err := Snapshot(ctx, e.store, &e.sequencer, k, 0)
	if err != nil {
		return nil, err
	}
	e.books.Store(k, book)
	return book, nil
}

func truncateBook(b *model.OrderBook, depth int) *model.OrderBook {
	c := *b
	if depth > 0 {
		if len(c.Bids) > depth {
			c.Bids = c.Bids[:depth]
		}
		if len(c.Asks) > depth {
			c.Asks = c.Asks[:depth]
		}
	}
	return &c
}

// publishBook 只在撮合协程内调用
func (e *MatchEngine) publishBook(ctx context.Context, k model.PairKey) {
	book, err := e.refreshBook(ctx, k)
	if err != nil {
		hlog.Errorf("生成订单簿快照失败, pair=%s, err=%v", k, err)
		return
	}
	if len(e.bookSinks) == 0 {
		return
	}
	out := truncateBook(book, e.cfg.DepthLimit)
	for _, s := range e.bookSinks {
		sink := s
		dispatch(func() { sink.PublishBook(context.Background(), out) })
	}
}

// publishTrades 成交已提交后才通知下游
func (e *MatchEngine) publishTrades(trades []model.Trade) {
	for _, s := range e.tradeSinks {
		sink := s
		dispatch(func() { sink.PublishTrades(context.Background(), trades) })
	}
}

// dispatch 推送协程池未初始化时同步执行
func dispatch(fn func()) {
	if engine.BroadcastPool == nil {
		fn()
		return
	}
	if err := engine.BroadcastPool.Submit(fn); err != nil {
		hlog.Warnf("推送任务提交失败, 同步执行, err=%v", err)
		fn()
	}
}

// Close 停止接单，等待队列中的任务执行完
func (e *MatchEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()
	e.wg.Wait()
	close(e.stopped)
	hlog.Infof("撮合引擎已关闭")
}
