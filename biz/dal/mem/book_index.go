package mem

import (
	"github.com/gogogo1024/cex-trade-core/biz/model"
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// bookKey 价格 + 到达序号，同价位内严格 FIFO
type bookKey struct {
	price decimal.Decimal
	seq   uint64
}

func keyOf(o *model.Order) bookKey {
	return bookKey{price: o.Price, seq: o.Seq}
}

func cmpSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// 跳表比较器：CalcScore 先比较，分数相同再调用 Compare，所以分数必须与 Compare 同序
type bidComparator struct{}

func (bidComparator) Compare(l, r interface{}) int {
	a, b := l.(bookKey), r.(bookKey)
	if c := b.price.Cmp(a.price); c != 0 {
		return c // 买单：价格高优先
	}
	return cmpSeq(a.seq, b.seq)
}

func (bidComparator) CalcScore(key interface{}) float64 {
	f, _ := key.(bookKey).price.Float64()
	return -f
}

type askComparator struct{}

func (askComparator) Compare(l, r interface{}) int {
	a, b := l.(bookKey), r.(bookKey)
	if c := a.price.Cmp(b.price); c != 0 {
		return c // 卖单：价格低优先
	}
	return cmpSeq(a.seq, b.seq)
}

func (askComparator) CalcScore(key interface{}) float64 {
	f, _ := key.(bookKey).price.Float64()
	return f
}

// bookIndex 一个交易对两侧的挂单索引，value 为订单ID
type bookIndex struct {
	bids *skiplist.SkipList
	asks *skiplist.SkipList
}

func newBookIndex() *bookIndex {
	return &bookIndex{
		bids: skiplist.New(bidComparator{}),
		asks: skiplist.New(askComparator{}),
	}
}

func (b *bookIndex) side(s model.Side) *skiplist.SkipList {
	if s == model.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *bookIndex) add(o *model.Order) {
	b.side(o.Side).Set(keyOf(o), o.OrderID)
}

func (b *bookIndex) remove(o *model.Order) {
	b.side(o.Side).Remove(keyOf(o))
}

// walk 按价格时间优先遍历，fn 返回 false 时停止
func (b *bookIndex) walk(s model.Side, fn func(orderID string) bool) {
	for elem := b.side(s).Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(string)) {
			return
		}
	}
}
