package engine

import (
	"github.com/emirpasic/gods/v2/maps/treemap"
	"github.com/shopspring/decimal"

	"gridsettle/internal/model"
)

// OrderEntry is a resting order in the book.
type OrderEntry struct {
	OrderID   string
	UserID    string
	Side      model.Side
	Price     decimal.Decimal
	Remaining decimal.Decimal
	Seq       int64
}

// Level is a price level with a FIFO queue of orders.
type Level struct {
	Price  decimal.Decimal
	Orders []*OrderEntry
}

func (l *Level) TotalQty() decimal.Decimal {
	t := decimal.Zero
	for _, o := range l.Orders {
		t = t.Add(o.Remaining)
	}
	return t
}

// Match represents a potential fill against a resting order, computed
// without mutating the book (peek semantics) so the caller can run the DB
// transaction before committing it.
type Match struct {
	Entry     *OrderEntry
	FillQty   decimal.Decimal
	FillPrice decimal.Decimal
}

func decimalAsc(a, b decimal.Decimal) int  { return a.Cmp(b) }
func decimalDesc(a, b decimal.Decimal) int { return b.Cmp(a) }

// OrderBook is an in-memory price-time-priority limit order book for a
// single market. Bids are ordered descending (best = highest price), asks
// ascending (best = lowest price), using emirpasic/gods/v2's red-black-tree
// treemap so insert/remove stays O(log n) as resting price levels grow,
// rather than paying an O(n) slice insert/shift on every new price.
type OrderBook struct {
	bids  *treemap.Map[decimal.Decimal, *Level]
	asks  *treemap.Map[decimal.Decimal, *Level]
	index map[string]*OrderEntry
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:  treemap.NewWith[decimal.Decimal, *Level](decimalDesc),
		asks:  treemap.NewWith[decimal.Decimal, *Level](decimalAsc),
		index: make(map[string]*OrderEntry),
	}
}

// ── Queries ──────────────────────────────────────────

func (b *OrderBook) BestBid() *decimal.Decimal {
	if k, _, ok := b.bids.Min(); ok {
		p := k
		return &p
	}
	return nil
}

func (b *OrderBook) BestAsk() *decimal.Decimal {
	if k, _, ok := b.asks.Min(); ok {
		p := k
		return &p
	}
	return nil
}

func (b *OrderBook) Size() int { return len(b.index) }

func (b *OrderBook) Snapshot(depth int) (bids, asks []model.BookLevel) {
	i := 0
	b.bids.Each(func(price decimal.Decimal, level *Level) {
		if i >= depth {
			return
		}
		bids = append(bids, model.BookLevel{Price: price, Volume: level.TotalQty()})
		i++
	})
	i = 0
	b.asks.Each(func(price decimal.Decimal, level *Level) {
		if i >= depth {
			return
		}
		asks = append(asks, model.BookLevel{Price: price, Volume: level.TotalQty()})
		i++
	})
	if bids == nil {
		bids = []model.BookLevel{}
	}
	if asks == nil {
		asks = []model.BookLevel{}
	}
	return
}

// ── Add / Remove ─────────────────────────────────────

func (b *OrderBook) Add(e *OrderEntry) {
	if _, exists := b.index[e.OrderID]; exists {
		return
	}
	b.index[e.OrderID] = e
	side := b.sideMap(e.Side)
	level, ok := side.Get(e.Price)
	if !ok {
		level = &Level{Price: e.Price}
		side.Put(e.Price, level)
	}
	level.Orders = append(level.Orders, e)
}

func (b *OrderBook) Remove(orderID string) *OrderEntry {
	e, ok := b.index[orderID]
	if !ok {
		return nil
	}
	delete(b.index, orderID)
	side := b.sideMap(e.Side)
	level, ok := side.Get(e.Price)
	if !ok {
		return e
	}
	for i, o := range level.Orders {
		if o.OrderID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		side.Remove(e.Price)
	}
	return e
}

func (b *OrderBook) sideMap(side model.Side) *treemap.Map[decimal.Decimal, *Level] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// ── Matching ─────────────────────────────────────────

// FindMatches walks the opposing side in price-time priority and returns
// potential fills without mutating the book, so the caller can run the
// settlement transaction before committing the book mutation.
func (b *OrderBook) FindMatches(side model.Side, limitPrice *decimal.Decimal, maxQty decimal.Decimal, excludeUserID string) []Match {
	var matches []Match
	rem := maxQty

	opposing := b.asks
	if side == model.SideSell {
		opposing = b.bids
	}

	opposing.Each(func(price decimal.Decimal, level *Level) {
		if rem.LessThanOrEqual(decimal.Zero) {
			return
		}
		if limitPrice != nil {
			if side == model.SideBuy && price.GreaterThan(*limitPrice) {
				return
			}
			if side == model.SideSell && price.LessThan(*limitPrice) {
				return
			}
		}
		for _, entry := range level.Orders {
			if rem.LessThanOrEqual(decimal.Zero) {
				break
			}
			if entry.UserID == excludeUserID {
				continue
			}
			fq := decimal.Min(rem, entry.Remaining)
			matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: price})
			rem = rem.Sub(fq)
		}
	})
	return matches
}

// ApplyFill reduces the remaining qty of a resting order, removing it from
// the book once fully filled. Returns the remaining qty after the fill.
func (b *OrderBook) ApplyFill(orderID string, fillQty decimal.Decimal) decimal.Decimal {
	e := b.index[orderID]
	if e == nil {
		return decimal.Zero
	}
	e.Remaining = e.Remaining.Sub(fillQty)
	if e.Remaining.LessThanOrEqual(decimal.Zero) {
		b.Remove(orderID)
		return decimal.Zero
	}
	return e.Remaining
}
