package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"gridsettle/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAddAndBestBidAsk(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", Side: model.SideBuy, Price: d("0.40"), Remaining: d("10"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", Side: model.SideBuy, Price: d("0.45"), Remaining: d("5"), Seq: 2})
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", Side: model.SideSell, Price: d("0.55"), Remaining: d("10"), Seq: 3})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", Side: model.SideSell, Price: d("0.60"), Remaining: d("5"), Seq: 4})

	if b.Size() != 4 {
		t.Fatalf("expected size 4, got %d", b.Size())
	}
	if bb := b.BestBid(); bb == nil || !bb.Equal(d("0.45")) {
		t.Fatalf("expected best bid 0.45, got %v", bb)
	}
	if ba := b.BestAsk(); ba == nil || !ba.Equal(d("0.55")) {
		t.Fatalf("expected best ask 0.55, got %v", ba)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", Side: model.SideSell, Price: d("0.50"), Remaining: d("3"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", Side: model.SideSell, Price: d("0.50"), Remaining: d("3"), Seq: 2})

	price := d("0.50")
	matches := b.FindMatches(model.SideBuy, &price, d("4"), "u1")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Entry.OrderID != "a1" {
		t.Fatalf("expected first match a1, got %s", matches[0].Entry.OrderID)
	}
	if !matches[0].FillQty.Equal(d("3")) {
		t.Fatalf("expected first fill 3, got %s", matches[0].FillQty)
	}
	if matches[1].Entry.OrderID != "a2" {
		t.Fatalf("expected second match a2, got %s", matches[1].Entry.OrderID)
	}
	if !matches[1].FillQty.Equal(d("1")) {
		t.Fatalf("expected second fill 1, got %s", matches[1].FillQty)
	}
}

func TestPartialFillAcrossLevels(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u2", Side: model.SideSell, Price: d("0.50"), Remaining: d("2"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", Side: model.SideSell, Price: d("0.55"), Remaining: d("3"), Seq: 2})
	b.Add(&OrderEntry{OrderID: "a3", UserID: "u2", Side: model.SideSell, Price: d("0.60"), Remaining: d("5"), Seq: 3})

	price := d("0.60")
	matches := b.FindMatches(model.SideBuy, &price, d("6"), "u1")
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.FillQty)
	}
	if !total.Equal(d("6")) {
		t.Fatalf("expected total fill 6, got %s", total)
	}
	if !matches[2].FillQty.Equal(d("1")) {
		t.Fatalf("expected partial fill 1 at 0.60, got %s", matches[2].FillQty)
	}
}

func TestSelfTradePreventionSkips(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", Side: model.SideSell, Price: d("0.50"), Remaining: d("5"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "a2", UserID: "u2", Side: model.SideSell, Price: d("0.55"), Remaining: d("5"), Seq: 2})

	price := d("0.99")
	matches := b.FindMatches(model.SideBuy, &price, d("3"), "u1") // excludeUserID=u1
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (skipping self), got %d", len(matches))
	}
	if matches[0].Entry.UserID != "u2" {
		t.Fatalf("expected match with u2, got %s", matches[0].Entry.UserID)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", Side: model.SideBuy, Price: d("0.50"), Remaining: d("5"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", Side: model.SideBuy, Price: d("0.50"), Remaining: d("3"), Seq: 2})

	removed := b.Remove("b1")
	if removed == nil || removed.OrderID != "b1" {
		t.Fatal("expected to remove b1")
	}
	if b.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", b.Size())
	}
	if bb := b.BestBid(); bb == nil || !bb.Equal(d("0.50")) {
		t.Fatal("best bid should still be 0.50")
	}
}

func TestRemoveLastAtLevel(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", Side: model.SideSell, Price: d("0.50"), Remaining: d("5"), Seq: 1})
	b.Remove("a1")

	if b.BestAsk() != nil {
		t.Fatal("expected no best ask after removing only order")
	}
	if b.Size() != 0 {
		t.Fatal("expected empty book")
	}
}

func TestApplyFillPartial(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", Side: model.SideSell, Price: d("0.50"), Remaining: d("10"), Seq: 1})

	rem := b.ApplyFill("a1", d("3"))
	if !rem.Equal(d("7")) {
		t.Fatalf("expected remaining 7, got %s", rem)
	}
	if b.Size() != 1 {
		t.Fatal("order should still be in book")
	}
}

func TestApplyFillFull(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "a1", UserID: "u1", Side: model.SideSell, Price: d("0.50"), Remaining: d("5"), Seq: 1})

	rem := b.ApplyFill("a1", d("5"))
	if !rem.IsZero() {
		t.Fatalf("expected remaining 0, got %s", rem)
	}
	if b.Size() != 0 {
		t.Fatal("order should be removed from book")
	}
}

func TestSnapshotDepth(t *testing.T) {
	b := NewOrderBook()
	for i := 1; i <= 5; i++ {
		price := decimal.NewFromInt(int64(40 + i)).Div(decimal.NewFromInt(100))
		b.Add(&OrderEntry{OrderID: "b" + string(rune('0'+i)), UserID: "u1", Side: model.SideBuy, Price: price, Remaining: d("1"), Seq: int64(i)})
	}
	for i := 1; i <= 5; i++ {
		price := decimal.NewFromInt(int64(50 + i)).Div(decimal.NewFromInt(100))
		b.Add(&OrderEntry{OrderID: "a" + string(rune('0'+i)), UserID: "u2", Side: model.SideSell, Price: price, Remaining: d("1"), Seq: int64(5 + i)})
	}

	bids, asks := b.Snapshot(3)
	if len(bids) != 3 {
		t.Fatalf("expected 3 bid levels, got %d", len(bids))
	}
	if len(asks) != 3 {
		t.Fatalf("expected 3 ask levels, got %d", len(asks))
	}
	if !bids[0].Price.Equal(d("0.45")) {
		t.Fatalf("expected top bid 0.45, got %s", bids[0].Price)
	}
	if !asks[0].Price.Equal(d("0.51")) {
		t.Fatalf("expected top ask 0.51, got %s", asks[0].Price)
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	b := NewOrderBook()
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", Side: model.SideBuy, Price: d("0.50"), Remaining: d("5"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", Side: model.SideBuy, Price: d("0.50"), Remaining: d("5"), Seq: 2})

	if b.Size() != 1 {
		t.Fatalf("expected size 1 (dup ignored), got %d", b.Size())
	}
}

func TestFindMatchesSellSide(t *testing.T) {
	b := NewOrderBook()

	b.Add(&OrderEntry{OrderID: "b1", UserID: "u1", Side: model.SideBuy, Price: d("0.60"), Remaining: d("5"), Seq: 1})
	b.Add(&OrderEntry{OrderID: "b2", UserID: "u1", Side: model.SideBuy, Price: d("0.55"), Remaining: d("5"), Seq: 2})

	// A sell crossing down to 0.55 matches the best bid (0.60) first.
	price := d("0.55")
	matches := b.FindMatches(model.SideSell, &price, d("8"), "u2")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if !matches[0].FillPrice.Equal(d("0.60")) {
		t.Fatalf("expected first fill at 0.60, got %s", matches[0].FillPrice)
	}
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(m.FillQty)
	}
	if !total.Equal(d("8")) {
		t.Fatalf("expected total 8, got %s", total)
	}
}
