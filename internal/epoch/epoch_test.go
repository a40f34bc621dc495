package epoch

import (
	"testing"

	"github.com/shopspring/decimal"

	"gridsettle/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeClearingRequiresCross(t *testing.T) {
	bid, ask := d("4.50"), d("5.00")
	snap := model.BookSnapshot{BestBid: &bid, BestAsk: &ask}

	price, vol := ComputeClearing(snap)
	if price != nil {
		t.Fatalf("expected no clearing price for a non-crossing book, got %v", price)
	}
	if !vol.IsZero() {
		t.Fatalf("expected zero volume for a non-crossing book, got %s", vol)
	}
}

func TestComputeClearingEqualBidAskCrosses(t *testing.T) {
	bid, ask := d("5.00"), d("5.00")
	snap := model.BookSnapshot{
		BestBid: &bid, BestAsk: &ask,
		Bids: []model.BookLevel{{Price: d("5.00"), Volume: d("10")}},
		Asks: []model.BookLevel{{Price: d("5.00"), Volume: d("10")}},
	}

	price, vol := ComputeClearing(snap)
	if price == nil || !price.Equal(d("5.00")) {
		t.Fatalf("expected clearing price 5.00, got %v", price)
	}
	if !vol.Equal(d("10")) {
		t.Fatalf("expected volume 10, got %s", vol)
	}
}

// TestComputeClearingVolumeIsMinOfParticipatingSides walks a book where the
// ask side has more depth willing to cross than the bid side: the clearable
// volume must be capped at the thinner (bid) side, and levels priced the
// wrong side of the opposing best must not count toward it even though
// they're resting.
func TestComputeClearingVolumeIsMinOfParticipatingSides(t *testing.T) {
	bid, ask := d("5.00"), d("4.80")
	snap := model.BookSnapshot{
		BestBid: &bid, BestAsk: &ask,
		Bids: []model.BookLevel{
			{Price: d("5.00"), Volume: d("10")},
			{Price: d("4.90"), Volume: d("15")}, // >= best ask (4.80): participates
			{Price: d("4.70"), Volume: d("100")}, // < best ask: does not participate
		},
		Asks: []model.BookLevel{
			{Price: d("4.80"), Volume: d("8")},
			{Price: d("4.95"), Volume: d("50")}, // <= best bid (5.00): participates
			{Price: d("5.10"), Volume: d("100")}, // > best bid: does not participate
		},
	}

	price, vol := ComputeClearing(snap)
	wantPrice := bid.Add(ask).Div(decimal.NewFromInt(2)).RoundBank(9)
	if price == nil || !price.Equal(wantPrice) {
		t.Fatalf("expected clearing price %s, got %v", wantPrice, price)
	}
	// bid-side participating volume: 10 + 15 = 25; ask-side: 8 + 50 = 58.
	// Clearable volume is the smaller of the two: 25.
	if !vol.Equal(d("25")) {
		t.Fatalf("expected clearable volume 25, got %s", vol)
	}
}

func TestComputeClearingRoundsHalfEvenTo9Places(t *testing.T) {
	// Midpoint of 5.000000000 and 5.000000001 is 5.0000000005, which sits
	// exactly on a tie at the 9th place -- RoundBank rounds to the even
	// neighbour 5.000000000 rather than up to 5.000000001.
	bid, ask := d("5.000000000"), d("5.000000001")
	snap := model.BookSnapshot{BestBid: &bid, BestAsk: &ask}

	price, _ := ComputeClearing(snap)
	if price == nil {
		t.Fatal("expected a clearing price")
	}
	want := bid.Add(ask).Div(decimal.NewFromInt(2)).RoundBank(9)
	if !price.Equal(want) {
		t.Fatalf("expected %s, got %s", want, price)
	}
	if price.Exponent() < -9 {
		t.Fatalf("expected at most 9 fractional digits, got exponent %d", price.Exponent())
	}
}

func TestComputeClearingNoBestBid(t *testing.T) {
	ask := d("5.00")
	snap := model.BookSnapshot{BestAsk: &ask}

	price, vol := ComputeClearing(snap)
	if price != nil {
		t.Fatalf("expected no clearing price without a best bid, got %v", price)
	}
	if !vol.IsZero() {
		t.Fatalf("expected zero volume, got %s", vol)
	}
}
