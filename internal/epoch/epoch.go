// Package epoch runs the fixed-cadence scheduler that rotates trading
// epochs: it ticks on EPOCH_TICK_SECONDS, and once an epoch's end_at has
// passed it performs one discrete clearing pass (computing the midpoint
// clearing price over whatever crossed book remains), closes it, and opens
// the next one. Exactly one epoch is ever "open" — enforced both here and
// by the database's partial unique index. Continuous price-time-priority
// matching runs throughout the epoch (internal/engine); this discrete pass
// is purely an end-of-epoch safety net over whatever remains crossed.
package epoch

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gridsettle/internal/db"
	"gridsettle/internal/engine"
	"gridsettle/internal/model"
)

// fullDepth is passed to Engine.Snapshot when the clearing pass needs every
// resting level, not just the top of book.
const fullDepth = math.MaxInt32

type Scheduler struct {
	store    *db.Store
	mgr      *engine.Manager
	duration time.Duration
	tick     time.Duration
}

func NewScheduler(store *db.Store, mgr *engine.Manager, duration, tick time.Duration) *Scheduler {
	return &Scheduler{store: store, mgr: mgr, duration: duration, tick: tick}
}

// Run blocks ticking until ctx is cancelled; call it as a goroutine from
// cmd/server/main.go.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tickOnce(ctx); err != nil {
				log.Error().Err(err).Msg("epoch tick failed")
			}
		}
	}
}

// Bootstrap ensures exactly one epoch is open, creating the first one if the
// database is empty, and returns its ID so the caller can start the engine.
func (s *Scheduler) Bootstrap(ctx context.Context) (string, error) {
	open, err := s.store.GetOpenEpoch(ctx)
	if err != nil {
		return "", err
	}
	if open != nil {
		return open.ID, nil
	}
	now := time.Now()
	e, err := s.store.CreateEpoch(ctx, 1, now, now.Add(s.duration))
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *Scheduler) tickOnce(ctx context.Context) error {
	open, err := s.store.GetOpenEpoch(ctx)
	if err != nil || open == nil {
		return err
	}
	if time.Now().Before(open.End) {
		return nil
	}
	return s.rotate(ctx, open)
}

// ComputeClearing computes the discrete clearing price and volume for a book
// snapshot: a book is only crossable (and therefore produces a clearing
// price) once its best bid rises to meet or exceed its best ask. The price
// is the midpoint of best bid and best ask, rounded half-even to 9 places.
// The clearable volume is the smaller of the two sides' cumulative volume
// that would actually participate at that price: bid-side volume at prices
// at or above the best ask, and ask-side volume at prices at or below the
// best bid. Kept as a standalone pure function so the formula can be
// asserted without a live engine.
func ComputeClearing(snap model.BookSnapshot) (clearingPrice *decimal.Decimal, volume decimal.Decimal) {
	volume = decimal.Zero
	if snap.BestBid == nil || snap.BestAsk == nil || snap.BestBid.LessThan(*snap.BestAsk) {
		return nil, volume
	}
	mid := snap.BestBid.Add(*snap.BestAsk).Div(decimal.NewFromInt(2)).RoundBank(9)

	bidVolume := decimal.Zero
	for _, lvl := range snap.Bids {
		if lvl.Price.GreaterThanOrEqual(*snap.BestAsk) {
			bidVolume = bidVolume.Add(lvl.Volume)
		}
	}
	askVolume := decimal.Zero
	for _, lvl := range snap.Asks {
		if lvl.Price.LessThanOrEqual(*snap.BestBid) {
			askVolume = askVolume.Add(lvl.Volume)
		}
	}
	volume = decimal.Min(bidVolume, askVolume)
	return &mid, volume
}

// rotate performs the discrete clearing pass for the expiring epoch, closes
// it, and opens the next.
func (s *Scheduler) rotate(ctx context.Context, open *model.Epoch) error {
	eng := s.mgr.Current()
	var clearingPrice *decimal.Decimal
	var volume decimal.Decimal
	if eng != nil {
		snap := eng.Snapshot(fullDepth)
		clearingPrice, volume = ComputeClearing(snap)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	price := decimal.Zero
	if clearingPrice != nil {
		price = *clearingPrice
	}
	orders, err := s.store.GetOpenOrders(ctx, open.ID)
	if err != nil {
		return err
	}
	if err := db.RecordClearing(tx, open.ID, price, volume, int64(len(orders)), 0); err != nil {
		return err
	}

	next, err := db.CreateEpochTx(tx, open.Number+1, open.End, open.End.Add(s.duration))
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Int64("closed_epoch", open.Number).Int64("next_epoch", next.Number).Msg("epoch rotated")
	return s.mgr.StartEngine(ctx, next.ID)
}
