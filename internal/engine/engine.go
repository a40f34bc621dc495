// Package engine runs the continuous matching engine for the currently open
// epoch: one goroutine per epoch reading a command channel, so the order
// book is only ever touched from that one goroutine and needs no mutex of
// its own — one goroutine per trading epoch, each owning its own book.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"gridsettle/internal/apperr"
	"gridsettle/internal/db"
	"gridsettle/internal/escrow"
	"gridsettle/internal/model"
)

// PublishFunc broadcasts an event for the current epoch; wired to
// internal/events in cmd/server/main.go.
type PublishFunc func(epochID, msgType string, data any)

// FeeSchedule carries the platform's rate structure. cmd/server/main.go fills
// PlatformFeeRate from config and sets WheelingRate to a fixed 0.005.
type FeeSchedule struct {
	PlatformFeeRate decimal.Decimal
	WheelingRate    decimal.Decimal
}

func (f FeeSchedule) compute(total decimal.Decimal) (fee, wheeling, net decimal.Decimal) {
	fee = total.Mul(f.PlatformFeeRate).RoundBank(9)
	wheeling = total.Mul(f.WheelingRate).RoundBank(9)
	net = total.Sub(fee).Sub(wheeling)
	return
}

// ── Manager ──────────────────────────────────────────

// Manager owns exactly one running Engine at a time — the engine for
// whichever epoch is currently open. Only one epoch is ever open, so unlike
// a registry keyed by market, Manager only ever tracks a single current
// engine.
type Manager struct {
	mu      sync.RWMutex
	current *Engine

	store   *db.Store
	ledger  *escrow.Ledger
	publish PublishFunc
	fees    FeeSchedule
}

func NewManager(store *db.Store, ledger *escrow.Ledger, pub PublishFunc, fees FeeSchedule) *Manager {
	return &Manager{store: store, ledger: ledger, publish: pub, fees: fees}
}

// Boot starts the engine for whatever epoch is currently open, so a restart
// resumes exactly where the last run left off: open orders reload from the
// store and repopulate the in-memory book before any new order is accepted.
func (m *Manager) Boot(ctx context.Context, epochID string) error {
	return m.StartEngine(ctx, epochID)
}

func (m *Manager) StartEngine(ctx context.Context, epochID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.epochID == epochID {
		return nil
	}
	eng, err := newEngine(ctx, epochID, m.store, m.ledger, m.publish, m.fees)
	if err != nil {
		return fmt.Errorf("start engine for epoch %s: %w", epochID, err)
	}
	m.current = eng
	go eng.run(context.Background())
	log.Info().Str("epoch_id", epochID).Msg("engine started")
	return nil
}

// Current returns the engine for the presently open epoch, or nil if none
// has been started yet (e.g. before the first epoch is created).
func (m *Manager) Current() *Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ── Engine ───────────────────────────────────────────

type Engine struct {
	epochID string
	book    *OrderBook
	seq     int64
	cmdCh   chan command

	store   *db.Store
	ledger  *escrow.Ledger
	publish PublishFunc
	fees    FeeSchedule
}

func newEngine(ctx context.Context, epochID string, store *db.Store, ledger *escrow.Ledger, pub PublishFunc, fees FeeSchedule) (*Engine, error) {
	book := NewOrderBook()
	orders, err := store.GetOpenOrders(ctx, epochID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		o := &orders[i]
		book.Add(&OrderEntry{
			OrderID:   o.ID,
			UserID:    o.OwnerID,
			Side:      o.Side,
			Price:     o.LimitPrice,
			Remaining: o.Remaining(),
			Seq:       o.Seq,
		})
	}
	seq, err := store.MaxSeq(ctx, epochID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("epoch_id", epochID).Int("open_orders", len(orders)).Int64("seq", seq).Msg("engine loaded")
	return &Engine{
		epochID: epochID,
		book:    book,
		seq:     seq,
		cmdCh:   make(chan command, 256),
		store:   store,
		ledger:  ledger,
		publish: pub,
		fees:    fees,
	}, nil
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *Engine) nextSeq() int64 {
	e.seq++
	return e.seq
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *Engine) }

type placeCmd struct {
	req    model.PlaceOrderReq
	userID string
	ch     chan<- model.PlaceOrderResult
}

type cancelCmd struct {
	orderID  string
	userID   string
	terminal model.OrderState
	ch       chan<- error
}

type snapshotCmd struct {
	depth int
	ch    chan<- model.BookSnapshot
}

func (c placeCmd) exec(e *Engine)    { c.ch <- e.processOrder(c.userID, c.req) }
func (c cancelCmd) exec(e *Engine)   { c.ch <- e.cancelOrder(c.orderID, c.userID, c.terminal) }
func (c snapshotCmd) exec(e *Engine) { c.ch <- e.snapshot(c.depth) }

func (e *Engine) PlaceOrder(userID string, req model.PlaceOrderReq) model.PlaceOrderResult {
	ch := make(chan model.PlaceOrderResult, 1)
	e.cmdCh <- placeCmd{req: req, userID: userID, ch: ch}
	return <-ch
}

// CancelOrder terminates an order at the owner's request.
func (e *Engine) CancelOrder(orderID, userID string) error {
	return e.terminateOrder(orderID, userID, model.OrderCancelled)
}

// ExpireOrder terminates an order whose expires_at has passed. Collateral
// handling is identical to CancelOrder; only the recorded terminal state
// differs, so callers (and order history) can distinguish a deliberate
// cancellation from a lapsed one.
func (e *Engine) ExpireOrder(orderID, userID string) error {
	return e.terminateOrder(orderID, userID, model.OrderExpired)
}

func (e *Engine) terminateOrder(orderID, userID string, terminal model.OrderState) error {
	ch := make(chan error, 1)
	e.cmdCh <- cancelCmd{orderID: orderID, userID: userID, terminal: terminal, ch: ch}
	return <-ch
}

func (e *Engine) Snapshot(depth int) model.BookSnapshot {
	ch := make(chan model.BookSnapshot, 1)
	e.cmdCh <- snapshotCmd{depth: depth, ch: ch}
	return <-ch
}

func (e *Engine) snapshot(depth int) model.BookSnapshot {
	bids, asks := e.book.Snapshot(depth)
	snap := model.BookSnapshot{Bids: bids, Asks: asks, Ts: time.Now()}
	if bb := e.book.BestBid(); bb != nil {
		snap.BestBid = bb
	}
	if ba := e.book.BestAsk(); ba != nil {
		snap.BestAsk = ba
	}
	if snap.BestBid != nil && snap.BestAsk != nil {
		mid := snap.BestBid.Add(*snap.BestAsk).Div(decimal.NewFromInt(2)).RoundBank(9)
		spread := snap.BestAsk.Sub(*snap.BestBid)
		snap.Mid, snap.Spread = &mid, &spread
	}
	return snap
}

// reserve computes the amount and asset an order must lock at rest: BUY
// orders lock currency at their limit price, SELL orders lock energy.
func reserve(side model.Side, qty, price decimal.Decimal) (asset model.AssetType, amount decimal.Decimal) {
	if side == model.SideBuy {
		return model.AssetCurrency, qty.Mul(price)
	}
	return model.AssetEnergy, qty
}

// ── Process Order ────────────────────────────────────

func (e *Engine) processOrder(userID string, req model.PlaceOrderReq) model.PlaceOrderResult {
	reject := func(reason string) model.PlaceOrderResult {
		return model.PlaceOrderResult{State: model.OrderCancelled, Reason: reason}
	}

	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return reject("quantity must be positive")
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return reject("price must be positive")
	}

	limitPrice := req.Price
	matches := e.book.FindMatches(req.Side, &limitPrice, req.Quantity, userID)

	fillQty := decimal.Zero
	for _, m := range matches {
		fillQty = fillQty.Add(m.FillQty)
	}
	remaining := req.Quantity.Sub(fillQty)

	var state model.OrderState
	switch {
	case remaining.IsZero():
		state = model.OrderFilled
	case fillQty.GreaterThan(decimal.Zero):
		state = model.OrderPartial
	default:
		state = model.OrderOpen
	}

	orderID := uuid.New().String()
	seq := e.nextSeq()
	asset, reserveAmt := reserve(req.Side, req.Quantity, req.Price)

	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return reject("internal error")
	}
	defer tx.Rollback()

	order := &model.Order{
		ID: orderID, OwnerID: userID, Side: req.Side,
		Quantity: req.Quantity, LimitPrice: req.Price, Filled: decimal.Zero,
		State: state, EpochID: e.epochID, CertificateID: req.CertificateID,
		Seq: seq, ClientOrderID: req.ClientOrderID, ExpiresAt: req.ExpiresAt,
	}

	if err := e.ledger.Lock(tx, userID, orderID, asset, lockKind(req.Side), reserveAmt); err != nil {
		if apperr.Is(err, apperr.InsufficientFund) {
			return reject("insufficient available balance")
		}
		return reject("lock failed: " + err.Error())
	}
	if err := db.InsertOrder(tx, order); err != nil {
		return reject("order insert failed")
	}

	var trades []model.TradeMatch
	for _, m := range matches {
		tm, err := e.settleFill(tx, orderID, userID, req.Side, m)
		if err != nil {
			return reject("fill failed: " + err.Error())
		}
		trades = append(trades, *tm)
	}

	// Own reservation: release the portion attributable to the filled qty,
	// since that collateral has already changed hands above; whatever
	// remains stays locked backing the resting order. A buy order reserved
	// fillQty*req.Price (its own limit) at intake but may only owe less if
	// it crossed at a better (lower) resting price, so the unlock also
	// credits back the price-improvement difference; a sell's energy
	// reservation carries no price component, so it simply unwinds.
	filledReserveAsset, filledReserve := reserve(req.Side, fillQty, req.Price)
	if filledReserve.GreaterThan(decimal.Zero) {
		if filledReserveAsset == model.AssetCurrency {
			if err := db.AddLockedCurrency(tx, userID, filledReserve.Neg()); err != nil {
				return reject("unlock failed")
			}
			owed := decimal.Zero
			for _, t := range trades {
				owed = owed.Add(t.Total)
			}
			if improvement := filledReserve.Sub(owed); improvement.GreaterThan(decimal.Zero) {
				if err := db.AddBalanceCurrency(tx, userID, improvement); err != nil {
					return reject("unlock failed")
				}
			}
		} else {
			if err := db.AddLockedEnergy(tx, userID, filledReserve.Neg()); err != nil {
				return reject("unlock failed")
			}
		}
	}

	if fillQty.GreaterThan(decimal.Zero) {
		newState := state
		if err := db.UpdateOrderFill(tx, orderID, fillQty, newState); err != nil {
			return reject("order update failed")
		}
	}

	if err := tx.Commit(); err != nil {
		return reject("commit failed: " + err.Error())
	}

	if state == model.OrderOpen || state == model.OrderPartial {
		e.book.Add(&OrderEntry{
			OrderID: orderID, UserID: userID, Side: req.Side,
			Price: req.Price, Remaining: remaining, Seq: seq,
		})
	}

	e.broadcast(trades)
	return model.PlaceOrderResult{OrderID: orderID, State: state, Matches: trades}
}

func lockKind(side model.Side) model.EscrowKind {
	if side == model.SideBuy {
		return model.EscrowBuyLock
	}
	return model.EscrowSellLock
}

// settleFill applies one match: updates the resting (maker) order, moves
// collateral for both sides, records the trade and a pending settlement,
// and enqueues the blockchain task that will mirror the transfer on-chain.
func (e *Engine) settleFill(tx *sql.Tx, takerOrderID, takerUserID string, takerSide model.Side, m Match) (*model.TradeMatch, error) {
	maker := m.Entry
	e.book.ApplyFill(maker.OrderID, m.FillQty)

	makerNewRemaining := maker.Remaining
	makerState := model.OrderPartial
	if makerNewRemaining.LessThanOrEqual(decimal.Zero) {
		makerState = model.OrderFilled
	}
	makerOrder, err := e.store.GetOrder(context.Background(), maker.OrderID)
	if err != nil {
		return nil, err
	}
	newFilled := makerOrder.Filled.Add(m.FillQty)
	if err := db.UpdateOrderFill(tx, maker.OrderID, newFilled, makerState); err != nil {
		return nil, err
	}

	total := m.FillPrice.Mul(m.FillQty)
	fee, wheeling, net := e.fees.compute(total)

	var buyerID, sellerID, buyOrderID, sellOrderID string
	if takerSide == model.SideBuy {
		buyerID, sellerID = takerUserID, maker.UserID
		buyOrderID, sellOrderID = takerOrderID, maker.OrderID
	} else {
		buyerID, sellerID = maker.UserID, takerUserID
		buyOrderID, sellOrderID = maker.OrderID, takerOrderID
	}

	// Reserved collateral tied to the maker's own limit price unwinds here;
	// the taker's unwind happens once in processOrder after all fills.
	makerAsset, makerReserve := reserve(maker.Side, m.FillQty, maker.Price)
	if makerAsset == model.AssetCurrency {
		if err := db.AddLockedCurrency(tx, maker.UserID, makerReserve.Neg()); err != nil {
			return nil, err
		}
	} else {
		if err := db.AddLockedEnergy(tx, maker.UserID, makerReserve.Neg()); err != nil {
			return nil, err
		}
	}

	// The seller's energy and the buyer's currency were already debited from
	// their spendable balance when their order's reservation was locked (and
	// unwound from locked_* above) — only the receiving side's balance needs
	// crediting here: energy to the buyer, net currency to the seller.
	if err := db.AddBalanceEnergy(tx, buyerID, m.FillQty); err != nil {
		return nil, err
	}
	if err := db.AddBalanceCurrency(tx, sellerID, net); err != nil {
		return nil, err
	}

	trade := &model.TradeMatch{
		BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
		ExecPrice: m.FillPrice, ExecQuantity: m.FillQty, Total: total,
		EpochID: e.epochID, Seq: e.nextSeq(),
	}
	if err := db.InsertTrade(tx, trade); err != nil {
		return nil, err
	}

	settlement := &model.Settlement{
		TradeID: trade.ID, BuyerID: buyerID, SellerID: sellerID,
		BuyOrderID: buyOrderID, SellOrderID: sellOrderID,
		Quantity: m.FillQty, Price: m.FillPrice, Total: total,
		Fee: fee, Wheeling: wheeling, NetToSeller: net,
		State: model.SettlementPending,
	}
	if err := db.InsertSettlement(tx, settlement); err != nil {
		return nil, err
	}
	if fee.GreaterThan(decimal.Zero) {
		if err := db.AddPlatformRevenue(tx, settlement.ID, "platform_fee", fee, "trade "+trade.ID); err != nil {
			return nil, err
		}
	}
	if wheeling.GreaterThan(decimal.Zero) {
		if err := db.AddPlatformRevenue(tx, settlement.ID, "wheeling_charge", wheeling, "trade "+trade.ID); err != nil {
			return nil, err
		}
	}

	if _, err := db.EnqueueTask(tx, model.TaskSettlementTransfer, map[string]any{
		"settlement_id": settlement.ID,
	}); err != nil {
		return nil, err
	}

	return trade, nil
}

func (e *Engine) broadcast(trades []model.TradeMatch) {
	if e.publish == nil {
		return
	}
	snap := e.snapshot(20)
	e.publish(e.epochID, "book_snapshot", snap)
	for _, t := range trades {
		e.publish(e.epochID, "trade", t)
	}
}

// ── Cancel ───────────────────────────────────────────

// cancelOrder removes the remaining quantity from the book and refunds its
// reserved collateral: book mutation first, then the DB transaction. terminal
// is the state the order lands in: OrderCancelled for an owner-initiated
// cancel, OrderExpired for the background expiry sweep; the collateral
// unwind is identical either way.
func (e *Engine) cancelOrder(orderID, userID string, terminal model.OrderState) error {
	ctx := context.Background()
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil || o == nil {
		return apperr.New(apperr.NotFound, "order not found")
	}
	if o.OwnerID != userID {
		return apperr.New(apperr.Unauthorized, "not your order")
	}
	if o.State.Terminal() {
		return apperr.New(apperr.Conflict, "order not cancelable")
	}

	e.book.Remove(orderID)

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.TerminalOrder(tx, orderID, terminal); err != nil {
		return err
	}
	asset, remainingReserve := reserve(o.Side, o.Remaining(), o.LimitPrice)
	records, err := e.store.GetOrderEscrowRecords(ctx, orderID)
	if err != nil {
		return err
	}
	var recordID string
	for _, r := range records {
		if r.State == model.EscrowLocked {
			recordID = r.ID
			break
		}
	}
	if err := e.ledger.Refund(tx, userID, asset, remainingReserve, recordID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if e.publish != nil {
		e.publish(e.epochID, "book_snapshot", e.snapshot(20))
	}
	return nil
}
