// Package db is the Postgres-backed ledger: users/balances, orders, trades,
// settlements, escrow records, epochs, and the blockchain task queue. Built
// on plain database/sql plus golang-migrate. Multi-statement write paths run
// inside an explicit transaction so balance and order-state changes commit
// atomically; single-statement writes (Deposit, CreateUser, the task
// Complete/Retry/DeadLetter updates) run directly on the pool.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"gridsettle/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	sdb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	sdb.SetMaxOpenConns(20)
	sdb.SetConnMaxLifetime(5 * time.Minute)
	if err := sdb.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: sdb}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Users / balances ─────────────────────────────────

func (s *Store) CreateUser(ctx context.Context) (string, error) {
	id := uuid.New().String()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1)`, id)
	return id, err
}

func (s *Store) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	b := &model.UserBalance{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, balance, energy_balance, locked_amount, locked_energy FROM users WHERE id=$1`, userID,
	).Scan(&b.UserID, &b.Currency, &b.Energy, &b.LockedCurrency, &b.LockedEnergy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s *Store) GetBalanceForUpdate(tx *sql.Tx, userID string) (*model.UserBalance, error) {
	b := &model.UserBalance{}
	err := tx.QueryRow(
		`SELECT id, balance, energy_balance, locked_amount, locked_energy FROM users WHERE id=$1 FOR UPDATE`, userID,
	).Scan(&b.UserID, &b.Currency, &b.Energy, &b.LockedCurrency, &b.LockedEnergy)
	return b, err
}

func (s *Store) Deposit(ctx context.Context, userID string, amount decimal.Decimal, asset model.AssetType) error {
	col := "balance"
	if asset == model.AssetEnergy {
		col = "energy_balance"
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s = %s + $1 WHERE id=$2`, col, col), amount, userID)
	return err
}

func AddLockedCurrency(tx *sql.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET locked_amount = locked_amount + $1 WHERE id=$2`, delta, userID)
	return err
}

func AddBalanceCurrency(tx *sql.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET balance = balance + $1 WHERE id=$2`, delta, userID)
	return err
}

func AddLockedEnergy(tx *sql.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET locked_energy = locked_energy + $1 WHERE id=$2`, delta, userID)
	return err
}

func AddBalanceEnergy(tx *sql.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET energy_balance = energy_balance + $1 WHERE id=$2`, delta, userID)
	return err
}

// LockCurrency and LockEnergy move amount out of spendable balance and into
// the matching locked counter in one statement, mirroring lock_funds in the
// original service: balance and locked_amount move in lockstep so their sum
// never changes at lock time.
func LockCurrency(tx *sql.Tx, userID string, amount decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET balance = balance - $1, locked_amount = locked_amount + $1 WHERE id=$2`, amount, userID)
	return err
}

// UnlockCurrency and UnlockEnergy reverse a lock in full, crediting amount
// back to spendable balance while draining the locked counter, mirroring
// unlock_funds.
func UnlockCurrency(tx *sql.Tx, userID string, amount decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET balance = balance + $1, locked_amount = locked_amount - $1 WHERE id=$2`, amount, userID)
	return err
}

func LockEnergy(tx *sql.Tx, userID string, amount decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET energy_balance = energy_balance - $1, locked_energy = locked_energy + $1 WHERE id=$2`, amount, userID)
	return err
}

func UnlockEnergy(tx *sql.Tx, userID string, amount decimal.Decimal) error {
	_, err := tx.Exec(`UPDATE users SET energy_balance = energy_balance + $1, locked_energy = locked_energy - $1 WHERE id=$2`, amount, userID)
	return err
}

// ── Epochs ───────────────────────────────────────────

func (s *Store) CreateEpoch(ctx context.Context, number int64, start, end time.Time) (*model.Epoch, error) {
	e := &model.Epoch{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO epochs (number, start_at, end_at) VALUES ($1,$2,$3)
		 RETURNING id, number, start_at, end_at, state, clearing_price, total_volume, total_orders, matched_orders`,
		number, start, end,
	).Scan(&e.ID, &e.Number, &e.Start, &e.End, &e.State, &e.ClearingPrice, &e.TotalVolume, &e.TotalOrders, &e.MatchedOrders)
	return e, err
}

func CreateEpochTx(tx *sql.Tx, number int64, start, end time.Time) (*model.Epoch, error) {
	e := &model.Epoch{}
	err := tx.QueryRow(
		`INSERT INTO epochs (number, start_at, end_at) VALUES ($1,$2,$3)
		 RETURNING id, number, start_at, end_at, state, clearing_price, total_volume, total_orders, matched_orders`,
		number, start, end,
	).Scan(&e.ID, &e.Number, &e.Start, &e.End, &e.State, &e.ClearingPrice, &e.TotalVolume, &e.TotalOrders, &e.MatchedOrders)
	return e, err
}

func (s *Store) GetOpenEpoch(ctx context.Context) (*model.Epoch, error) {
	e := &model.Epoch{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, number, start_at, end_at, state, clearing_price, total_volume, total_orders, matched_orders
		 FROM epochs WHERE state='open' ORDER BY number DESC LIMIT 1`,
	).Scan(&e.ID, &e.Number, &e.Start, &e.End, &e.State, &e.ClearingPrice, &e.TotalVolume, &e.TotalOrders, &e.MatchedOrders)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Store) GetEpoch(ctx context.Context, id string) (*model.Epoch, error) {
	e := &model.Epoch{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, number, start_at, end_at, state, clearing_price, total_volume, total_orders, matched_orders
		 FROM epochs WHERE id=$1`, id,
	).Scan(&e.ID, &e.Number, &e.Start, &e.End, &e.State, &e.ClearingPrice, &e.TotalVolume, &e.TotalOrders, &e.MatchedOrders)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Store) ListEpochHistory(ctx context.Context, limit int) ([]model.Epoch, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, number, start_at, end_at, state, clearing_price, total_volume, total_orders, matched_orders
		 FROM epochs ORDER BY number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Epoch
	for rows.Next() {
		var e model.Epoch
		if err := rows.Scan(&e.ID, &e.Number, &e.Start, &e.End, &e.State, &e.ClearingPrice, &e.TotalVolume, &e.TotalOrders, &e.MatchedOrders); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func TransitionEpoch(tx *sql.Tx, epochID string, state model.EpochState) error {
	_, err := tx.Exec(`UPDATE epochs SET state=$1 WHERE id=$2`, state, epochID)
	return err
}

func RecordClearing(tx *sql.Tx, epochID string, price decimal.Decimal, volume decimal.Decimal, totalOrders, matchedOrders int64) error {
	_, err := tx.Exec(
		`UPDATE epochs SET clearing_price=$1, total_volume=$2, total_orders=$3, matched_orders=$4, state='cleared' WHERE id=$5`,
		price, volume, totalOrders, matchedOrders, epochID,
	)
	return err
}

// ── Orders ───────────────────────────────────────────

func InsertOrder(tx *sql.Tx, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := tx.Exec(
		`INSERT INTO orders (id,user_id,side,quantity,price,filled_amount,state,epoch_id,certificate_id,seq,client_order_id,expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.OwnerID, o.Side, o.Quantity, o.LimitPrice, o.Filled, o.State, o.EpochID, o.CertificateID, o.Seq, o.ClientOrderID, o.ExpiresAt,
	)
	return err
}

func UpdateOrderFill(tx *sql.Tx, orderID string, filled decimal.Decimal, state model.OrderState) error {
	_, err := tx.Exec(
		`UPDATE orders SET filled_amount=$1, state=$2, updated_at=now() WHERE id=$3`,
		filled, state, orderID,
	)
	return err
}

func TerminalOrder(tx *sql.Tx, orderID string, state model.OrderState) error {
	_, err := tx.Exec(`UPDATE orders SET state=$1, updated_at=now() WHERE id=$2`, state, orderID)
	return err
}

func (s *Store) GetOpenOrders(ctx context.Context, epochID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,user_id,side,quantity,price,filled_amount,state,epoch_id,certificate_id,seq,client_order_id,created_at,expires_at,updated_at
		 FROM orders WHERE epoch_id=$1 AND state IN ('open','partial') ORDER BY seq`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id,user_id,side,quantity,price,filled_amount,state,epoch_id,certificate_id,seq,client_order_id,created_at,expires_at,updated_at
		 FROM orders WHERE id=$1`, id)
	o := &model.Order{}
	err := row.Scan(&o.ID, &o.OwnerID, &o.Side, &o.Quantity, &o.LimitPrice, &o.Filled, &o.State, &o.EpochID, &o.CertificateID, &o.Seq, &o.ClientOrderID, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetUserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,user_id,side,quantity,price,filled_amount,state,epoch_id,certificate_id,seq,client_order_id,created_at,expires_at,updated_at
		 FROM orders WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetExpiredOrders(ctx context.Context, asOf time.Time) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,user_id,side,quantity,price,filled_amount,state,epoch_id,certificate_id,seq,client_order_id,created_at,expires_at,updated_at
		 FROM orders WHERE state IN ('open','partial') AND expires_at < $1`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) MaxSeq(ctx context.Context, epochID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM (
			SELECT seq FROM orders WHERE epoch_id=$1
			UNION ALL SELECT seq FROM trades WHERE epoch_id=$1
		 ) t`, epochID,
	).Scan(&seq)
	return seq, err
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.Side, &o.Quantity, &o.LimitPrice, &o.Filled, &o.State, &o.EpochID, &o.CertificateID, &o.Seq, &o.ClientOrderID, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ── Trades ───────────────────────────────────────────

func InsertTrade(tx *sql.Tx, t *model.TradeMatch) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := tx.Exec(
		`INSERT INTO trades (id,buy_order_id,sell_order_id,quantity,price,total,epoch_id,seq)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.BuyOrderID, t.SellOrderID, t.ExecQuantity, t.ExecPrice, t.Total, t.EpochID, t.Seq,
	)
	return err
}

func (s *Store) ListTrades(ctx context.Context, userID string, limit int) ([]model.TradeMatch, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT tr.id, tr.buy_order_id, tr.sell_order_id, tr.quantity, tr.price, tr.total, tr.epoch_id, tr.seq, tr.matched_at
		 FROM trades tr JOIN orders bo ON bo.id=tr.buy_order_id JOIN orders so ON so.id=tr.sell_order_id
		 WHERE bo.user_id=$1 OR so.user_id=$1 ORDER BY tr.matched_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TradeMatch
	for rows.Next() {
		var t model.TradeMatch
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.ExecQuantity, &t.ExecPrice, &t.Total, &t.EpochID, &t.Seq, &t.MatchedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ── Escrow ───────────────────────────────────────────

func InsertEscrowRecord(tx *sql.Tx, r *model.EscrowRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := tx.Exec(
		`INSERT INTO escrow_records (id,user_id,order_id,asset_type,amount,kind,state,description)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.OwnerID, r.OrderID, r.Asset, r.Amount, r.Kind, r.State, r.Description,
	)
	return err
}

func TransitionEscrow(tx *sql.Tx, id string, state model.EscrowState, description string) error {
	_, err := tx.Exec(
		`UPDATE escrow_records SET state=$1, description=$2, updated_at=now() WHERE id=$3`,
		state, description, id,
	)
	return err
}

func (s *Store) GetEscrowRecord(ctx context.Context, id string) (*model.EscrowRecord, error) {
	r := &model.EscrowRecord{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,user_id,order_id,asset_type,amount,kind,state,description,created_at,updated_at
		 FROM escrow_records WHERE id=$1`, id,
	).Scan(&r.ID, &r.OwnerID, &r.OrderID, &r.Asset, &r.Amount, &r.Kind, &r.State, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) SumLockedByUser(ctx context.Context, userID string, asset model.AssetType) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM escrow_records WHERE user_id=$1 AND asset_type=$2 AND state='locked'`,
		userID, asset,
	).Scan(&sum)
	return sum, err
}

func (s *Store) GetOrderEscrowRecords(ctx context.Context, orderID string) ([]model.EscrowRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,user_id,order_id,asset_type,amount,kind,state,description,created_at,updated_at
		 FROM escrow_records WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EscrowRecord
	for rows.Next() {
		var r model.EscrowRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.OrderID, &r.Asset, &r.Amount, &r.Kind, &r.State, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ── Settlements ──────────────────────────────────────

func InsertSettlement(tx *sql.Tx, st *model.Settlement) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	_, err := tx.Exec(
		`INSERT INTO settlements (id,trade_id,buyer_id,seller_id,buy_order_id,sell_order_id,quantity,price,total,fee,wheeling,net,state)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		st.ID, st.TradeID, st.BuyerID, st.SellerID, st.BuyOrderID, st.SellOrderID, st.Quantity, st.Price, st.Total, st.Fee, st.Wheeling, st.NetToSeller, st.State,
	)
	return err
}

func TransitionSettlement(tx *sql.Tx, id string, state model.SettlementState, txID *string) error {
	if state == model.SettlementConfirmed {
		_, err := tx.Exec(`UPDATE settlements SET state=$1, tx_id=$2, confirmed_at=now() WHERE id=$3`, state, txID, id)
		return err
	}
	_, err := tx.Exec(`UPDATE settlements SET state=$1, tx_id=COALESCE($2, tx_id) WHERE id=$3`, state, txID, id)
	return err
}

func (s *Store) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	st := &model.Settlement{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,trade_id,buyer_id,seller_id,buy_order_id,sell_order_id,quantity,price,total,fee,wheeling,net,state,tx_id,created_at,confirmed_at
		 FROM settlements WHERE id=$1`, id,
	).Scan(&st.ID, &st.TradeID, &st.BuyerID, &st.SellerID, &st.BuyOrderID, &st.SellOrderID, &st.Quantity, &st.Price, &st.Total, &st.Fee, &st.Wheeling, &st.NetToSeller, &st.State, &st.ChainTxID, &st.CreatedAt, &st.ConfirmedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

func AddPlatformRevenue(tx *sql.Tx, settlementID, revenueType string, amount decimal.Decimal, description string) error {
	_, err := tx.Exec(
		`INSERT INTO platform_revenue (id,settlement_id,revenue_type,amount,description) VALUES ($1,$2,$3,$4,$5)`,
		uuid.New().String(), settlementID, revenueType, amount, description,
	)
	return err
}

func (s *Store) GetRevenueSummary(ctx context.Context) (*model.PlatformRevenue, error) {
	r := &model.PlatformRevenue{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM platform_revenue WHERE revenue_type='platform_fee'`,
	).Scan(&r.Amount)
	r.RevenueType = "platform_fee"
	return r, err
}

// ── Blockchain tasks ─────────────────────────────────

func EnqueueTask(tx *sql.Tx, kind model.TaskKind, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	_, err = tx.Exec(
		`INSERT INTO blockchain_tasks (id,kind,payload_json,state,next_attempt_at) VALUES ($1,$2,$3,'pending',now())`,
		id, kind, b,
	)
	return id, err
}

// LeaseDueTasks grabs up to batch pending tasks whose next_attempt_at has
// passed, reclaiming any whose lease expired without a worker finishing.
func (s *Store) LeaseDueTasks(ctx context.Context, batch int, leaseDuration time.Duration) ([]model.BlockchainTask, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE blockchain_tasks SET state='pending' WHERE state='in_progress' AND lease_expires < now()`,
	); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id,kind,payload_json,state,attempts,next_attempt_at,lease_expires,last_error,result,created_at,updated_at
		 FROM blockchain_tasks WHERE state='pending' AND next_attempt_at <= now()
		 ORDER BY next_attempt_at LIMIT $1 FOR UPDATE SKIP LOCKED`, batch)
	if err != nil {
		return nil, err
	}
	var tasks []model.BlockchainTask
	for rows.Next() {
		var t model.BlockchainTask
		if err := rows.Scan(&t.ID, &t.Kind, &t.PayloadJSON, &t.State, &t.Attempts, &t.NextAttemptAt, &t.LeaseExpires, &t.LastError, &t.Result, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	rows.Close()

	lease := time.Now().Add(leaseDuration)
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blockchain_tasks SET state='in_progress', lease_expires=$1, updated_at=now() WHERE id=$2`,
			lease, t.ID,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string, result string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE blockchain_tasks SET state='completed', result=$1, updated_at=now() WHERE id=$2`, result, id)
	return err
}

func (s *Store) RetryTask(ctx context.Context, id string, nextAttemptAt time.Time, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE blockchain_tasks SET state='pending', attempts=attempts+1, next_attempt_at=$1, last_error=$2, updated_at=now() WHERE id=$3`,
		nextAttemptAt, errMsg, id,
	)
	return err
}

func (s *Store) DeadLetterTask(ctx context.Context, id string, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE blockchain_tasks SET state='dead_letter', attempts=attempts+1, last_error=$1, updated_at=now() WHERE id=$2`,
		errMsg, id,
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.BlockchainTask, error) {
	t := &model.BlockchainTask{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,kind,payload_json,state,attempts,next_attempt_at,lease_expires,last_error,result,created_at,updated_at
		 FROM blockchain_tasks WHERE id=$1`, id,
	).Scan(&t.ID, &t.Kind, &t.PayloadJSON, &t.State, &t.Attempts, &t.NextAttemptAt, &t.LeaseExpires, &t.LastError, &t.Result, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}
