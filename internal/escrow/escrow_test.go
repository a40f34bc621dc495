package escrow

import (
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"gridsettle/internal/apperr"
	"gridsettle/internal/db"
	"gridsettle/internal/model"
)

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock, *sql.Tx, func()) {
	t.Helper()
	mdb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectBegin()
	store := &db.Store{DB: mdb}
	ledger := New(store)
	tx, err := mdb.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return ledger, mock, tx, func() { mdb.Close() }
}

// TestLockRejectsInsufficientFunds verifies the balance-locked >= 0
// invariant is enforced before any row is mutated: a lock request exceeding
// available currency must fail without touching locked_amount.
func TestLockRejectsInsufficientFunds(t *testing.T) {
	ledger, mock, tx, closeDB := newMockLedger(t)
	defer closeDB()

	rows := sqlmock.NewRows([]string{"id", "balance", "energy_balance", "locked_amount", "locked_energy"}).
		AddRow("u1", "100.000000000", "0", "60.000000000", "0")
	mock.ExpectQuery("SELECT id, balance, energy_balance, locked_amount, locked_energy FROM users WHERE id=\\$1 FOR UPDATE").
		WithArgs("u1").
		WillReturnRows(rows)

	err := ledger.Lock(tx, "u1", "order-1", model.AssetCurrency, model.EscrowBuyLock, decimal.RequireFromString("50"))
	if !apperr.Is(err, apperr.InsufficientFund) {
		t.Fatalf("expected InsufficientFund, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockSucceedsWithinAvailableBalance(t *testing.T) {
	ledger, mock, tx, closeDB := newMockLedger(t)
	defer closeDB()

	rows := sqlmock.NewRows([]string{"id", "balance", "energy_balance", "locked_amount", "locked_energy"}).
		AddRow("u1", "100.000000000", "0", "10.000000000", "0")
	mock.ExpectQuery("SELECT id, balance, energy_balance, locked_amount, locked_energy FROM users WHERE id=\\$1 FOR UPDATE").
		WithArgs("u1").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE users SET balance = balance - \\$1, locked_amount = locked_amount \\+ \\$1 WHERE id=\\$2").
		WithArgs(decimal.RequireFromString("50"), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO escrow_records").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := ledger.Lock(tx, "u1", "order-1", model.AssetCurrency, model.EscrowBuyLock, decimal.RequireFromString("50")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestRefundReturnsFullLockAndMarksRecordRefunded verifies the cancel path
// of the balance + locked = initial invariant: refunding a lock must shrink
// locked_energy and grow energy_balance by exactly the refunded quantity,
// and transition the escrow record to refunded.
func TestRefundReturnsFullLockAndMarksRecordRefunded(t *testing.T) {
	ledger, mock, tx, closeDB := newMockLedger(t)
	defer closeDB()

	mock.ExpectExec("UPDATE users SET energy_balance = energy_balance \\+ \\$1, locked_energy = locked_energy - \\$1 WHERE id=\\$2").
		WithArgs(decimal.RequireFromString("20"), "u2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE escrow_records SET state=\\$1, description=\\$2, updated_at=now\\(\\) WHERE id=\\$3").
		WithArgs(model.EscrowRefunded, sqlmock.AnyArg(), "escrow-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := ledger.Refund(tx, "u2", model.AssetEnergy, decimal.RequireFromString("20"), "escrow-1"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
