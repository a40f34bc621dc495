package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"gridsettle/internal/apperr"
	"gridsettle/internal/db"
	"gridsettle/internal/model"
)

func newTestWorker(t *testing.T) (*Worker, sqlmock.Sqlmock, func()) {
	t.Helper()
	sdb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	store := &db.Store{DB: sdb}
	w := NewWorker(store, 3, 300*time.Second, 2.0, 3600*time.Second, 50)
	return w, mock, func() { sdb.Close() }
}

// TestProcessCompletesOnSuccess exercises the happy path: a registered
// handler returns no error, the task transitions to completed, and the
// worker's running completed counter advances.
func TestProcessCompletesOnSuccess(t *testing.T) {
	w, mock, closeDB := newTestWorker(t)
	defer closeDB()

	w.Register(model.TaskSettlementTransfer, func(ctx context.Context, task model.BlockchainTask) (string, error) {
		return "tx-ok", nil
	})

	mock.ExpectExec("UPDATE blockchain_tasks SET state='completed', result=\\$1, updated_at=now\\(\\) WHERE id=\\$2").
		WithArgs("tx-ok", "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := model.BlockchainTask{ID: "task-1", Kind: model.TaskSettlementTransfer, Attempts: 0}
	if err := w.process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
	if completed, _ := w.Stats(); completed != 1 {
		t.Fatalf("expected completed counter 1, got %d", completed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestProcessDeadLettersNonRetryableError verifies §4.6/§7's rule that a
// business-rule/permanent failure goes straight to dead_letter without
// consuming a retry slot.
func TestProcessDeadLettersNonRetryableError(t *testing.T) {
	w, mock, closeDB := newTestWorker(t)
	defer closeDB()

	w.Register(model.TaskEscrowRefund, func(ctx context.Context, task model.BlockchainTask) (string, error) {
		return "", apperr.New(apperr.InsufficientFund, "insufficient balance on chain")
	})

	mock.ExpectExec("UPDATE blockchain_tasks SET state='dead_letter', attempts=attempts\\+1, last_error=\\$1, updated_at=now\\(\\) WHERE id=\\$2").
		WithArgs(sqlmock.AnyArg(), "task-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := model.BlockchainTask{ID: "task-2", Kind: model.TaskEscrowRefund, Attempts: 0}
	if err := w.process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, deadLettered := w.Stats(); deadLettered != 1 {
		t.Fatalf("expected dead-lettered counter 1, got %d", deadLettered)
	}
}

// TestProcessDeadLettersAfterMaxAttempts verifies a retryable error still
// dead-letters once the attempt budget is exhausted (TASK_MAX_ATTEMPTS).
func TestProcessDeadLettersAfterMaxAttempts(t *testing.T) {
	w, mock, closeDB := newTestWorker(t)
	defer closeDB()

	w.Register(model.TaskMintFromReading, func(ctx context.Context, task model.BlockchainTask) (string, error) {
		return "", apperr.New(apperr.ChainTransient, "rpc unreachable")
	})

	mock.ExpectExec("UPDATE blockchain_tasks SET state='dead_letter'").
		WithArgs(sqlmock.AnyArg(), "task-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := model.BlockchainTask{ID: "task-3", Kind: model.TaskMintFromReading, Attempts: 2} // next attempt would be 3 == maxAttempts
	if err := w.process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
}

// TestProcessSchedulesRetryOnTransientError verifies a transient failure
// under the attempt budget reschedules rather than dead-lettering.
func TestProcessSchedulesRetryOnTransientError(t *testing.T) {
	w, mock, closeDB := newTestWorker(t)
	defer closeDB()

	w.Register(model.TaskOrderChainMirror, func(ctx context.Context, task model.BlockchainTask) (string, error) {
		return "", apperr.New(apperr.Timeout, "confirmation timed out")
	})

	mock.ExpectExec("UPDATE blockchain_tasks SET state='pending', attempts=attempts\\+1, next_attempt_at=\\$1, last_error=\\$2, updated_at=now\\(\\) WHERE id=\\$3").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "task-4").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := model.BlockchainTask{ID: "task-4", Kind: model.TaskOrderChainMirror, Attempts: 0}
	if err := w.process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestProcessUnknownKindDeadLetters(t *testing.T) {
	w, mock, closeDB := newTestWorker(t)
	defer closeDB()

	mock.ExpectExec("UPDATE blockchain_tasks SET state='dead_letter'").
		WithArgs(sqlmock.AnyArg(), "task-5").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := model.BlockchainTask{ID: "task-5", Kind: model.TaskKind("unregistered"), Attempts: 0}
	if err := w.process(context.Background(), task); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	w, _, closeDB := newTestWorker(t)
	defer closeDB()

	d1 := w.backoffDelay(1)
	d5 := w.backoffDelay(5)
	if d1 > 360*time.Second { // 300s +/- 20% jitter
		t.Fatalf("expected first attempt delay near InitialBackoff, got %s", d1)
	}
	if d5 > w.maxBackoff+time.Second {
		t.Fatalf("expected backoff to cap at MaxBackoff, got %s", d5)
	}
}

func TestRunDueOnceNoTasksIsNoop(t *testing.T) {
	w, mock, closeDB := newTestWorker(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE blockchain_tasks SET state='pending' WHERE state='in_progress' AND lease_expires < now\\(\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id,kind,payload_json,state,attempts,next_attempt_at,lease_expires,last_error,result,created_at,updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "payload_json", "state", "attempts", "next_attempt_at", "lease_expires", "last_error", "result", "created_at", "updated_at"}))
	mock.ExpectCommit()

	if err := w.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("RunDueOnce: %v", err)
	}
}

var errUnused = errors.New("unused") // keep errors imported for table-style extensions
