package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"debtord/internal/model"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// scriptTx answers QueryRow from a canned scan function and records every
// write with its arguments.
type scriptTx struct {
	pgx.Tx
	queryRow   func(sql string, args []any) pgx.Row
	execs      []string
	execArgs   [][]any
	committed  bool
	rolledBack bool
}

func (t *scriptTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.queryRow(sql, args)
}

func (t *scriptTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, nil
}

func (t *scriptTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *scriptTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

// scriptDB hands the same scripted transaction to every atomic unit.
type scriptDB struct {
	tx    *scriptTx
	begun int
}

func (db *scriptDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	db.begun++
	return db.tx, nil
}

func requestScanner(req model.WithdrawalRequest) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = req.DebtorID
		*(dest[1].(*int64)) = req.CreditorID
		*(dest[2].(*int64)) = req.Seqnum
		*(dest[3].(*int64)) = req.Amount
		*(dest[4].(*time.Time)) = req.DeadlineTS
		*(dest[5].(*map[string]any)) = req.Details
		*(dest[6].(*int64)) = req.OperatorBranchID
		*(dest[7].(*int64)) = req.OperatorUserID
		return nil
	}
}

func transferScanner(src *model.PreparedTransfer) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = src.DebtorID
		*(dest[1].(*int64)) = src.Seqnum
		*(dest[2].(*int64)) = src.SenderCreditorID
		*(dest[3].(*int64)) = src.RecipientCreditorID
		*(dest[4].(*model.TransferType)) = src.Type
		*(dest[5].(*int64)) = src.Amount
		*(dest[6].(*int64)) = src.SenderLockedAmount
		*(dest[7].(*time.Time)) = src.PreparedAt
		*(dest[8].(**int64)) = src.CoordinatorID
		if src.WithdrawalRequest != nil {
			creditorID, seqnum := src.WithdrawalRequest.CreditorID, src.WithdrawalRequest.Seqnum
			*(dest[9].(**int64)) = &creditorID
			*(dest[10].(**int64)) = &seqnum
		}
		*(dest[11].(**int64)) = src.ThirdPartyDebtorID
		*(dest[12].(**int64)) = src.ThirdPartyAmount
		return nil
	}
}

func accountScanner(src *model.Account) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = src.DebtorID
		*(dest[1].(*int64)) = src.CreditorID
		*(dest[2].(*int64)) = src.Balance
		*(dest[3].(*int64)) = src.AvlBalance
		*(dest[4].(*int64)) = src.Demurrage
		*(dest[5].(*float64)) = src.DiscountDemurrageRate
		*(dest[6].(*time.Time)) = src.LastTransferTS
		return nil
	}
}

func linkedTransfer() *model.PreparedTransfer {
	return &model.PreparedTransfer{
		DebtorID:            4242,
		Seqnum:              3,
		SenderCreditorID:    777,
		RecipientCreditorID: model.RootCreditorID,
		Type:                model.TransferDirect,
		Amount:              1000,
		SenderLockedAmount:  1000,
		WithdrawalRequest:   &model.WithdrawalRequestRef{CreditorID: 777, Seqnum: 7},
	}
}

func TestCommitLockedExpiredDeadline(t *testing.T) {
	now := time.Now()
	s := newTestStore(&fakeDB{})
	s.clock = func() time.Time { return now }

	req := model.WithdrawalRequest{
		DebtorID: 4242, CreditorID: 777, Seqnum: 7, Amount: 1000,
		DeadlineTS: now.Add(-time.Minute), Details: map[string]any{},
	}
	tx := &scriptTx{queryRow: func(sql string, args []any) pgx.Row {
		return fakeRow{scan: requestScanner(req)}
	}}

	_, err := s.commitLocked(context.Background(), tx, linkedTransfer(), nil)
	if !errors.Is(err, model.ErrInvalidPreparedTransfer) {
		t.Fatalf("error = %v, want ErrInvalidPreparedTransfer", err)
	}
	if len(tx.execs) != 0 {
		t.Errorf("an expired request must settle nothing, wrote %v", tx.execs)
	}
}

func TestCommitLockedAmountMismatch(t *testing.T) {
	now := time.Now()
	s := newTestStore(&fakeDB{})
	s.clock = func() time.Time { return now }

	req := model.WithdrawalRequest{
		DebtorID: 4242, CreditorID: 777, Seqnum: 7, Amount: 999,
		DeadlineTS: now.Add(time.Hour), Details: map[string]any{},
	}
	tx := &scriptTx{queryRow: func(sql string, args []any) pgx.Row {
		return fakeRow{scan: requestScanner(req)}
	}}

	_, err := s.commitLocked(context.Background(), tx, linkedTransfer(), nil)
	if !errors.Is(err, model.ErrInvalidPreparedTransfer) {
		t.Fatalf("error = %v, want ErrInvalidPreparedTransfer", err)
	}
	if len(tx.execs) != 0 {
		t.Errorf("a mismatched request must settle nothing, wrote %v", tx.execs)
	}
}

func TestCommitLockedMissingRequest(t *testing.T) {
	s := newTestStore(&fakeDB{})

	tx := &scriptTx{queryRow: func(sql string, args []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}}

	_, err := s.commitLocked(context.Background(), tx, linkedTransfer(), nil)
	if !errors.Is(err, model.ErrInvalidPreparedTransfer) {
		t.Fatalf("error = %v, want ErrInvalidPreparedTransfer", err)
	}
}

func TestInsertPreparedTransferValidatesFirst(t *testing.T) {
	s := newTestStore(&fakeDB{})
	tx := &scriptTx{}

	// A circular transfer without its coordinator is illegal and must be
	// rejected before any row is written.
	bad := &model.PreparedTransfer{
		DebtorID: 4242, Seqnum: 3, Type: model.TransferCircular, Amount: 100,
	}
	if err := s.insertPreparedTransfer(context.Background(), tx, bad); err == nil {
		t.Fatal("expected a validation error")
	}
	if len(tx.execs) != 0 {
		t.Errorf("illegal transfer reached the database: %v", tx.execs)
	}
}

func TestResolveMissingTransfer(t *testing.T) {
	// After one resolver wins the race, the loser observes a deleted row.
	// A second commit or cancel must fail instead of double-applying.
	tx := &scriptTx{queryRow: func(sql string, args []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}}
	db := &scriptDB{tx: tx}
	s := newTestStore(db)

	err := s.CommitDebtorPreparedTransfer(context.Background(), 4242, 3, nil)
	if !errors.Is(err, model.ErrInvalidPreparedTransfer) {
		t.Fatalf("second commit: error = %v, want ErrInvalidPreparedTransfer", err)
	}
	err = s.CancelCreditorPreparedTransfer(context.Background(), 4242, 777, 3)
	if !errors.Is(err, model.ErrInvalidPreparedTransfer) {
		t.Fatalf("second cancel: error = %v, want ErrInvalidPreparedTransfer", err)
	}
	if db.begun != 2 {
		t.Errorf("begun = %d, want 2 (a missing transfer is not a conflict, no retry)", db.begun)
	}
	if len(tx.execs) != 0 {
		t.Errorf("nothing must be written, wrote %v", tx.execs)
	}
	if tx.committed {
		t.Error("failed resolution must not commit")
	}
}

func TestCancelReleasesLockAndDeletes(t *testing.T) {
	transfer := &model.PreparedTransfer{
		DebtorID:            4242,
		Seqnum:              3,
		SenderCreditorID:    777,
		RecipientCreditorID: 888,
		Type:                model.TransferDirect,
		Amount:              500,
		SenderLockedAmount:  500,
	}
	account := &model.Account{DebtorID: 4242, CreditorID: 777, Balance: 2000, AvlBalance: 1000}

	tx := &scriptTx{}
	tx.queryRow = func(sql string, args []any) pgx.Row {
		switch {
		case strings.Contains(sql, "FROM prepared_transfer"):
			return fakeRow{scan: transferScanner(transfer)}
		case strings.Contains(sql, "FROM account"):
			return fakeRow{scan: accountScanner(account)}
		}
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}
	s := newTestStore(&scriptDB{tx: tx})

	if err := s.CancelCreditorPreparedTransfer(context.Background(), 4242, 777, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.execs) != 2 {
		t.Fatalf("execs = %v, want the balance update then the delete", tx.execs)
	}
	if !strings.Contains(tx.execs[0], "UPDATE account") {
		t.Errorf("first write = %q, want the account update", tx.execs[0])
	}
	// updateAccountBalances binds avl_balance as the fourth argument.
	if got := tx.execArgs[0][3].(int64); got != 1500 {
		t.Errorf("avl_balance = %d, want 1500 (locked amount returned)", got)
	}
	if !strings.Contains(tx.execs[1], "DELETE FROM prepared_transfer") {
		t.Errorf("second write = %q, want the transfer delete", tx.execs[1])
	}
	if !tx.committed {
		t.Error("cancel must commit the atomic unit")
	}
}

func TestPrepareWithdrawalIdempotent(t *testing.T) {
	now := time.Now()
	req := model.WithdrawalRequest{
		DebtorID: 4242, CreditorID: 777, Seqnum: 7, Amount: 1000,
		DeadlineTS: now.Add(time.Hour), Details: map[string]any{},
	}
	existing := linkedTransfer()

	tx := &scriptTx{}
	tx.queryRow = func(sql string, args []any) pgx.Row {
		switch {
		case strings.Contains(sql, "FROM withdrawal_request"):
			return fakeRow{scan: requestScanner(req)}
		case strings.Contains(sql, "FROM prepared_transfer"):
			return fakeRow{scan: transferScanner(existing)}
		}
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}
	s := newTestStore(&scriptDB{tx: tx})

	// The request already has a linked transfer: the prepare returns it
	// unchanged instead of locking funds and inserting a second one.
	got, err := s.PrepareWithdrawal(context.Background(), 4242, 777, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Seqnum != existing.Seqnum || got.WithdrawalRequest == nil || got.WithdrawalRequest.Seqnum != 7 {
		t.Fatalf("transfer = %+v, want the already linked one", got)
	}
	if len(tx.execs) != 0 {
		t.Errorf("a repeated prepare must not write, wrote %v", tx.execs)
	}
}

func TestPrepareTransferRejectsNonPositiveAmounts(t *testing.T) {
	s := newTestStore(&fakeDB{})

	if _, err := s.PrepareDirectTransfer(context.Background(), 4242, 777, 888, 0); !errors.Is(err, model.ErrNonPositiveAmount) {
		t.Errorf("amount 0: error = %v, want ErrNonPositiveAmount", err)
	}
	if _, err := s.PrepareDeposit(context.Background(), 4242, 777, -5); !errors.Is(err, model.ErrNonPositiveAmount) {
		t.Errorf("amount -5: error = %v, want ErrNonPositiveAmount", err)
	}
	if _, err := s.CreateWithdrawalRequest(context.Background(), model.Operator{DebtorID: 4242}, 777, 0, time.Now(), nil); !errors.Is(err, model.ErrNonPositiveAmount) {
		t.Errorf("request amount 0: error = %v, want ErrNonPositiveAmount", err)
	}
}
