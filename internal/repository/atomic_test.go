package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"debtord/internal/model"
)

// fakeTx embeds the interface so only the methods a test exercises need an
// implementation; anything else panics loudly.
type fakeTx struct {
	pgx.Tx
	commits   *int
	rollbacks *int
}

func (t *fakeTx) Commit(ctx context.Context) error {
	*t.commits++
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	*t.rollbacks++
	return nil
}

type fakeDB struct {
	begun     int
	commits   int
	rollbacks int
}

func (db *fakeDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	db.begun++
	return &fakeTx{commits: &db.commits, rollbacks: &db.rollbacks}, nil
}

func newTestStore(db txBeginner) *Store {
	s := NewStore(nil)
	s.db = db
	s.retryBase = time.Millisecond
	return s
}

func TestExecuteAtomicCommitsOnSuccess(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	calls := 0
	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || db.begun != 1 || db.commits != 1 || db.rollbacks != 0 {
		t.Errorf("calls=%d begun=%d commits=%d rollbacks=%d, want 1/1/1/0",
			calls, db.begun, db.commits, db.rollbacks)
	}
}

func TestExecuteAtomicRollsBackOnError(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	boom := errors.New("boom")
	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if db.begun != 1 || db.commits != 0 || db.rollbacks != 1 {
		t.Errorf("begun=%d commits=%d rollbacks=%d, want 1/0/1 (no retry for domain errors)",
			db.begun, db.commits, db.rollbacks)
	}
}

func TestExecuteAtomicRejectsNesting(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	var inner error
	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		inner = s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
			t.Fatal("nested unit must never run")
			return nil
		})
		return inner
	})
	if !errors.Is(inner, ErrNestedAtomic) {
		t.Fatalf("inner error = %v, want ErrNestedAtomic", inner)
	}
	if !errors.Is(err, ErrNestedAtomic) {
		t.Fatalf("outer error = %v, want ErrNestedAtomic", err)
	}
	if db.begun != 1 {
		t.Errorf("begun=%d, want 1 (nesting must not be retried)", db.begun)
	}
}

func TestExecuteAtomicRetriesSerializationConflicts(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	conflictsLeft := 3
	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		if conflictsLeft > 0 {
			conflictsLeft--
			return &pgconn.PgError{Code: pgSerializationFailure}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.begun != 4 || db.commits != 1 || db.rollbacks != 3 {
		t.Errorf("begun=%d commits=%d rollbacks=%d, want 4/1/3",
			db.begun, db.commits, db.rollbacks)
	}
}

func TestExecuteAtomicRetriesDeadlocks(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	first := true
	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		if first {
			first = false
			return &pgconn.PgError{Code: pgDeadlockDetected}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.begun != 2 {
		t.Errorf("begun=%d, want 2", db.begun)
	}
}

func TestExecuteAtomicRetriesNormalizedUniqueViolations(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)

	first := true
	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		if first {
			first = false
			return convertUniqueViolation(&pgconn.PgError{Code: pgUniqueViolation})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.begun != 2 || db.commits != 1 {
		t.Errorf("begun=%d commits=%d, want 2/1", db.begun, db.commits)
	}
}

func TestExecuteAtomicGivesUpAfterMaxAttempts(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)
	s.SetRetryBounds(3, time.Millisecond)

	err := s.ExecuteAtomic(context.Background(), func(ctx context.Context, tx pgx.Tx) error {
		return &pgconn.PgError{Code: pgSerializationFailure}
	})
	if !isSerializationConflict(err) {
		t.Fatalf("error = %v, want a serialization conflict", err)
	}
	if db.begun != 4 {
		t.Errorf("begun=%d, want 4 (initial attempt plus 3 retries)", db.begun)
	}
}

func TestIsSerializationConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: pgSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: pgDeadlockDetected}, true},
		{"unique violation", &pgconn.PgError{Code: pgUniqueViolation}, false},
		{"normalized sentinel", ErrSerializationConflict, true},
		{"domain error", model.ErrNonPositiveAmount, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSerializationConflict(tc.err); got != tc.want {
				t.Errorf("isSerializationConflict(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}

func TestConvertUniqueViolation(t *testing.T) {
	converted := convertUniqueViolation(&pgconn.PgError{Code: pgUniqueViolation})
	if !errors.Is(converted, ErrSerializationConflict) {
		t.Errorf("unique violation not normalized: %v", converted)
	}

	other := &pgconn.PgError{Code: pgSerializationFailure}
	if got := convertUniqueViolation(other); got != error(other) {
		t.Errorf("non-unique error changed: %v", got)
	}
	if got := convertUniqueViolation(nil); got != nil {
		t.Errorf("nil changed: %v", got)
	}
}
