package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"debtord/internal/model"
)

// Postgres SQLSTATE codes the wrapper dispatches on.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

var (
	// ErrNestedAtomic reports a caller bug: atomic units can not be
	// nested on the same session. It is never retried.
	ErrNestedAtomic = errors.New("ExecuteAtomic calls can not be nested")

	// ErrSerializationConflict is the retry signal. Store-detected
	// serialization failures and expected uniqueness races are both
	// normalized to it, and the whole atomic unit re-executes.
	ErrSerializationConflict = errors.New("store serialization conflict")

	// ErrKeyspaceExhausted means the sharding-key generator ran out of
	// attempts. Practically unreachable given the 63-bit keyspace.
	ErrKeyspaceExhausted = errors.New("can not generate a unique sharding key")
)

const (
	defaultMaxAttempts = 20
	defaultRetryBase   = 10 * time.Millisecond
	defaultKeyTries    = 50
)

type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Store is the system of record: a Postgres-backed account ledger with a
// prepared-transfer engine on top. Every mutating operation runs inside
// ExecuteAtomic.
type Store struct {
	db    txBeginner
	cache *BalanceCache

	clock     func() time.Time
	policy    model.DemurragePolicy
	onSettled func(model.Withdrawal)

	randReader  io.Reader
	keyTries    int
	maxAttempts uint64
	retryBase   time.Duration
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db:          db,
		clock:       time.Now,
		policy:      model.LinearDemurrage{},
		randReader:  rand.Reader,
		keyTries:    defaultKeyTries,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
	}
}

// AttachCache enables the read-side balance snapshot cache.
func (s *Store) AttachCache(c *BalanceCache) { s.cache = c }

// HandleSettled installs the synchronous hook invoked after a withdrawal
// settles. The hook runs once the atomic unit has committed, so it never
// observes work that was rolled back by a retry.
func (s *Store) HandleSettled(fn func(model.Withdrawal)) { s.onSettled = fn }

// SetRetryBounds overrides the conflict-retry attempt cap and backoff base.
func (s *Store) SetRetryBounds(maxAttempts uint64, base time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if base > 0 {
		s.retryBase = base
	}
}

type atomicFlagKey struct{}

// ExecuteAtomic runs work in one store transaction. The transaction commits
// when work returns nil and rolls back otherwise. On a serialization
// conflict the whole unit re-executes from scratch, with exponential
// backoff and jitter between attempts; the observable result is exactly-once
// effective application. Nested calls are a caller bug and fail immediately
// with ErrNestedAtomic.
func (s *Store) ExecuteAtomic(ctx context.Context, work func(ctx context.Context, tx pgx.Tx) error) error {
	if ctx.Value(atomicFlagKey{}) != nil {
		return ErrNestedAtomic
	}
	ctx = context.WithValue(ctx, atomicFlagKey{}, struct{}{})

	backoff := retry.WithMaxRetries(s.maxAttempts, retry.NewExponential(s.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		atomicAttempts.Inc()
		err := s.runAtomicOnce(ctx, work)
		if isSerializationConflict(err) {
			atomicConflicts.Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) runAtomicOnce(ctx context.Context, work func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin atomic unit: %w", err)
	}
	if err := work(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit atomic unit: %w", err)
	}
	atomicCommits.Inc()
	return nil
}

// isSerializationConflict recognizes both the store's own serialization and
// deadlock reports and conflicts already normalized by
// convertUniqueViolation.
func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSerializationConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// convertUniqueViolation maps a uniqueness-constraint violation onto the
// serialization-conflict signal. Used only at the operations that insert
// optimistically and expect the race (account creation, the withdrawal
// prepare link): the enclosing atomic unit then retries from the start, and
// the second pass observes the winning row. Any other error passes through
// unchanged.
func convertUniqueViolation(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrSerializationConflict, err)
	}
	return err
}

// viewTx runs a read-only unit of work outside the atomic machinery.
func (s *Store) viewTx(ctx context.Context, work func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := work(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
