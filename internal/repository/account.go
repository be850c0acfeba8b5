package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jackc/pgx/v5"

	"debtord/internal/model"
)

const accountColumns = `debtor_id, creditor_id, balance, avl_balance, demurrage, discount_demurrage_rate, last_transfer_ts`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.DebtorID, &a.CreditorID, &a.Balance, &a.AvlBalance,
		&a.Demurrage, &a.DiscountDemurrageRate, &a.LastTransferTS)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) getAccountForUpdate(ctx context.Context, tx pgx.Tx, debtorID, creditorID int64) (*model.Account, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM account WHERE debtor_id = $1 AND creditor_id = $2 FOR UPDATE`,
		debtorID, creditorID)
	return scanAccount(row)
}

// getOrCreateAccount fetches the account row, lazily creating it on first
// reference. A racing insert surfaces as a uniqueness violation, which is
// converted into the serialization-conflict signal so the whole atomic unit
// retries and the second pass finds the winning row. The returned row is
// locked for the remainder of the atomic unit.
func (s *Store) getOrCreateAccount(ctx context.Context, tx pgx.Tx, debtorID, creditorID int64) (*model.Account, error) {
	a, err := s.getAccountForUpdate(ctx, tx, debtorID, creditorID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load account (%d, %d): %w", debtorID, creditorID, err)
	}

	// The root issuance account never gets a demurrage discount.
	discountRate := math.Inf(1)
	if creditorID == model.RootCreditorID {
		discountRate = 0
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO account (debtor_id, creditor_id, discount_demurrage_rate, last_transfer_ts)
		 VALUES ($1, $2, $3, $4)`,
		debtorID, creditorID, discountRate, s.clock())
	if err != nil {
		return nil, convertUniqueViolation(err)
	}
	return s.getAccountForUpdate(ctx, tx, debtorID, creditorID)
}

// lockAccountAmount acquires the sender's row lock, refreshes the lazily
// accrued demurrage, and reserves amount from the spendable balance. A
// missing account simply has nothing available.
func (s *Store) lockAccountAmount(ctx context.Context, tx pgx.Tx, debtorID, creditorID, amount int64, includeDemurrage bool) (*model.Account, error) {
	a, err := s.getAccountForUpdate(ctx, tx, debtorID, creditorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.InsufficientFundsError{Available: 0}
	}
	if err != nil {
		return nil, fmt.Errorf("lock account (%d, %d): %w", debtorID, creditorID, err)
	}

	debtor, err := s.getDebtor(ctx, tx, debtorID)
	if err != nil {
		return nil, err
	}
	a.AccrueDemurrage(debtor, s.policy, s.clock())

	if err := a.Reserve(amount, includeDemurrage); err != nil {
		return nil, err
	}
	if err := s.updateAccountBalances(ctx, tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// applySettlement moves the committed amount between two locked accounts.
func (s *Store) applySettlement(ctx context.Context, tx pgx.Tx, sender, recipient *model.Account, amount, senderLockedAmount int64) error {
	model.ApplySettlement(sender, recipient, amount, senderLockedAmount, s.clock())
	if err := s.updateAccountBalances(ctx, tx, sender); err != nil {
		return err
	}
	return s.updateAccountBalances(ctx, tx, recipient)
}

// releaseLock returns a cancelled transfer's locked amount to the sender's
// spendable balance. The total balance is untouched.
func (s *Store) releaseLock(ctx context.Context, tx pgx.Tx, debtorID, creditorID, lockedAmount int64) error {
	a, err := s.getAccountForUpdate(ctx, tx, debtorID, creditorID)
	if err != nil {
		return fmt.Errorf("lock account (%d, %d): %w", debtorID, creditorID, err)
	}
	a.ReleaseLock(lockedAmount)
	return s.updateAccountBalances(ctx, tx, a)
}

func (s *Store) updateAccountBalances(ctx context.Context, tx pgx.Tx, a *model.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE account
		 SET balance = $3, avl_balance = $4, demurrage = $5, last_transfer_ts = $6
		 WHERE debtor_id = $1 AND creditor_id = $2`,
		a.DebtorID, a.CreditorID, a.Balance, a.AvlBalance, a.Demurrage, a.LastTransferTS)
	if err != nil {
		return fmt.Errorf("update account (%d, %d): %w", a.DebtorID, a.CreditorID, err)
	}
	return nil
}

// GetAccount returns a balance snapshot, served from the redis cache when
// possible. Postgres remains the system of record; the cache is warmed on
// miss and invalidated on settlement.
func (s *Store) GetAccount(ctx context.Context, debtorID, creditorID int64) (*model.Account, error) {
	if s.cache != nil {
		if a, err := s.cache.Get(ctx, debtorID, creditorID); err == nil {
			return a, nil
		} else if !errors.Is(err, ErrCacheMiss) {
			slog.Warn("balance cache read failed", "error", err)
		}
	}

	var a *model.Account
	err := s.viewTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM account WHERE debtor_id = $1 AND creditor_id = $2`,
			debtorID, creditorID)
		var err error
		a, err = scanAccount(row)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account (%d, %d): %w", debtorID, creditorID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, a); err != nil {
			slog.Warn("balance cache write failed", "error", err)
		}
	}
	return a, nil
}

// invalidateCachedBalance drops stale snapshots after a settlement.
func (s *Store) invalidateCachedBalance(ctx context.Context, debtorID, creditorID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, debtorID, creditorID); err != nil {
		slog.Warn("balance cache invalidation failed", "error", err,
			"debtor_id", debtorID, "creditor_id", creditorID)
	}
}
