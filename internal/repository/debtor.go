package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"debtord/internal/model"
)

func (s *Store) getDebtor(ctx context.Context, tx pgx.Tx, debtorID int64) (*model.Debtor, error) {
	var d model.Debtor
	err := tx.QueryRow(ctx,
		`SELECT debtor_id, demurrage_rate, demurrage_rate_ceiling, created_at
		 FROM debtor WHERE debtor_id = $1`,
		debtorID).Scan(&d.DebtorID, &d.DemurrageRate, &d.DemurrageRateCeiling, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("debtor %d: %w", debtorID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load debtor %d: %w", debtorID, err)
	}
	return &d, nil
}

// CreateDebtor brings a new ledger partition into existence: a fresh
// sharding key, the debtor row, its root issuance account, the default
// coordinator and branch, and an admin operator for the given user.
func (s *Store) CreateDebtor(ctx context.Context, userID int64, demurrageRate, demurrageRateCeiling float64) (*model.Debtor, error) {
	if demurrageRate < 0 || demurrageRateCeiling < 0 {
		return nil, errors.New("demurrage rates must be non-negative")
	}

	var debtor *model.Debtor
	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		debtorID, err := s.generateDebtorID(ctx, tx)
		if err != nil {
			return err
		}

		var d model.Debtor
		err = tx.QueryRow(ctx,
			`INSERT INTO debtor (debtor_id, demurrage_rate, demurrage_rate_ceiling)
			 VALUES ($1, $2, $3)
			 RETURNING debtor_id, demurrage_rate, demurrage_rate_ceiling, created_at`,
			debtorID, demurrageRate, demurrageRateCeiling,
		).Scan(&d.DebtorID, &d.DemurrageRate, &d.DemurrageRateCeiling, &d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert debtor: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO account (debtor_id, creditor_id, discount_demurrage_rate, last_transfer_ts)
			 VALUES ($1, $2, 0, $3)`,
			debtorID, model.RootCreditorID, s.clock()); err != nil {
			return fmt.Errorf("insert root account: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO coordinator (debtor_id, coordinator_id) VALUES ($1, $2)`,
			debtorID, model.DefaultCoordinatorID); err != nil {
			return fmt.Errorf("insert default coordinator: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO branch (debtor_id, branch_id) VALUES ($1, $2)`,
			debtorID, model.DefaultBranchID); err != nil {
			return fmt.Errorf("insert default branch: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO operator (debtor_id, branch_id, user_id, alias, can_withdraw, can_audit)
			 VALUES ($1, $2, $3, 'admin', true, true)`,
			debtorID, model.DefaultBranchID, userID); err != nil {
			return fmt.Errorf("insert admin operator: %w", err)
		}

		debtor = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return debtor, nil
}

// GetDebtor returns the debtor row, or a wrapped model.ErrNotFound if absent.
func (s *Store) GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error) {
	var d *model.Debtor
	err := s.viewTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		d, err = s.getDebtor(ctx, tx, debtorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
