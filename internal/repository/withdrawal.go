package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"debtord/internal/model"
)

func (s *Store) nextRequestSeqnum(ctx context.Context, tx pgx.Tx, debtorID int64) (int64, error) {
	var seqnum int64
	err := tx.QueryRow(ctx,
		`UPDATE debtor SET withdrawal_request_seqnum = withdrawal_request_seqnum + 1
		 WHERE debtor_id = $1 RETURNING withdrawal_request_seqnum`,
		debtorID).Scan(&seqnum)
	if err != nil {
		return 0, fmt.Errorf("next request seqnum for debtor %d: %w", debtorID, err)
	}
	return seqnum, nil
}

func (s *Store) getWithdrawalRequestForUpdate(ctx context.Context, tx pgx.Tx, debtorID, creditorID, seqnum int64) (*model.WithdrawalRequest, error) {
	var req model.WithdrawalRequest
	err := tx.QueryRow(ctx,
		`SELECT debtor_id, creditor_id, seqnum, amount, deadline_ts, details,
		   operator_branch_id, operator_user_id
		 FROM withdrawal_request
		 WHERE debtor_id = $1 AND creditor_id = $2 AND seqnum = $3 FOR UPDATE`,
		debtorID, creditorID, seqnum,
	).Scan(&req.DebtorID, &req.CreditorID, &req.Seqnum, &req.Amount,
		&req.DeadlineTS, &req.Details, &req.OperatorBranchID, &req.OperatorUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrInvalidWithdrawalRequest
	}
	if err != nil {
		return nil, fmt.Errorf("load withdrawal request (%d, %d, %d): %w", debtorID, creditorID, seqnum, err)
	}
	return &req, nil
}

// CreateWithdrawalRequest records an operator's intent to withdraw funds
// from a creditor's account. Pure creation: no funds move until the linked
// transfer is prepared. The operator's can_withdraw capability is the
// caller's responsibility.
func (s *Store) CreateWithdrawalRequest(ctx context.Context, operator model.Operator, creditorID, amount int64, deadline time.Time, details map[string]any) (*model.WithdrawalRequest, error) {
	if amount <= 0 {
		return nil, model.ErrNonPositiveAmount
	}
	if details == nil {
		details = map[string]any{}
	}

	var request *model.WithdrawalRequest
	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		seqnum, err := s.nextRequestSeqnum(ctx, tx, operator.DebtorID)
		if err != nil {
			return err
		}
		req := model.WithdrawalRequest{
			DebtorID:         operator.DebtorID,
			CreditorID:       creditorID,
			Seqnum:           seqnum,
			Amount:           amount,
			DeadlineTS:       deadline,
			Details:          details,
			OperatorBranchID: operator.BranchID,
			OperatorUserID:   operator.UserID,
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO withdrawal_request (debtor_id, creditor_id, seqnum, amount,
			   deadline_ts, details, operator_branch_id, operator_user_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			req.DebtorID, req.CreditorID, req.Seqnum, req.Amount,
			req.DeadlineTS, req.Details, req.OperatorBranchID, req.OperatorUserID)
		if err != nil {
			return fmt.Errorf("insert withdrawal request: %w", err)
		}
		request = &req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// GetOperator resolves an operator by its composite key.
func (s *Store) GetOperator(ctx context.Context, debtorID, branchID, userID int64) (*model.Operator, error) {
	var op model.Operator
	err := s.viewTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT debtor_id, branch_id, user_id, alias, profile,
			   can_withdraw, can_deposit, can_audit
			 FROM operator WHERE debtor_id = $1 AND branch_id = $2 AND user_id = $3`,
			debtorID, branchID, userID,
		).Scan(&op.DebtorID, &op.BranchID, &op.UserID, &op.Alias, &op.Profile,
			&op.CanWithdraw, &op.CanDeposit, &op.CanAudit)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operator (%d, %d, %d): %w", debtorID, branchID, userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load operator (%d, %d, %d): %w", debtorID, branchID, userID, err)
	}
	return &op, nil
}
