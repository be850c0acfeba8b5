package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"debtord/internal/model"
)

func (s *Store) nextTransferSeqnum(ctx context.Context, tx pgx.Tx, debtorID int64) (int64, error) {
	var seqnum int64
	err := tx.QueryRow(ctx,
		`UPDATE debtor SET prepared_transfer_seqnum = prepared_transfer_seqnum + 1
		 WHERE debtor_id = $1 RETURNING prepared_transfer_seqnum`,
		debtorID).Scan(&seqnum)
	if err != nil {
		return 0, fmt.Errorf("next transfer seqnum for debtor %d: %w", debtorID, err)
	}
	return seqnum, nil
}

const preparedTransferColumns = `debtor_id, seqnum, sender_creditor_id, recipient_creditor_id,
	transfer_type, amount, sender_locked_amount, prepared_at, coordinator_id,
	withdrawal_request_creditor_id, withdrawal_request_seqnum,
	third_party_debtor_id, third_party_amount`

func scanPreparedTransfer(row pgx.Row) (*model.PreparedTransfer, error) {
	var t model.PreparedTransfer
	var reqCreditorID, reqSeqnum *int64
	err := row.Scan(&t.DebtorID, &t.Seqnum, &t.SenderCreditorID, &t.RecipientCreditorID,
		&t.Type, &t.Amount, &t.SenderLockedAmount, &t.PreparedAt, &t.CoordinatorID,
		&reqCreditorID, &reqSeqnum, &t.ThirdPartyDebtorID, &t.ThirdPartyAmount)
	if err != nil {
		return nil, err
	}
	if reqCreditorID != nil && reqSeqnum != nil {
		t.WithdrawalRequest = &model.WithdrawalRequestRef{CreditorID: *reqCreditorID, Seqnum: *reqSeqnum}
	}
	return &t, nil
}

// getPreparedTransferForUpdate resolves and locks an in-flight transfer.
// The row lock serializes concurrent commit/cancel attempts: the loser of
// the race observes a deleted row and fails with ErrInvalidPreparedTransfer
// instead of double-applying.
func (s *Store) getPreparedTransferForUpdate(ctx context.Context, tx pgx.Tx, debtorID, seqnum int64) (*model.PreparedTransfer, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+preparedTransferColumns+` FROM prepared_transfer
		 WHERE debtor_id = $1 AND seqnum = $2 FOR UPDATE`,
		debtorID, seqnum)
	t, err := scanPreparedTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrInvalidPreparedTransfer
	}
	if err != nil {
		return nil, fmt.Errorf("load prepared transfer (%d, %d): %w", debtorID, seqnum, err)
	}
	return t, nil
}

func (s *Store) insertPreparedTransfer(ctx context.Context, tx pgx.Tx, t *model.PreparedTransfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	var reqCreditorID, reqSeqnum *int64
	if t.WithdrawalRequest != nil {
		reqCreditorID = &t.WithdrawalRequest.CreditorID
		reqSeqnum = &t.WithdrawalRequest.Seqnum
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO prepared_transfer (`+preparedTransferColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.DebtorID, t.Seqnum, t.SenderCreditorID, t.RecipientCreditorID,
		t.Type, t.Amount, t.SenderLockedAmount, t.PreparedAt, t.CoordinatorID,
		reqCreditorID, reqSeqnum, t.ThirdPartyDebtorID, t.ThirdPartyAmount)
	if err != nil {
		return fmt.Errorf("insert prepared transfer: %w", err)
	}
	transfersPrepared.WithLabelValues(t.Type.String()).Inc()
	return nil
}

// PrepareDirectTransfer locks amount on the sender's account and creates a
// direct transfer awaiting commit or cancel. Spending into accrued
// demurrage is allowed only when the recipient is the issuer. Not
// idempotent: every call creates a new transfer.
func (s *Store) PrepareDirectTransfer(ctx context.Context, debtorID, senderCreditorID, recipientCreditorID, amount int64) (*model.PreparedTransfer, error) {
	if amount <= 0 {
		return nil, model.ErrNonPositiveAmount
	}

	var transfer *model.PreparedTransfer
	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		includeDemurrage := recipientCreditorID == model.RootCreditorID
		if _, err := s.lockAccountAmount(ctx, tx, debtorID, senderCreditorID, amount, includeDemurrage); err != nil {
			return err
		}
		seqnum, err := s.nextTransferSeqnum(ctx, tx, debtorID)
		if err != nil {
			return err
		}
		transfer = &model.PreparedTransfer{
			DebtorID:            debtorID,
			Seqnum:              seqnum,
			SenderCreditorID:    senderCreditorID,
			RecipientCreditorID: recipientCreditorID,
			Type:                model.TransferDirect,
			Amount:              amount,
			SenderLockedAmount:  amount,
			PreparedAt:          s.clock(),
		}
		return s.insertPreparedTransfer(ctx, tx, transfer)
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// PrepareDeposit creates a direct transfer from the root issuance account
// without locking funds: the debtor issues new units, so the root account's
// balance may go negative.
func (s *Store) PrepareDeposit(ctx context.Context, debtorID, recipientCreditorID, amount int64) (*model.PreparedTransfer, error) {
	if amount <= 0 {
		return nil, model.ErrNonPositiveAmount
	}

	var transfer *model.PreparedTransfer
	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := s.getOrCreateAccount(ctx, tx, debtorID, model.RootCreditorID); err != nil {
			return err
		}
		seqnum, err := s.nextTransferSeqnum(ctx, tx, debtorID)
		if err != nil {
			return err
		}
		transfer = &model.PreparedTransfer{
			DebtorID:            debtorID,
			Seqnum:              seqnum,
			SenderCreditorID:    model.RootCreditorID,
			RecipientCreditorID: recipientCreditorID,
			Type:                model.TransferDirect,
			Amount:              amount,
			SenderLockedAmount:  0,
			PreparedAt:          s.clock(),
		}
		return s.insertPreparedTransfer(ctx, tx, transfer)
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// PrepareWithdrawal locks the requested amount and creates the transfer
// that will consume the withdrawal request on commit. Safe to retry: when a
// transfer is already linked to the request it is returned unchanged.
func (s *Store) PrepareWithdrawal(ctx context.Context, debtorID, creditorID, requestSeqnum int64) (*model.PreparedTransfer, error) {
	var transfer *model.PreparedTransfer
	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		req, err := s.getWithdrawalRequestForUpdate(ctx, tx, debtorID, creditorID, requestSeqnum)
		if err != nil {
			return err
		}

		existing, err := s.getTransferLinkedToRequest(ctx, tx, req)
		if err != nil {
			return err
		}
		if existing != nil {
			transfer = existing
			return nil
		}

		if _, err := s.lockAccountAmount(ctx, tx, req.DebtorID, req.CreditorID, req.Amount, false); err != nil {
			return err
		}
		seqnum, err := s.nextTransferSeqnum(ctx, tx, req.DebtorID)
		if err != nil {
			return err
		}
		transfer = &model.PreparedTransfer{
			DebtorID:            req.DebtorID,
			Seqnum:              seqnum,
			SenderCreditorID:    req.CreditorID,
			RecipientCreditorID: model.RootCreditorID,
			Type:                model.TransferDirect,
			Amount:              req.Amount,
			SenderLockedAmount:  req.Amount,
			PreparedAt:          s.clock(),
			WithdrawalRequest: &model.WithdrawalRequestRef{
				CreditorID: req.CreditorID,
				Seqnum:     req.Seqnum,
			},
		}
		// A racing prepare for the same request trips the unique link
		// constraint; the retried unit then finds the winner above.
		return convertUniqueViolation(s.insertPreparedTransfer(ctx, tx, transfer))
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

func (s *Store) getTransferLinkedToRequest(ctx context.Context, tx pgx.Tx, req *model.WithdrawalRequest) (*model.PreparedTransfer, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+preparedTransferColumns+` FROM prepared_transfer
		 WHERE debtor_id = $1 AND withdrawal_request_creditor_id = $2 AND withdrawal_request_seqnum = $3`,
		req.DebtorID, req.CreditorID, req.Seqnum)
	t, err := scanPreparedTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transfer linked to request (%d, %d, %d): %w",
			req.DebtorID, req.CreditorID, req.Seqnum, err)
	}
	return t, nil
}

// commitLocked settles a resolved, locked transfer: consumes the linked
// withdrawal request if any, moves the balances, and deletes the transfer
// row. Returns the terminal withdrawal record when one was written.
func (s *Store) commitLocked(ctx context.Context, tx pgx.Tx, t *model.PreparedTransfer, comment map[string]any) (*model.Withdrawal, error) {
	now := s.clock()
	if comment == nil {
		comment = map[string]any{}
	}

	var settled *model.Withdrawal
	if t.WithdrawalRequest != nil {
		req, err := s.getWithdrawalRequestForUpdate(ctx, tx, t.DebtorID,
			t.WithdrawalRequest.CreditorID, t.WithdrawalRequest.Seqnum)
		if err != nil {
			if errors.Is(err, model.ErrInvalidWithdrawalRequest) {
				return nil, model.ErrInvalidPreparedTransfer
			}
			return nil, err
		}
		if req.Amount != t.Amount {
			return nil, model.ErrInvalidPreparedTransfer
		}
		if now.After(req.DeadlineTS) {
			return nil, model.ErrInvalidPreparedTransfer
		}

		w := model.Withdrawal{
			DebtorID:         req.DebtorID,
			CreditorID:       req.CreditorID,
			Seqnum:           req.Seqnum,
			Amount:           req.Amount,
			Details:          req.Details,
			OperatorBranchID: req.OperatorBranchID,
			OperatorUserID:   req.OperatorUserID,
			ClosingTS:        now,
			ClosingComment:   comment,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO withdrawal (debtor_id, creditor_id, seqnum, amount, details,
			   operator_branch_id, operator_user_id, closing_ts, closing_comment)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			w.DebtorID, w.CreditorID, w.Seqnum, w.Amount, w.Details,
			w.OperatorBranchID, w.OperatorUserID, w.ClosingTS, w.ClosingComment); err != nil {
			return nil, fmt.Errorf("insert withdrawal: %w", err)
		}
		settled = &w
	}

	sender, err := s.getAccountForUpdate(ctx, tx, t.DebtorID, t.SenderCreditorID)
	if err != nil {
		return nil, fmt.Errorf("lock sender account (%d, %d): %w", t.DebtorID, t.SenderCreditorID, err)
	}
	recipient, err := s.getOrCreateAccount(ctx, tx, t.DebtorID, t.RecipientCreditorID)
	if err != nil {
		return nil, err
	}
	if err := s.applySettlement(ctx, tx, sender, recipient, t.Amount, t.SenderLockedAmount); err != nil {
		return nil, err
	}

	// The transfer references the request, so it must go first.
	if _, err := tx.Exec(ctx,
		`DELETE FROM prepared_transfer WHERE debtor_id = $1 AND seqnum = $2`,
		t.DebtorID, t.Seqnum); err != nil {
		return nil, fmt.Errorf("delete prepared transfer: %w", err)
	}
	if t.WithdrawalRequest != nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM withdrawal_request WHERE debtor_id = $1 AND creditor_id = $2 AND seqnum = $3`,
			t.DebtorID, t.WithdrawalRequest.CreditorID, t.WithdrawalRequest.Seqnum); err != nil {
			return nil, fmt.Errorf("delete withdrawal request: %w", err)
		}
	}
	return settled, nil
}

func (s *Store) commitTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any, check func(*model.PreparedTransfer) error) error {
	var settled *model.Withdrawal
	var transfer *model.PreparedTransfer

	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		settled, transfer = nil, nil
		t, err := s.getPreparedTransferForUpdate(ctx, tx, debtorID, seqnum)
		if err != nil {
			return err
		}
		if err := check(t); err != nil {
			return err
		}
		settled, err = s.commitLocked(ctx, tx, t, comment)
		if err != nil {
			return err
		}
		transfer = t
		return nil
	})
	if err != nil {
		return err
	}

	transfersResolved.WithLabelValues("committed").Inc()
	s.invalidateCachedBalance(ctx, transfer.DebtorID, transfer.SenderCreditorID)
	s.invalidateCachedBalance(ctx, transfer.DebtorID, transfer.RecipientCreditorID)
	if settled != nil && s.onSettled != nil {
		s.onSettled(*settled)
	}
	return nil
}

func (s *Store) cancelTransfer(ctx context.Context, debtorID, seqnum int64, check func(*model.PreparedTransfer) error) error {
	var transfer *model.PreparedTransfer

	err := s.ExecuteAtomic(ctx, func(ctx context.Context, tx pgx.Tx) error {
		transfer = nil
		t, err := s.getPreparedTransferForUpdate(ctx, tx, debtorID, seqnum)
		if err != nil {
			return err
		}
		if err := check(t); err != nil {
			return err
		}
		if err := s.releaseLock(ctx, tx, t.DebtorID, t.SenderCreditorID, t.SenderLockedAmount); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM prepared_transfer WHERE debtor_id = $1 AND seqnum = $2`,
			t.DebtorID, t.Seqnum); err != nil {
			return fmt.Errorf("delete prepared transfer: %w", err)
		}
		transfer = t
		return nil
	})
	if err != nil {
		return err
	}

	transfersResolved.WithLabelValues("cancelled").Inc()
	s.invalidateCachedBalance(ctx, transfer.DebtorID, transfer.SenderCreditorID)
	return nil
}

// Role-scoped commit and cancel variants. Each verifies that the caller's
// claimed role structurally matches the transfer before resolving it.

func (s *Store) CommitCoordinatorPreparedTransfer(ctx context.Context, debtorID, coordinatorID, seqnum int64, comment map[string]any) error {
	return s.commitTransfer(ctx, debtorID, seqnum, comment, func(t *model.PreparedTransfer) error {
		return t.CheckCoordinator(coordinatorID)
	})
}

func (s *Store) CommitCreditorPreparedTransfer(ctx context.Context, debtorID, creditorID, seqnum int64, comment map[string]any) error {
	return s.commitTransfer(ctx, debtorID, seqnum, comment, func(t *model.PreparedTransfer) error {
		return t.CheckCreditor(creditorID)
	})
}

func (s *Store) CommitDebtorPreparedTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any) error {
	return s.commitTransfer(ctx, debtorID, seqnum, comment, (*model.PreparedTransfer).CheckDebtor)
}

func (s *Store) CommitGuarantorPreparedTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any) error {
	return s.commitTransfer(ctx, debtorID, seqnum, comment, (*model.PreparedTransfer).CheckGuarantor)
}

func (s *Store) CancelCoordinatorPreparedTransfer(ctx context.Context, debtorID, coordinatorID, seqnum int64) error {
	return s.cancelTransfer(ctx, debtorID, seqnum, func(t *model.PreparedTransfer) error {
		return t.CheckCoordinator(coordinatorID)
	})
}

func (s *Store) CancelCreditorPreparedTransfer(ctx context.Context, debtorID, creditorID, seqnum int64) error {
	return s.cancelTransfer(ctx, debtorID, seqnum, func(t *model.PreparedTransfer) error {
		return t.CheckCreditor(creditorID)
	})
}

func (s *Store) CancelDebtorPreparedTransfer(ctx context.Context, debtorID, seqnum int64) error {
	return s.cancelTransfer(ctx, debtorID, seqnum, (*model.PreparedTransfer).CheckDebtor)
}

func (s *Store) CancelGuarantorPreparedTransfer(ctx context.Context, debtorID, seqnum int64) error {
	return s.cancelTransfer(ctx, debtorID, seqnum, (*model.PreparedTransfer).CheckGuarantor)
}
