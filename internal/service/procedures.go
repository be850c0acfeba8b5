package service

import (
	"context"
	"time"

	"debtord/internal/model"
)

// Procedures defines the caller-facing operations of the debtor core.
// All transport layers (HTTP, NATS) depend on this interface, not on the
// concrete store.
type Procedures interface {
	CreateDebtor(ctx context.Context, userID int64, demurrageRate, demurrageRateCeiling float64) (*model.Debtor, error)
	GetDebtor(ctx context.Context, debtorID int64) (*model.Debtor, error)
	GetAccount(ctx context.Context, debtorID, creditorID int64) (*model.Account, error)
	GetOperator(ctx context.Context, debtorID, branchID, userID int64) (*model.Operator, error)

	CreateWithdrawalRequest(ctx context.Context, operator model.Operator, creditorID, amount int64, deadline time.Time, details map[string]any) (*model.WithdrawalRequest, error)
	PrepareWithdrawal(ctx context.Context, debtorID, creditorID, requestSeqnum int64) (*model.PreparedTransfer, error)
	PrepareDirectTransfer(ctx context.Context, debtorID, senderCreditorID, recipientCreditorID, amount int64) (*model.PreparedTransfer, error)
	PrepareDeposit(ctx context.Context, debtorID, recipientCreditorID, amount int64) (*model.PreparedTransfer, error)

	CommitCoordinatorPreparedTransfer(ctx context.Context, debtorID, coordinatorID, seqnum int64, comment map[string]any) error
	CommitCreditorPreparedTransfer(ctx context.Context, debtorID, creditorID, seqnum int64, comment map[string]any) error
	CommitDebtorPreparedTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any) error
	CommitGuarantorPreparedTransfer(ctx context.Context, debtorID, seqnum int64, comment map[string]any) error

	CancelCoordinatorPreparedTransfer(ctx context.Context, debtorID, coordinatorID, seqnum int64) error
	CancelCreditorPreparedTransfer(ctx context.Context, debtorID, creditorID, seqnum int64) error
	CancelDebtorPreparedTransfer(ctx context.Context, debtorID, seqnum int64) error
	CancelGuarantorPreparedTransfer(ctx context.Context, debtorID, seqnum int64) error
}
