package model

import (
	"errors"
	"fmt"
	"time"
)

// Well-known identifiers. Every debtor gets the root issuance account, one
// default coordinator and one default branch at creation time.
const (
	RootCreditorID       int64 = -1
	DefaultCoordinatorID int64 = 1
	DefaultBranchID      int64 = 1
)

var (
	ErrInvalidWithdrawalRequest = errors.New("withdrawal request does not exist")
	ErrInvalidPreparedTransfer  = errors.New("prepared transfer does not exist or does not match")
	ErrNonPositiveAmount        = errors.New("amount must be positive")
	ErrNotFound                 = errors.New("not found")
)

// InsufficientFundsError reports how much actually was available when a
// reservation failed, so callers can surface it to the end user.
type InsufficientFundsError struct {
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %d available", e.Available)
}

// Debtor is the issuer of a unit of account and the root of one ledger
// partition. DebtorID is a random 63-bit sharding key. The two rate fields
// are global caps on demurrage accrual; PreparedTransferSeqnum and
// WithdrawalRequestSeqnum are per-partition counters bumped under the
// debtor row lock.
type Debtor struct {
	DebtorID                int64     `json:"debtor_id"`
	DemurrageRate           float64   `json:"demurrage_rate"`
	DemurrageRateCeiling    float64   `json:"demurrage_rate_ceiling"`
	PreparedTransferSeqnum  int64     `json:"-"`
	WithdrawalRequestSeqnum int64     `json:"-"`
	CreatedAt               time.Time `json:"created_at"`
}

// Account is the balance record for one (debtor, creditor) pair.
// Balance is the total amount owed; AvlBalance is the spendable part
// (balance minus accrued demurrage minus locked amounts). Accounts are
// created lazily on first reference and never deleted.
type Account struct {
	DebtorID              int64     `json:"debtor_id"`
	CreditorID            int64     `json:"creditor_id"`
	Balance               int64     `json:"balance"`
	AvlBalance            int64     `json:"avl_balance"`
	Demurrage             int64     `json:"demurrage"`
	DiscountDemurrageRate float64   `json:"discount_demurrage_rate"`
	LastTransferTS        time.Time `json:"last_transfer_ts"`
}

// IsRoot reports whether this is the debtor's own issuance account.
func (a *Account) IsRoot() bool {
	return a.CreditorID == RootCreditorID
}

// Reserve debits amount from the spendable balance, acquiring a lock on the
// funds. When includeDemurrage is true the accrued demurrage may be spent as
// well; that is only legal for transfers repaying the issuer.
func (a *Account) Reserve(amount int64, includeDemurrage bool) error {
	avl := a.AvlBalance
	if includeDemurrage {
		avl += a.Demurrage
	}
	if amount > avl {
		return &InsufficientFundsError{Available: avl}
	}
	a.AvlBalance -= amount
	return nil
}

// ReleaseLock returns a previously reserved amount to the spendable balance.
// The total balance is untouched.
func (a *Account) ReleaseLock(lockedAmount int64) {
	a.AvlBalance += lockedAmount
}

// ApplySettlement moves amount from sender to recipient on transfer commit.
// The sender's spendable balance was already debited by senderLockedAmount at
// prepare time, so only the difference is debited here (zero for every
// current transfer kind, since locking is always exact).
func ApplySettlement(sender, recipient *Account, amount, senderLockedAmount int64, now time.Time) {
	sender.Balance -= amount
	sender.AvlBalance -= amount - senderLockedAmount
	recipient.Balance += amount
	recipient.AvlBalance += amount
	sender.LastTransferTS = now
	recipient.LastTransferTS = now
}

// Coordinator groups prepared transfers belonging to one circular-clearing
// cycle initiator.
type Coordinator struct {
	DebtorID      int64 `json:"debtor_id"`
	CoordinatorID int64 `json:"coordinator_id"`
}

// Branch is an organizational unit within a debtor's organization.
type Branch struct {
	DebtorID int64 `json:"debtor_id"`
	BranchID int64 `json:"branch_id"`
}

// Operator is an authorized agent acting for a branch. Capability flags are
// enforced by the caller; the core only records them.
type Operator struct {
	DebtorID    int64          `json:"debtor_id"`
	BranchID    int64          `json:"branch_id"`
	UserID      int64          `json:"user_id"`
	Alias       string         `json:"alias"`
	Profile     map[string]any `json:"profile"`
	CanWithdraw bool           `json:"can_withdraw"`
	CanDeposit  bool           `json:"can_deposit"`
	CanAudit    bool           `json:"can_audit"`
}

// WithdrawalRequest is an operator's intent to withdraw funds from a
// creditor's account. No funds move until the linked transfer is prepared;
// the request is consumed when that transfer commits.
type WithdrawalRequest struct {
	DebtorID         int64          `json:"debtor_id"`
	CreditorID       int64          `json:"creditor_id"`
	Seqnum           int64          `json:"seqnum"`
	Amount           int64          `json:"amount"`
	DeadlineTS       time.Time      `json:"deadline_ts"`
	Details          map[string]any `json:"details"`
	OperatorBranchID int64          `json:"operator_branch_id"`
	OperatorUserID   int64          `json:"operator_user_id"`
}

// Withdrawal is the terminal audit record written when a withdrawal
// request's linked transfer commits.
type Withdrawal struct {
	DebtorID         int64          `json:"debtor_id"`
	CreditorID       int64          `json:"creditor_id"`
	Seqnum           int64          `json:"seqnum"`
	Amount           int64          `json:"amount"`
	Details          map[string]any `json:"details"`
	OperatorBranchID int64          `json:"operator_branch_id"`
	OperatorUserID   int64          `json:"operator_user_id"`
	ClosingTS        time.Time      `json:"closing_ts"`
	ClosingComment   map[string]any `json:"closing_comment"`
}
