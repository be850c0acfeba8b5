package model

import (
	"errors"
	"time"
)

// TransferType discriminates the prepared-transfer tagged union.
type TransferType int16

const (
	// TransferCircular is part of a multi-party clearing cycle and must
	// carry the initiating coordinator.
	TransferCircular TransferType = 1
	// TransferDirect moves funds between two accounts of the same debtor,
	// optionally consuming a withdrawal request.
	TransferDirect TransferType = 2
	// TransferThirdParty references an amount owed by another debtor.
	// Structural support only; no business operation issues these yet.
	TransferThirdParty TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferCircular:
		return "circular"
	case TransferDirect:
		return "direct"
	case TransferThirdParty:
		return "third_party"
	}
	return "unknown"
}

// WithdrawalRequestRef links a prepared transfer to the withdrawal request
// that it will consume on commit.
type WithdrawalRequestRef struct {
	CreditorID int64 `json:"creditor_id"`
	Seqnum     int64 `json:"seqnum"`
}

// PreparedTransfer is a fund movement in flight: the sender's spendable
// balance has been debited by SenderLockedAmount and the row exists until
// the transfer is committed or cancelled. Exactly one of CoordinatorID,
// WithdrawalRequest, or the third-party pair may be set, as dictated by
// Type.
type PreparedTransfer struct {
	DebtorID            int64        `json:"debtor_id"`
	Seqnum              int64        `json:"seqnum"`
	SenderCreditorID    int64        `json:"sender_creditor_id"`
	RecipientCreditorID int64        `json:"recipient_creditor_id"`
	Type                TransferType `json:"transfer_type"`
	Amount              int64        `json:"amount"`
	SenderLockedAmount  int64        `json:"sender_locked_amount"`
	PreparedAt          time.Time    `json:"prepared_at"`

	CoordinatorID      *int64                `json:"coordinator_id,omitempty"`
	WithdrawalRequest  *WithdrawalRequestRef `json:"withdrawal_request,omitempty"`
	ThirdPartyDebtorID *int64                `json:"third_party_debtor_id,omitempty"`
	ThirdPartyAmount   *int64                `json:"third_party_amount,omitempty"`
}

var errIllegalTransfer = errors.New("illegal prepared transfer")

// Validate enforces the legality invariants that must hold on every
// prepared-transfer row.
func (t *PreparedTransfer) Validate() error {
	if t.Amount < 0 || t.SenderLockedAmount < 0 {
		return errIllegalTransfer
	}
	if (t.Type == TransferCircular) != (t.CoordinatorID != nil) {
		return errIllegalTransfer
	}
	if (t.ThirdPartyDebtorID != nil) != (t.ThirdPartyAmount != nil) {
		return errIllegalTransfer
	}
	if (t.Type == TransferThirdParty) != (t.ThirdPartyDebtorID != nil) {
		return errIllegalTransfer
	}
	if t.WithdrawalRequest != nil && t.Type != TransferDirect {
		return errIllegalTransfer
	}
	return nil
}

// The role checks below verify that a caller's claimed role structurally
// matches the transfer it wants to resolve. They implement authorization
// consistency only; capability checks happen before the core is invoked.

// CheckCoordinator permits coordinators to resolve their own circular
// transfers.
func (t *PreparedTransfer) CheckCoordinator(coordinatorID int64) error {
	if t.Type != TransferCircular || t.CoordinatorID == nil || *t.CoordinatorID != coordinatorID {
		return ErrInvalidPreparedTransfer
	}
	return nil
}

// CheckCreditor permits creditors to resolve direct transfers sent from
// their own account.
func (t *PreparedTransfer) CheckCreditor(creditorID int64) error {
	if t.Type != TransferDirect || t.SenderCreditorID != creditorID {
		return ErrInvalidPreparedTransfer
	}
	return nil
}

// CheckDebtor permits the debtor to resolve deposits, which are sent from
// the root issuance account.
func (t *PreparedTransfer) CheckDebtor() error {
	if t.SenderCreditorID != RootCreditorID {
		return ErrInvalidPreparedTransfer
	}
	return nil
}

// CheckGuarantor permits guarantors to resolve third-party transfers.
func (t *PreparedTransfer) CheckGuarantor() error {
	if t.Type != TransferThirdParty {
		return ErrInvalidPreparedTransfer
	}
	return nil
}
