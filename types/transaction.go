package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind classifies a money movement within a group.
type TransactionKind string

const (
	TxContribution    TransactionKind = "contribution"
	TxSecurityDeposit TransactionKind = "security_deposit"
	TxDefaultCoverage TransactionKind = "default_coverage"
	TxDepositReturn   TransactionKind = "deposit_return"
	TxTierUpgrade     TransactionKind = "tier_upgrade"
)

// ConfirmationStatus is the dual-confirmation state of a transaction.
type ConfirmationStatus string

const (
	TxPending            ConfirmationStatus = "pending"
	TxSenderConfirmed    ConfirmationStatus = "sender_confirmed"
	TxRecipientConfirmed ConfirmationStatus = "recipient_confirmed"
	TxBothConfirmed      ConfirmationStatus = "both_confirmed"
	TxCancelled          ConfirmationStatus = "cancelled"
)

// Terminal reports whether s admits no further confirmation transitions.
func (s ConfirmationStatus) Terminal() bool {
	return s == TxBothConfirmed || s == TxCancelled
}

// Party identifies which side of a transaction is confirming.
type Party string

const (
	PartySender    Party = "sender"
	PartyRecipient Party = "recipient"
)

// Transaction is a money movement within a group. default_coverage and
// deposit_return rows are created already both_confirmed by the system; the
// payment port executes them afterwards.
type Transaction struct {
	ID                   string             `json:"id"`
	GroupID              string             `json:"group_id"`
	Kind                 TransactionKind    `json:"kind"`
	FromMember           string             `json:"from_member,omitempty"`
	ToMember             string             `json:"to_member,omitempty"`
	Amount               decimal.Decimal    `json:"amount"`
	Status               ConfirmationStatus `json:"status"`
	SenderConfirmedAt    *time.Time         `json:"sender_confirmed_at,omitempty"`
	RecipientConfirmedAt *time.Time         `json:"recipient_confirmed_at,omitempty"`
	RotationIndex        int                `json:"rotation_index"`
	DeadlineAt           time.Time          `json:"deadline_at"`
	ExternalRef          string             `json:"external_ref,omitempty"`
	Metadata             map[string]string  `json:"metadata,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	Version              uint64             `json:"version"`
}

// ConfirmedBy reports whether the given party has already confirmed.
func (t *Transaction) ConfirmedBy(p Party) bool {
	switch p {
	case PartySender:
		return t.SenderConfirmedAt != nil
	case PartyRecipient:
		return t.RecipientConfirmedAt != nil
	}
	return false
}

// DeriveStatus computes the confirmation status implied by the recorded
// timestamps. both_confirmed holds iff both timestamps are set; this is the
// symmetry the auditor enforces.
func (t *Transaction) DeriveStatus() ConfirmationStatus {
	switch {
	case t.Status == TxCancelled:
		return TxCancelled
	case t.SenderConfirmedAt != nil && t.RecipientConfirmedAt != nil:
		return TxBothConfirmed
	case t.SenderConfirmedAt != nil:
		return TxSenderConfirmed
	case t.RecipientConfirmedAt != nil:
		return TxRecipientConfirmed
	}
	return TxPending
}

// Copy returns a deep copy of the transaction.
func (t *Transaction) Copy() *Transaction {
	if t == nil {
		return nil
	}
	dup := *t
	if t.SenderConfirmedAt != nil {
		ts := *t.SenderConfirmedAt
		dup.SenderConfirmedAt = &ts
	}
	if t.RecipientConfirmedAt != nil {
		ts := *t.RecipientConfirmedAt
		dup.RecipientConfirmedAt = &ts
	}
	if t.Metadata != nil {
		dup.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
