package escrow

import (
	"fmt"
	"strings"
)

// MilestoneStatus represents the lifecycle state of a single milestone. The
// string values double as the wire and storage encoding; unknown values are
// rejected at the boundary rather than passed through.
type MilestoneStatus string

const (
	// MilestonePending marks milestones awaiting the builder's submission.
	MilestonePending MilestoneStatus = "pending"
	// MilestoneSubmitted marks milestones delivered and awaiting approval.
	MilestoneSubmitted MilestoneStatus = "submitted"
	// MilestoneApproved marks milestones approved with the release broadcast
	// but not yet confirmed on-chain.
	MilestoneApproved MilestoneStatus = "approved"
	// MilestonePaid marks milestones whose release was confirmed on-chain.
	MilestonePaid MilestoneStatus = "paid"
	// MilestoneDisputed freezes the milestone until the dispute resolves.
	MilestoneDisputed MilestoneStatus = "disputed"
)

// milestoneRank orders the forward-only lifecycle. Disputed sits outside the
// linear order and is handled explicitly.
var milestoneRank = map[MilestoneStatus]int{
	MilestonePending:   0,
	MilestoneSubmitted: 1,
	MilestoneApproved:  2,
	MilestonePaid:      3,
}

// Valid reports whether the status is one of the supported values.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneSubmitted, MilestoneApproved, MilestonePaid, MilestoneDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from the status.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestonePaid
}

// Rank returns the position of the status in the forward transition order and
// whether the status participates in that order at all.
func (s MilestoneStatus) Rank() (int, bool) {
	r, ok := milestoneRank[s]
	return r, ok
}

// Ahead reports whether s is strictly further along the forward order than
// other. Disputed never compares ahead; it is resolved by explicit precedence
// rules instead.
func (s MilestoneStatus) Ahead(other MilestoneStatus) bool {
	a, okA := milestoneRank[s]
	b, okB := milestoneRank[other]
	if !okA || !okB {
		return false
	}
	return a > b
}

// ParseMilestoneStatus normalises and validates a status received from the
// wire.
func ParseMilestoneStatus(raw string) (MilestoneStatus, error) {
	s := MilestoneStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown milestone status %q", ErrInvalidTransition, raw)
	}
	return s, nil
}

// CanTransition reports whether from→to is an allowed milestone transition.
// The lifecycle is strictly forward one step at a time, any non-terminal state
// may move into disputed, and disputed may return to the recorded prior state
// on resolution (the restore path is admin-only; the store enforces that
// separately).
func CanTransition(from, to MilestoneStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == MilestoneDisputed {
		return !from.Terminal()
	}
	if from == MilestoneDisputed {
		// Resolution restores the recorded prior state, which is always an
		// in-flight one: paid milestones cannot be disputed in the first place.
		return !to.Terminal()
	}
	a, b := milestoneRank[from], milestoneRank[to]
	return b == a+1
}

// OrderStatus represents the escrow lifecycle of a whole order.
type OrderStatus string

const (
	OrderEscrowNone      OrderStatus = "none"
	OrderEscrowActive    OrderStatus = "active"
	OrderEscrowCompleted OrderStatus = "completed"
	OrderEscrowDisputed  OrderStatus = "disputed"
	OrderEscrowRefunded  OrderStatus = "refunded"
)

// Valid reports whether the order status is a supported value.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderEscrowNone, OrderEscrowActive, OrderEscrowCompleted, OrderEscrowDisputed, OrderEscrowRefunded:
		return true
	default:
		return false
	}
}

// ParseOrderStatus normalises and validates an order status from the wire.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidTransition, raw)
	}
	return s, nil
}

// TransactionType enumerates the on-chain actions recorded in the ledger.
type TransactionType string

const (
	TxMilestoneSubmitted TransactionType = "milestone_submitted"
	TxMilestoneApproved  TransactionType = "milestone_approved"
	TxRefund             TransactionType = "refund"
	TxDisputeRaised      TransactionType = "dispute_raised"
)

// Valid reports whether the transaction type is a supported value.
func (t TransactionType) Valid() bool {
	switch t {
	case TxMilestoneSubmitted, TxMilestoneApproved, TxRefund, TxDisputeRaised:
		return true
	default:
		return false
	}
}

// ParseTransactionType normalises and validates a ledger type from the wire.
func ParseTransactionType(raw string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("escrow: unknown transaction type %q", raw)
	}
	return t, nil
}

// TransactionStatus enumerates ledger record settlement states.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

// DisputeStatus enumerates the dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// InitiatorType identifies which party raised a dispute.
type InitiatorType string

const (
	InitiatorClient  InitiatorType = "client"
	InitiatorBuilder InitiatorType = "builder"
)

// ParseInitiatorType validates a dispute initiator received from the wire.
func ParseInitiatorType(raw string) (InitiatorType, error) {
	t := InitiatorType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case InitiatorClient, InitiatorBuilder:
		return t, nil
	default:
		return "", fmt.Errorf("escrow: unknown initiator type %q", raw)
	}
}
