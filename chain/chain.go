// Package chain wraps the escrow contract endpoint. The adapter signs and
// broadcasts state-changing transactions through the connected wallet signer
// and exposes the authoritative on-chain view consumed by the sync service.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Adapter is the escrow contract surface used by the workflow engine, the
// dispute coordinator and the sync service.
type Adapter interface {
	// SubmitMilestone broadcasts the builder's milestone submission.
	SubmitMilestone(ctx context.Context, escrowID string, index uint32) (PendingTx, error)
	// ApproveMilestone broadcasts the client's approval, releasing the
	// milestone amount.
	ApproveMilestone(ctx context.Context, escrowID string, index uint32) (PendingTx, error)
	// RaiseDispute broadcasts a dispute, freezing the escrow on-chain.
	RaiseDispute(ctx context.Context, escrowID string) (PendingTx, error)
	// RefundOrder broadcasts an order-level refund to the client.
	RefundOrder(ctx context.Context, escrowID string) (PendingTx, error)
	// OrderState fetches the authoritative escrow state for reconciliation.
	OrderState(ctx context.Context, escrowID string) (*OrderState, error)
}

// PendingTx is a broadcast transaction awaiting confirmation.
type PendingTx interface {
	Hash() common.Hash
	From() common.Address
	// Wait blocks until the transaction is mined or the confirmation
	// timeout elapses.
	Wait(ctx context.Context) (*Receipt, error)
}

// Receipt is the mined result of a broadcast transaction.
type Receipt struct {
	TxHash      common.Hash `json:"transactionHash"`
	BlockNumber uint64      `json:"blockNumber"`
	Status      uint64      `json:"status"`
}

// Succeeded reports whether the transaction executed without revert.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// OrderState mirrors the escrow contract's view of one order.
type OrderState struct {
	EscrowID       string           `json:"escrowId"`
	Status         string           `json:"status"`
	ReleasedAmount string           `json:"releasedAmount"`
	Disputed       bool             `json:"disputed"`
	Milestones     []MilestoneState `json:"milestones"`
}

// MilestoneState mirrors one milestone slot of the contract.
type MilestoneState struct {
	Index       uint32 `json:"index"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}
