// Package dispute manages the side-channel dispute state that freezes an
// order's payment flow. At most one dispute may be open per order; while it
// is open, every milestone transition other than into the disputed state is
// rejected by the store.
package dispute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"escrowsync/chain"
	"escrowsync/escrow"
	"escrowsync/models"
	"escrowsync/store"
)

// Coordinator wires dispute raising and resolution to the store, the ledger
// and the chain adapter.
type Coordinator struct {
	store   *store.Store
	adapter chain.Adapter
	logger  *slog.Logger
}

// New constructs a dispute coordinator.
func New(st *store.Store, adapter chain.Adapter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, adapter: adapter, logger: logger}
}

// RaiseRequest captures the fields supplied by the disputing party.
type RaiseRequest struct {
	Reason        string
	Description   string
	InitiatedBy   string
	InitiatorType escrow.InitiatorType
}

// Raise opens a dispute for the order: it broadcasts the on-chain dispute,
// logs the transaction and, once confirmed, freezes the order and its
// in-flight milestones. When no receipt arrives the ledger entry stays
// pending; the sync service mirrors the dispute when the chain reports it.
func (c *Coordinator) Raise(ctx context.Context, orderID uuid.UUID, req RaiseRequest) (*models.Dispute, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	open, err := c.openDispute(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: order %s", escrow.ErrDisputeAlreadyOpen, orderID)
	}
	handle, err := c.adapter.RaiseDispute(ctx, order.EscrowID)
	if err != nil {
		return nil, err
	}
	entry, err := c.store.RecordTransaction(ctx, store.TransactionRecord{
		OrderID:     orderID,
		Type:        escrow.TxDisputeRaised,
		TxHash:      handle.Hash().Hex(),
		FromAddress: handle.From().Hex(),
		ToAddress:   order.EscrowID,
	})
	if err != nil {
		return nil, err
	}
	receipt, err := handle.Wait(ctx)
	if err != nil {
		c.logger.Info("dispute confirmation wait ended without receipt, leaving ledger entry pending",
			"txHash", entry.TxHash, "err", err)
		return nil, err
	}
	if !receipt.Succeeded() {
		reason := fmt.Sprintf("transaction reverted in block %d", receipt.BlockNumber)
		if markErr := c.store.MarkFailed(ctx, entry.TxHash, reason); markErr != nil {
			c.logger.Error("mark failed", "txHash", entry.TxHash, "err", markErr)
		}
		return nil, fmt.Errorf("%w: %s", escrow.ErrChain, reason)
	}
	if err := c.store.MarkConfirmed(ctx, entry.TxHash, receipt.BlockNumber); err != nil {
		return nil, err
	}
	dispute, err := c.store.CreateDispute(ctx, store.DisputeRecord{
		OrderID:       orderID,
		Reason:        req.Reason,
		Description:   req.Description,
		InitiatedBy:   req.InitiatedBy,
		InitiatorType: req.InitiatorType,
	})
	if err != nil {
		return nil, err
	}
	if err := c.store.FreezeMilestones(ctx, orderID); err != nil {
		return nil, err
	}
	if err := c.store.SetFrozen(ctx, orderID, true, escrow.OrderEscrowDisputed); err != nil {
		return nil, err
	}
	return dispute, nil
}

// Resolve closes an open dispute with the supplied outcome, unfreezes the
// order and restores every disputed milestone to its pre-dispute state. The
// on-chain resolution is performed by the arbitration admin out of band; the
// sync service reconciles any divergence afterwards.
func (c *Coordinator) Resolve(ctx context.Context, disputeID uuid.UUID, outcome string) (*models.Dispute, error) {
	dispute, err := c.store.ResolveDispute(ctx, disputeID, outcome)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetFrozen(ctx, dispute.OrderID, false, escrow.OrderEscrowActive); err != nil {
		return nil, err
	}
	if err := c.store.RestoreMilestones(ctx, dispute.OrderID); err != nil {
		return nil, err
	}
	if err := c.completeOrderIfPaid(ctx, dispute.OrderID); err != nil {
		return nil, err
	}
	return dispute, nil
}

func (c *Coordinator) openDispute(ctx context.Context, orderID uuid.UUID) (*models.Dispute, error) {
	disputes, err := c.store.DisputesForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range disputes {
		if disputes[i].Status == escrow.DisputeOpen {
			return &disputes[i], nil
		}
	}
	return nil, nil
}

func (c *Coordinator) completeOrderIfPaid(ctx context.Context, orderID uuid.UUID) error {
	milestones, err := c.store.MilestonesForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if len(milestones) == 0 {
		return nil
	}
	for _, m := range milestones {
		if m.EscrowStatus != escrow.MilestonePaid {
			return nil
		}
	}
	return c.store.SetOrderStatus(ctx, orderID, escrow.OrderEscrowCompleted)
}
