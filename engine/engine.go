// Package engine orchestrates the milestone workflow: every user-triggered
// escrow action claims its local transition first, then broadcasts, then logs
// the transaction and awaits confirmation. The guarded claim is what prevents
// a double-click from double-executing an on-chain transaction.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"escrowsync/chain"
	"escrowsync/escrow"
	"escrowsync/models"
	"escrowsync/store"
)

// Engine wires the milestone workflow to the store, the ledger and the chain
// adapter.
type Engine struct {
	store   *store.Store
	adapter chain.Adapter
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New constructs a workflow engine.
func New(st *store.Store, adapter chain.Adapter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		adapter: adapter,
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// Submit executes the builder's milestone submission: pending→submitted
// locally, broadcast, ledger entry, bounded confirmation wait. When no
// receipt arrives the milestone stays submitted as a provisional overlay and
// the ledger entry stays pending for the sync service to reconcile.
func (e *Engine) Submit(ctx context.Context, orderID uuid.UUID, index uint32) (*models.Transaction, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	milestone, err := e.store.GetMilestone(ctx, orderID, index)
	if err != nil {
		return nil, err
	}
	if err := e.store.ApplyTransition(ctx, orderID, index, escrow.MilestonePending, escrow.MilestoneSubmitted); err != nil {
		return nil, err
	}
	handle, err := e.adapter.SubmitMilestone(ctx, order.EscrowID, index)
	if err != nil {
		e.revert(ctx, orderID, index, escrow.MilestoneSubmitted, escrow.MilestonePending)
		return nil, err
	}
	entry, err := e.store.RecordTransaction(ctx, store.TransactionRecord{
		OrderID:        orderID,
		Type:           escrow.TxMilestoneSubmitted,
		MilestoneIndex: &index,
		Amount:         milestone.Amount,
		TxHash:         handle.Hash().Hex(),
		FromAddress:    handle.From().Hex(),
		ToAddress:      order.EscrowID,
	})
	if err != nil {
		return nil, err
	}
	if err := e.confirm(ctx, handle, entry, func() error { return nil }, func() {
		e.revert(ctx, orderID, index, escrow.MilestoneSubmitted, escrow.MilestonePending)
	}); err != nil {
		return entry, err
	}
	return e.store.TransactionByHash(ctx, entry.TxHash)
}

// Approve executes the client's approval: submitted→approved locally,
// broadcast, ledger entry, confirmation wait. On confirmation the milestone
// becomes paid and the order's released amount grows by the milestone amount.
func (e *Engine) Approve(ctx context.Context, orderID uuid.UUID, index uint32) (*models.Transaction, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	milestone, err := e.store.GetMilestone(ctx, orderID, index)
	if err != nil {
		return nil, err
	}
	if err := e.store.ApplyTransition(ctx, orderID, index, escrow.MilestoneSubmitted, escrow.MilestoneApproved); err != nil {
		return nil, err
	}
	handle, err := e.adapter.ApproveMilestone(ctx, order.EscrowID, index)
	if err != nil {
		e.revert(ctx, orderID, index, escrow.MilestoneApproved, escrow.MilestoneSubmitted)
		return nil, err
	}
	entry, err := e.store.RecordTransaction(ctx, store.TransactionRecord{
		OrderID:        orderID,
		Type:           escrow.TxMilestoneApproved,
		MilestoneIndex: &index,
		Amount:         milestone.Amount,
		TxHash:         handle.Hash().Hex(),
		FromAddress:    handle.From().Hex(),
		ToAddress:      order.EscrowID,
	})
	if err != nil {
		return nil, err
	}
	finalize := func() error {
		if err := e.store.ApplyTransition(ctx, orderID, index, escrow.MilestoneApproved, escrow.MilestonePaid); err != nil {
			return err
		}
		if err := e.store.AddReleasedAmount(ctx, orderID, milestone.Amount); err != nil {
			return err
		}
		return e.completeOrderIfPaid(ctx, orderID)
	}
	if err := e.confirm(ctx, handle, entry, finalize, func() {
		e.revert(ctx, orderID, index, escrow.MilestoneApproved, escrow.MilestoneSubmitted)
	}); err != nil {
		return entry, err
	}
	return e.store.TransactionByHash(ctx, entry.TxHash)
}

// AutoApprove approves every submitted milestone whose approval deadline
// elapsed, acting as the platform signer. Failures are logged and skipped so
// one stuck order does not block the rest of the batch.
func (e *Engine) AutoApprove(ctx context.Context) (int, error) {
	due, err := e.store.MilestonesDueAutoApproval(ctx, e.nowFn().Unix())
	if err != nil {
		return 0, err
	}
	approved := 0
	for _, m := range due {
		if _, err := e.Approve(ctx, m.OrderID, m.MilestoneIndex); err != nil {
			e.logger.Warn("auto-approve failed",
				"order", m.OrderID.String(),
				"milestone", m.MilestoneIndex,
				"err", err)
			continue
		}
		approved++
	}
	return approved, nil
}

// Refund broadcasts an order-level refund of the unreleased balance and, on
// confirmation, marks the order refunded.
func (e *Engine) Refund(ctx context.Context, orderID uuid.UUID) (*models.Transaction, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.EscrowStatus == escrow.OrderEscrowRefunded {
		return nil, fmt.Errorf("%w: order %s already refunded", escrow.ErrInvalidTransition, orderID)
	}
	remaining, err := remainingBudget(order)
	if err != nil {
		return nil, err
	}
	handle, err := e.adapter.RefundOrder(ctx, order.EscrowID)
	if err != nil {
		return nil, err
	}
	entry, err := e.store.RecordTransaction(ctx, store.TransactionRecord{
		OrderID:     orderID,
		Type:        escrow.TxRefund,
		Amount:      escrow.FormatAmount(remaining),
		TxHash:      handle.Hash().Hex(),
		FromAddress: handle.From().Hex(),
		ToAddress:   order.EscrowID,
	})
	if err != nil {
		return nil, err
	}
	finalize := func() error {
		return e.store.SetOrderStatus(ctx, orderID, escrow.OrderEscrowRefunded)
	}
	if err := e.confirm(ctx, handle, entry, finalize, func() {}); err != nil {
		return entry, err
	}
	return e.store.TransactionByHash(ctx, entry.TxHash)
}

// confirm waits for the receipt and settles the ledger entry. onSuccess runs
// after the entry is confirmed; onRevert compensates the provisional local
// transition when the transaction reverted on-chain. A Wait error of any kind
// settles nothing: the transaction is already broadcast and cannot be
// cancelled locally, so the entry stays pending and the sync service owns
// recovery.
func (e *Engine) confirm(ctx context.Context, handle chain.PendingTx, entry *models.Transaction, onSuccess func() error, onRevert func()) error {
	receipt, err := handle.Wait(ctx)
	if err != nil {
		e.logger.Info("confirmation wait ended without receipt, leaving ledger entry pending",
			"txHash", entry.TxHash, "err", err)
		return err
	}
	if !receipt.Succeeded() {
		reason := fmt.Sprintf("transaction reverted in block %d", receipt.BlockNumber)
		if markErr := e.store.MarkFailed(ctx, entry.TxHash, reason); markErr != nil {
			e.logger.Error("mark failed", "txHash", entry.TxHash, "err", markErr)
		}
		onRevert()
		return fmt.Errorf("%w: %s", escrow.ErrChain, reason)
	}
	if err := e.store.MarkConfirmed(ctx, entry.TxHash, receipt.BlockNumber); err != nil {
		return err
	}
	return onSuccess()
}

// revert is the best-effort compensation for a provisional transition whose
// broadcast never happened or failed on-chain.
func (e *Engine) revert(ctx context.Context, orderID uuid.UUID, index uint32, from, to escrow.MilestoneStatus) {
	if err := e.store.RevertTransition(ctx, orderID, index, from, to); err != nil {
		e.logger.Error("revert transition", "order", orderID.String(), "milestone", index, "err", err)
	}
}

func (e *Engine) completeOrderIfPaid(ctx context.Context, orderID uuid.UUID) error {
	milestones, err := e.store.MilestonesForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for _, m := range milestones {
		if m.EscrowStatus != escrow.MilestonePaid {
			return nil
		}
	}
	return e.store.SetOrderStatus(ctx, orderID, escrow.OrderEscrowCompleted)
}

func remainingBudget(order *models.Order) (*big.Int, error) {
	budget, err := escrow.ParseAmount(order.Budget)
	if err != nil {
		return nil, err
	}
	released, err := escrow.ParseAmount(order.EscrowReleasedAmount)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(budget, released)
	if remaining.Sign() < 0 {
		return nil, fmt.Errorf("%w: released %s exceeds budget %s", escrow.ErrSyncConflict, released, budget)
	}
	return remaining, nil
}
