// Package recon implements chain-wins reconciliation between the escrow
// contract and the off-chain mirror. The chain is the sole source of truth
// for money movement: on-chain state that is ahead overwrites the mirror,
// while local provisional state (a broadcast not yet mined) is retained and
// re-checked on the next pass.
package recon

import (
	"context"
	"errors"
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

// Reconciler reconciles a single order's mirror against chain state.
type Reconciler struct {
	store   *store.Store
	adapter chain.Adapter
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New constructs a reconciler.
func New(st *store.Store, adapter chain.Adapter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   st,
		adapter: adapter,
		logger:  logger,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, primarily for tests.
func (r *Reconciler) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	r.nowFn = now
}

// Result summarises one reconciliation pass.
type Result struct {
	OrderID        uuid.UUID `json:"orderId"`
	Advanced       int       `json:"advanced"`
	Provisional    int       `json:"provisional"`
	ConfirmedTxs   int       `json:"confirmedTxs"`
	ReleasedAmount string    `json:"releasedAmount"`
	Changed        bool      `json:"changed"`
}

// Sync reconciles the order against authoritative chain state. The whole pass
// runs in a single database transaction: readers never observe a partial
// reconciliation. A transport failure surfaces escrow.ErrChainUnreachable and
// leaves local state untouched. Sync is idempotent.
func (r *Reconciler) Sync(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	state, err := r.adapter.OrderState(ctx, order.EscrowID)
	if err != nil {
		return nil, err
	}
	result := &Result{OrderID: orderID}
	err = r.store.WithTx(ctx, func(tx *store.Store) error {
		return r.apply(ctx, tx, orderID, state, result)
	})
	if err != nil {
		if errors.Is(err, escrow.ErrSyncConflict) {
			syncConflicts.Inc()
		}
		return nil, err
	}
	syncRuns.Inc()
	milestonesAdvanced.Add(float64(result.Advanced))
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *store.Store, orderID uuid.UUID, state *chain.OrderState, result *Result) error {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	local := make(map[uint32]*models.Milestone, len(order.Milestones))
	for i := range order.Milestones {
		local[order.Milestones[i].MilestoneIndex] = &order.Milestones[i]
	}
	now := r.nowFn()
	releasedOnChain, err := chainReleased(state)
	if err != nil {
		return fmt.Errorf("%w: chain released amount: %v", escrow.ErrSyncConflict, err)
	}

	for _, cm := range state.Milestones {
		chainStatus, err := escrow.ParseMilestoneStatus(cm.Status)
		if err != nil {
			return fmt.Errorf("%w: milestone %d: %v", escrow.ErrSyncConflict, cm.Index, err)
		}
		lm, ok := local[cm.Index]
		if !ok {
			return fmt.Errorf("%w: chain reports unknown milestone index %d", escrow.ErrSyncConflict, cm.Index)
		}
		if cm.Amount != "" && cm.Amount != lm.Amount {
			return fmt.Errorf("%w: milestone %d amount %s on-chain vs %s local", escrow.ErrSyncConflict, cm.Index, cm.Amount, lm.Amount)
		}
		// Confirm any pending ledger entry the chain reports as mined,
		// regardless of whether the status itself moved.
		if cm.TxHash != "" && cm.BlockNumber > 0 {
			confirmed, err := r.confirmPending(tx, cm.TxHash, cm.BlockNumber)
			if err != nil {
				return err
			}
			result.ConfirmedTxs += confirmed
		}
		switch {
		case chainStatus == lm.EscrowStatus:
			// In agreement.
		case chainStatus == escrow.MilestoneDisputed:
			// A chain-confirmed dispute takes precedence over any local
			// provisional state.
			if err := r.overwrite(tx, lm, escrow.MilestoneDisputed, now); err != nil {
				return err
			}
			result.Advanced++
		case lm.EscrowStatus == escrow.MilestoneDisputed:
			// Local dispute not yet visible on-chain: provisional overlay.
			result.Provisional++
		case chainStatus.Ahead(lm.EscrowStatus):
			if err := r.overwrite(tx, lm, chainStatus, now); err != nil {
				return err
			}
			result.Advanced++
		default:
			// Local state is ahead: a broadcast not yet mined. Keep it and
			// re-check on the next pass.
			result.Provisional++
		}
	}

	// The released amount follows the chain. Outside of disputes it must
	// never shrink; shrinking is an irreconcilable conflict, not something
	// to paper over.
	current, err := escrow.ParseAmount(order.EscrowReleasedAmount)
	if err != nil {
		return err
	}
	budget, err := escrow.ParseAmount(order.Budget)
	if err != nil {
		return err
	}
	if releasedOnChain.Cmp(budget) > 0 {
		return fmt.Errorf("%w: chain released %s exceeds budget %s", escrow.ErrSyncConflict, releasedOnChain, budget)
	}
	if releasedOnChain.Cmp(current) < 0 && !order.InDispute && !state.Disputed {
		return fmt.Errorf("%w: chain released %s below local %s", escrow.ErrSyncConflict, releasedOnChain, current)
	}
	released := escrow.FormatAmount(releasedOnChain)
	if released != order.EscrowReleasedAmount {
		if err := tx.SetReleasedAmount(ctx, orderID, released); err != nil {
			return err
		}
		result.Changed = true
	}
	result.ReleasedAmount = released

	if err := r.applyOrderStatus(ctx, tx, order, state, result); err != nil {
		return err
	}
	if result.Advanced > 0 || result.ConfirmedTxs > 0 {
		result.Changed = true
	}
	return nil
}

func (r *Reconciler) applyOrderStatus(ctx context.Context, tx *store.Store, order *models.Order, state *chain.OrderState, result *Result) error {
	if state.Status == "" {
		return nil
	}
	chainStatus, err := escrow.ParseOrderStatus(state.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", escrow.ErrSyncConflict, err)
	}
	switch {
	case state.Disputed && !order.InDispute:
		if err := tx.SetFrozen(ctx, order.ID, true, escrow.OrderEscrowDisputed); err != nil {
			return err
		}
		result.Changed = true
	case !state.Disputed && order.InDispute:
		// The local dispute raise may simply not be mined yet; keep the
		// provisional freeze and re-check later.
		result.Provisional++
	case chainStatus != order.EscrowStatus:
		if err := tx.SetOrderStatus(ctx, order.ID, chainStatus); err != nil {
			return err
		}
		result.Changed = true
	}
	return nil
}

// overwrite forces a milestone to the chain-reported status, stamping the
// lifecycle timestamps the milestone passed through.
func (r *Reconciler) overwrite(tx *store.Store, m *models.Milestone, to escrow.MilestoneStatus, now time.Time) error {
	updates := map[string]interface{}{
		"escrow_status": to,
		"updated_at":    now,
	}
	toRank, linear := to.Rank()
	if linear {
		if rk := mustRank(escrow.MilestoneSubmitted); toRank >= rk && m.SubmittedAt == nil {
			updates["submitted_at"] = now
		}
		if rk := mustRank(escrow.MilestoneApproved); toRank >= rk && m.ApprovedAt == nil {
			updates["approved_at"] = now
		}
		if rk := mustRank(escrow.MilestonePaid); toRank >= rk && m.PaidAt == nil {
			updates["paid_at"] = now
		}
		if m.EscrowStatus == escrow.MilestoneDisputed {
			updates["prior_status"] = nil
		}
	} else if to == escrow.MilestoneDisputed && m.EscrowStatus != escrow.MilestoneDisputed {
		updates["prior_status"] = m.EscrowStatus
	}
	err := tx.DB().Model(&models.Milestone{}).
		Where("id = ?", m.ID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("recon: overwrite milestone %d: %w", m.MilestoneIndex, err)
	}
	return nil
}

func (r *Reconciler) confirmPending(tx *store.Store, txHash string, blockNumber uint64) (int, error) {
	res := tx.DB().Model(&models.Transaction{}).
		Where("tx_hash = ? AND status = ?", txHash, escrow.TxPending).
		Updates(map[string]interface{}{
			"status":       escrow.TxConfirmed,
			"block_number": blockNumber,
			"updated_at":   r.nowFn(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("recon: confirm tx %s: %w", txHash, res.Error)
	}
	return int(res.RowsAffected), nil
}

func mustRank(s escrow.MilestoneStatus) int {
	rank, _ := s.Rank()
	return rank
}

// chainReleased returns the order's on-chain released total. Nodes that omit
// the aggregate field fall back to the sum of paid milestone amounts.
func chainReleased(state *chain.OrderState) (*big.Int, error) {
	if state.ReleasedAmount != "" {
		return escrow.ParseAmount(state.ReleasedAmount)
	}
	total := big.NewInt(0)
	for _, cm := range state.Milestones {
		status, err := escrow.ParseMilestoneStatus(cm.Status)
		if err != nil || status != escrow.MilestonePaid {
			continue
		}
		amount, err := escrow.ParseAmount(cm.Amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, amount)
	}
	return total, nil
}
