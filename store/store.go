// Package store persists the off-chain mirror of escrow state: orders,
// milestones, the transaction ledger and disputes. All milestone writers
// funnel through ApplyTransition, the guarded compare-and-set that preserves
// the forward-only lifecycle.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowsync/escrow"
	"escrowsync/models"
)

// Store wraps the gorm handle together with a clock. The clock is injectable
// for deterministic tests.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a store over the supplied database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock. Passing nil restores the real time source.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
		return
	}
	s.now = now
}

// DB exposes the underlying handle for callers that compose their own
// transactions.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn against a store bound to a single database transaction.
// Either every write inside fn commits or none do.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

// MilestoneSpec describes one milestone supplied at order creation.
type MilestoneSpec struct {
	Title            string
	Amount           string
	ApprovalDeadline int64
}

// CreateOrder persists a new order with its milestones. The escrow identifier
// is derived deterministically from the order id and both parties, and every
// milestone starts pending. The sum of milestone amounts must not exceed the
// budget.
func (s *Store) CreateOrder(ctx context.Context, clientAddr, builderAddr, budget string, specs []MilestoneSpec) (*models.Order, error) {
	budgetAmt, err := escrow.ParseAmount(budget)
	if err != nil {
		return nil, err
	}
	amounts := make([]string, 0, len(specs))
	for _, spec := range specs {
		if _, err := escrow.ParseAmount(spec.Amount); err != nil {
			return nil, err
		}
		amounts = append(amounts, spec.Amount)
	}
	total, err := escrow.SumAmounts(amounts...)
	if err != nil {
		return nil, err
	}
	if total.Cmp(budgetAmt) > 0 {
		return nil, fmt.Errorf("%w: milestone amounts %s exceed budget %s", escrow.ErrSyncConflict, total, budgetAmt)
	}
	now := s.now()
	order := &models.Order{
		ID:                   uuid.New(),
		ClientAddress:        clientAddr,
		BuilderAddress:       builderAddr,
		Budget:               escrow.FormatAmount(budgetAmt),
		EscrowStatus:         escrow.OrderEscrowActive,
		EscrowReleasedAmount: "0",
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	order.EscrowID = escrow.DeriveEscrowID(order.ID, clientAddr, builderAddr)
	for i, spec := range specs {
		order.Milestones = append(order.Milestones, models.Milestone{
			ID:               uuid.New(),
			OrderID:          order.ID,
			MilestoneIndex:   uint32(i),
			Title:            spec.Title,
			Amount:           spec.Amount,
			EscrowStatus:     escrow.MilestonePending,
			ApprovalDeadline: spec.ApprovalDeadline,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("store: create order: %w", err)
	}
	return order, nil
}

// GetOrder loads an order with its milestones ordered by index.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("milestone_index ASC") }).
		First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: order %s", escrow.ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load order: %w", err)
	}
	return &order, nil
}

// MilestonesForOrder returns the order's milestones ordered by index.
func (s *Store) MilestonesForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Milestone, error) {
	var milestones []models.Milestone
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("milestone_index ASC").
		Find(&milestones).Error
	if err != nil {
		return nil, fmt.Errorf("store: load milestones: %w", err)
	}
	return milestones, nil
}

// GetMilestone loads a single milestone by order and index.
func (s *Store) GetMilestone(ctx context.Context, orderID uuid.UUID, index uint32) (*models.Milestone, error) {
	var milestone models.Milestone
	err := s.db.WithContext(ctx).
		First(&milestone, "order_id = ? AND milestone_index = ?", orderID, index).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: milestone %d of order %s", escrow.ErrNotFound, index, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load milestone: %w", err)
	}
	return &milestone, nil
}

// ApplyTransition performs the guarded compare-and-set on a milestone status.
// The update only lands when the stored status still equals from; a second
// concurrent caller observes escrow.ErrStaleTransition instead of silently
// double-executing. While the order is in dispute every target other than
// disputed is rejected with escrow.ErrOrderFrozen.
func (s *Store) ApplyTransition(ctx context.Context, orderID uuid.UUID, index uint32, from, to escrow.MilestoneStatus) error {
	if !escrow.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", escrow.ErrInvalidTransition, from, to)
	}
	return s.WithTx(ctx, func(tx *Store) error {
		var order models.Order
		err := tx.db.First(&order, "id = ?", orderID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %s", escrow.ErrNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("store: load order: %w", err)
		}
		if order.InDispute && to != escrow.MilestoneDisputed {
			return fmt.Errorf("%w: order %s", escrow.ErrOrderFrozen, orderID)
		}
		now := tx.now()
		updates := map[string]interface{}{
			"escrow_status": to,
			"updated_at":    now,
		}
		switch to {
		case escrow.MilestoneSubmitted:
			updates["submitted_at"] = now
		case escrow.MilestoneApproved:
			updates["approved_at"] = now
		case escrow.MilestonePaid:
			updates["paid_at"] = now
		case escrow.MilestoneDisputed:
			updates["prior_status"] = from
		}
		if from == escrow.MilestoneDisputed {
			updates["prior_status"] = nil
		}
		res := tx.db.Model(&models.Milestone{}).
			Where("order_id = ? AND milestone_index = ? AND escrow_status = ?", orderID, index, from).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("store: apply transition: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.db.Model(&models.Milestone{}).
				Where("order_id = ? AND milestone_index = ?", orderID, index).
				Count(&count).Error; err != nil {
				return fmt.Errorf("store: apply transition: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("%w: milestone %d of order %s", escrow.ErrNotFound, index, orderID)
			}
			return fmt.Errorf("%w: milestone %d of order %s is no longer %s", escrow.ErrStaleTransition, index, orderID, from)
		}
		return nil
	})
}

// RevertTransition undoes a provisional transition after a failed broadcast.
// It is a compare-and-set back to the prior status and bypasses the forward
// rule, but never reverts a paid milestone and never runs while the order is
// frozen.
func (s *Store) RevertTransition(ctx context.Context, orderID uuid.UUID, index uint32, from, to escrow.MilestoneStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: cannot revert %s", escrow.ErrInvalidTransition, from)
	}
	res := s.db.WithContext(ctx).Model(&models.Milestone{}).
		Where("order_id = ? AND milestone_index = ? AND escrow_status = ?", orderID, index, from).
		Updates(map[string]interface{}{"escrow_status": to, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("store: revert transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: milestone %d of order %s is no longer %s", escrow.ErrStaleTransition, index, orderID, from)
	}
	return nil
}

// MilestonesDueAutoApproval returns submitted milestones whose approval
// deadline elapsed, on orders that are not frozen by a dispute. The
// reconciliation scheduler feeds these to the workflow engine.
func (s *Store) MilestonesDueAutoApproval(ctx context.Context, now int64) ([]models.Milestone, error) {
	var milestones []models.Milestone
	err := s.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = milestones.order_id AND orders.in_dispute = ?", false).
		Where("milestones.escrow_status = ? AND milestones.approval_deadline > 0 AND milestones.approval_deadline <= ?", escrow.MilestoneSubmitted, now).
		Order("milestones.approval_deadline ASC").
		Find(&milestones).Error
	if err != nil {
		return nil, fmt.Errorf("store: milestones due auto approval: %w", err)
	}
	return milestones, nil
}

// SetOrderStatus updates the order-level escrow status.
func (s *Store) SetOrderStatus(ctx context.Context, orderID uuid.UUID, status escrow.OrderStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{"escrow_status": status, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("store: set order status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s", escrow.ErrNotFound, orderID)
	}
	return nil
}

// SetReleasedAmount overwrites the order's released amount. The value is
// recomputed from chain state by the sync service and enforced monotonic
// outside of disputes by the caller.
func (s *Store) SetReleasedAmount(ctx context.Context, orderID uuid.UUID, amount string) error {
	if _, err := escrow.ParseAmount(amount); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{"escrow_released_amount": amount, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("store: set released amount: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s", escrow.ErrNotFound, orderID)
	}
	return nil
}

// AddReleasedAmount increases the order's released amount by delta and keeps
// the budget invariant: the new total must not exceed the budget.
func (s *Store) AddReleasedAmount(ctx context.Context, orderID uuid.UUID, delta string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		var order models.Order
		err := tx.db.First(&order, "id = ?", orderID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: order %s", escrow.ErrNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("store: load order: %w", err)
		}
		total, err := escrow.SumAmounts(order.EscrowReleasedAmount, delta)
		if err != nil {
			return err
		}
		budget, err := escrow.ParseAmount(order.Budget)
		if err != nil {
			return err
		}
		if total.Cmp(budget) > 0 {
			return fmt.Errorf("%w: released %s exceeds budget %s", escrow.ErrSyncConflict, total, budget)
		}
		return tx.db.Model(&models.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]interface{}{"escrow_released_amount": escrow.FormatAmount(total), "updated_at": tx.now()}).Error
	})
}

// SetFrozen toggles the order's dispute freeze flag and mirrors the order
// status accordingly.
func (s *Store) SetFrozen(ctx context.Context, orderID uuid.UUID, frozen bool, status escrow.OrderStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{"in_dispute": frozen, "escrow_status": status, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("store: set frozen: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s", escrow.ErrNotFound, orderID)
	}
	return nil
}
