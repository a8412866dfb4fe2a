package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowsync/escrow"
	"escrowsync/models"
)

// DisputeRecord captures the fields supplied when opening a dispute.
type DisputeRecord struct {
	OrderID       uuid.UUID
	Reason        string
	Description   string
	InitiatedBy   string
	InitiatorType escrow.InitiatorType
}

// CreateDispute opens a dispute for the order. At most one dispute may be
// open per order at a time; a second attempt returns
// escrow.ErrDisputeAlreadyOpen. The uniqueness check and the insert run in
// one transaction.
func (s *Store) CreateDispute(ctx context.Context, rec DisputeRecord) (*models.Dispute, error) {
	var created *models.Dispute
	err := s.WithTx(ctx, func(tx *Store) error {
		var open int64
		if err := tx.db.Model(&models.Dispute{}).
			Where("order_id = ? AND status = ?", rec.OrderID, escrow.DisputeOpen).
			Count(&open).Error; err != nil {
			return fmt.Errorf("store: count open disputes: %w", err)
		}
		if open > 0 {
			return fmt.Errorf("%w: order %s", escrow.ErrDisputeAlreadyOpen, rec.OrderID)
		}
		now := tx.now()
		dispute := &models.Dispute{
			ID:            uuid.New(),
			OrderID:       rec.OrderID,
			Reason:        rec.Reason,
			Description:   rec.Description,
			InitiatedBy:   rec.InitiatedBy,
			InitiatorType: rec.InitiatorType,
			Status:        escrow.DisputeOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.db.Create(dispute).Error; err != nil {
			return fmt.Errorf("store: create dispute: %w", err)
		}
		created = dispute
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetDispute loads a dispute by id.
func (s *Store) GetDispute(ctx context.Context, disputeID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := s.db.WithContext(ctx).First(&dispute, "id = ?", disputeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: dispute %s", escrow.ErrNotFound, disputeID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load dispute: %w", err)
	}
	return &dispute, nil
}

// DisputesForOrder returns the order's disputes newest first.
func (s *Store) DisputesForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Dispute, error) {
	var disputes []models.Dispute
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Find(&disputes).Error
	if err != nil {
		return nil, fmt.Errorf("store: load disputes: %w", err)
	}
	return disputes, nil
}

// ResolveDispute marks an open dispute resolved with the supplied outcome.
// Resolving twice returns escrow.ErrInvalidTransition.
func (s *Store) ResolveDispute(ctx context.Context, disputeID uuid.UUID, outcome string) (*models.Dispute, error) {
	var resolved *models.Dispute
	err := s.WithTx(ctx, func(tx *Store) error {
		var dispute models.Dispute
		err := tx.db.First(&dispute, "id = ?", disputeID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: dispute %s", escrow.ErrNotFound, disputeID)
		}
		if err != nil {
			return fmt.Errorf("store: load dispute: %w", err)
		}
		if dispute.Status != escrow.DisputeOpen {
			return fmt.Errorf("%w: dispute %s already resolved", escrow.ErrInvalidTransition, disputeID)
		}
		now := tx.now()
		dispute.Status = escrow.DisputeResolved
		dispute.Outcome = &outcome
		dispute.ResolvedAt = &now
		dispute.UpdatedAt = now
		if err := tx.db.Save(&dispute).Error; err != nil {
			return fmt.Errorf("store: resolve dispute: %w", err)
		}
		resolved = &dispute
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// FreezeMilestones moves every in-flight milestone of the order into the
// disputed state, recording the prior status for restore on resolution.
func (s *Store) FreezeMilestones(ctx context.Context, orderID uuid.UUID) error {
	return s.WithTx(ctx, func(tx *Store) error {
		milestones, err := tx.MilestonesForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		now := tx.now()
		for _, m := range milestones {
			if m.EscrowStatus.Terminal() || m.EscrowStatus == escrow.MilestoneDisputed {
				continue
			}
			prior := m.EscrowStatus
			res := tx.db.Model(&models.Milestone{}).
				Where("id = ? AND escrow_status = ?", m.ID, prior).
				Updates(map[string]interface{}{
					"escrow_status": escrow.MilestoneDisputed,
					"prior_status":  prior,
					"updated_at":    now,
				})
			if res.Error != nil {
				return fmt.Errorf("store: freeze milestone: %w", res.Error)
			}
		}
		return nil
	})
}

// RestoreMilestones returns disputed milestones to their recorded prior
// status after resolution. Milestones without a prior status fall back to
// pending.
func (s *Store) RestoreMilestones(ctx context.Context, orderID uuid.UUID) error {
	return s.WithTx(ctx, func(tx *Store) error {
		milestones, err := tx.MilestonesForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		now := tx.now()
		for _, m := range milestones {
			if m.EscrowStatus != escrow.MilestoneDisputed {
				continue
			}
			restored := escrow.MilestonePending
			if m.PriorStatus != nil && m.PriorStatus.Valid() {
				restored = *m.PriorStatus
			}
			res := tx.db.Model(&models.Milestone{}).
				Where("id = ? AND escrow_status = ?", m.ID, escrow.MilestoneDisputed).
				Updates(map[string]interface{}{
					"escrow_status": restored,
					"prior_status":  nil,
					"updated_at":    now,
				})
			if res.Error != nil {
				return fmt.Errorf("store: restore milestone: %w", res.Error)
			}
		}
		return nil
	})
}
