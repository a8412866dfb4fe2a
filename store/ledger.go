package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowsync/escrow"
	"escrowsync/models"
)

// TransactionRecord captures the fields supplied when logging a broadcast
// transaction.
type TransactionRecord struct {
	OrderID        uuid.UUID
	Type           escrow.TransactionType
	MilestoneIndex *uint32
	Amount         string
	TxHash         string
	FromAddress    string
	ToAddress      string
}

// RecordTransaction appends a pending entry to the ledger. The entry is
// written before any milestone or order state changes so a later
// reconciliation pass can explain why state moved.
func (s *Store) RecordTransaction(ctx context.Context, rec TransactionRecord) (*models.Transaction, error) {
	if !rec.Type.Valid() {
		return nil, fmt.Errorf("store: unknown transaction type %q", rec.Type)
	}
	hash := strings.TrimSpace(rec.TxHash)
	if hash == "" {
		return nil, fmt.Errorf("store: transaction hash required")
	}
	if rec.Amount != "" {
		if _, err := escrow.ParseAmount(rec.Amount); err != nil {
			return nil, err
		}
	}
	now := s.now()
	entry := &models.Transaction{
		ID:              uuid.New(),
		OrderID:         rec.OrderID,
		TransactionType: rec.Type,
		MilestoneIndex:  rec.MilestoneIndex,
		Amount:          rec.Amount,
		TxHash:          hash,
		Status:          escrow.TxPending,
		FromAddress:     rec.FromAddress,
		ToAddress:       rec.ToAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("store: record transaction: %w", err)
	}
	return entry, nil
}

// MarkConfirmed settles a pending ledger entry as confirmed with its block
// number. Confirming an already confirmed entry is a no-op; a failed entry
// can never be confirmed afterwards.
func (s *Store) MarkConfirmed(ctx context.Context, txHash string, blockNumber uint64) error {
	return s.settle(ctx, txHash, escrow.TxConfirmed, map[string]interface{}{
		"status":       escrow.TxConfirmed,
		"block_number": blockNumber,
		"updated_at":   s.now(),
	})
}

// MarkFailed settles a pending ledger entry as failed with a reason. Failing
// an already failed entry is a no-op; a confirmed entry can never be failed
// afterwards.
func (s *Store) MarkFailed(ctx context.Context, txHash, reason string) error {
	return s.settle(ctx, txHash, escrow.TxFailed, map[string]interface{}{
		"status":         escrow.TxFailed,
		"failure_reason": reason,
		"updated_at":     s.now(),
	})
}

func (s *Store) settle(ctx context.Context, txHash string, target escrow.TransactionStatus, updates map[string]interface{}) error {
	hash := strings.TrimSpace(txHash)
	return s.WithTx(ctx, func(tx *Store) error {
		res := tx.db.Model(&models.Transaction{}).
			Where("tx_hash = ? AND status = ?", hash, escrow.TxPending).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("store: settle transaction: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}
		var existing models.Transaction
		err := tx.db.First(&existing, "tx_hash = ?", hash).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: transaction %s", escrow.ErrNotFound, hash)
		}
		if err != nil {
			return fmt.Errorf("store: settle transaction: %w", err)
		}
		if existing.Status == target {
			return nil
		}
		return fmt.Errorf("%w: transaction %s already settled as %s", escrow.ErrInvalidTransition, hash, existing.Status)
	})
}

// TransactionsForOrder returns the order's ledger entries oldest first.
func (s *Store) TransactionsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Transaction, error) {
	var entries []models.Transaction
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("store: load transactions: %w", err)
	}
	return entries, nil
}

// TransactionByHash loads a single ledger entry.
func (s *Store) TransactionByHash(ctx context.Context, txHash string) (*models.Transaction, error) {
	var entry models.Transaction
	err := s.db.WithContext(ctx).First(&entry, "tx_hash = ?", strings.TrimSpace(txHash)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", escrow.ErrNotFound, txHash)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load transaction: %w", err)
	}
	return &entry, nil
}

// OrdersWithPendingTransactions lists the orders that have unsettled ledger
// entries. The reconciliation scheduler uses this as its work queue.
func (s *Store) OrdersWithPendingTransactions(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Distinct("order_id").
		Where("status = ?", escrow.TxPending).
		Pluck("order_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: pending orders: %w", err)
	}
	return ids, nil
}
