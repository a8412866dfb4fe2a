package recon

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"escrowsync/chain"
	"escrowsync/escrow"
	"escrowsync/models"
	"escrowsync/store"
)

const (
	testClient  = "0x1111111111111111111111111111111111111111"
	testBuilder = "0x2222222222222222222222222222222222222222"
	testTxHash  = "0xabc0000000000000000000000000000000000000000000000000000000000001"
)

// readAdapter serves a canned chain view; reconciliation never broadcasts.
type readAdapter struct {
	state *chain.OrderState
	err   error
}

func (a *readAdapter) SubmitMilestone(ctx context.Context, escrowID string, index uint32) (chain.PendingTx, error) {
	return nil, escrow.ErrSignerUnavailable
}

func (a *readAdapter) ApproveMilestone(ctx context.Context, escrowID string, index uint32) (chain.PendingTx, error) {
	return nil, escrow.ErrSignerUnavailable
}

func (a *readAdapter) RaiseDispute(ctx context.Context, escrowID string) (chain.PendingTx, error) {
	return nil, escrow.ErrSignerUnavailable
}

func (a *readAdapter) RefundOrder(ctx context.Context, escrowID string) (chain.PendingTx, error) {
	return nil, escrow.ErrSignerUnavailable
}

func (a *readAdapter) OrderState(ctx context.Context, escrowID string) (*chain.OrderState, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.state, nil
}

func setupRecon(t *testing.T) (*Reconciler, *store.Store, *readAdapter) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	st := store.New(db)
	adapter := &readAdapter{}
	return New(st, adapter, nil), st, adapter
}

func createTestOrder(t *testing.T, st *store.Store) *models.Order {
	t.Helper()
	order, err := st.CreateOrder(context.Background(), testClient, testBuilder, "1000", []store.MilestoneSpec{
		{Title: "design", Amount: "400"},
		{Title: "build", Amount: "600"},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func chainState(order *models.Order) *chain.OrderState {
	return &chain.OrderState{
		EscrowID:       order.EscrowID,
		Status:         "active",
		ReleasedAmount: "0",
		Milestones: []chain.MilestoneState{
			{Index: 0, Status: "pending", Amount: "400"},
			{Index: 1, Status: "pending", Amount: "600"},
		},
	}
}

func TestSyncChainAheadOverwrites(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	state := chainState(order)
	state.Milestones[0].Status = "paid"
	state.ReleasedAmount = "400"
	adapter.state = state

	result, err := rec.Sync(ctx, order.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Advanced != 1 || !result.Changed {
		t.Fatalf("expected one advanced milestone, got %+v", result)
	}

	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestonePaid {
		t.Fatalf("expected paid, got %s", m.EscrowStatus)
	}
	if m.SubmittedAt == nil || m.ApprovedAt == nil || m.PaidAt == nil {
		t.Fatal("expected lifecycle timestamps stamped on overwrite")
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowReleasedAmount != "400" {
		t.Fatalf("expected released 400, got %s", got.EscrowReleasedAmount)
	}
}

func TestSyncKeepsLocalProvisionalState(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if err := st.ApplyTransition(ctx, order.ID, 0, escrow.MilestonePending, escrow.MilestoneSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	adapter.state = chainState(order)

	result, err := rec.Sync(ctx, order.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Provisional != 1 {
		t.Fatalf("expected one provisional milestone, got %+v", result)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("local provisional state must survive, got %s", m.EscrowStatus)
	}
}

func TestSyncConfirmsPendingLedgerEntries(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if err := st.ApplyTransition(ctx, order.ID, 0, escrow.MilestonePending, escrow.MilestoneSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	idx := uint32(0)
	if _, err := st.RecordTransaction(ctx, store.TransactionRecord{
		OrderID:        order.ID,
		Type:           escrow.TxMilestoneSubmitted,
		MilestoneIndex: &idx,
		TxHash:         testTxHash,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	state := chainState(order)
	state.Milestones[0].Status = "submitted"
	state.Milestones[0].TxHash = testTxHash
	state.Milestones[0].BlockNumber = 55
	adapter.state = state

	result, err := rec.Sync(ctx, order.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ConfirmedTxs != 1 {
		t.Fatalf("expected one confirmed tx, got %+v", result)
	}
	entry, err := st.TransactionByHash(ctx, testTxHash)
	if err != nil {
		t.Fatalf("by hash: %v", err)
	}
	if entry.Status != escrow.TxConfirmed || entry.BlockNumber == nil || *entry.BlockNumber != 55 {
		t.Fatalf("expected confirmed at block 55, got %+v", entry)
	}
}

func TestSyncChainDisputeTakesPrecedence(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	// Local provisional submit races a dispute confirmed on-chain.
	if err := st.ApplyTransition(ctx, order.ID, 0, escrow.MilestonePending, escrow.MilestoneSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	state := chainState(order)
	state.Status = "disputed"
	state.Disputed = true
	state.Milestones[0].Status = "disputed"
	adapter.state = state

	if _, err := rec.Sync(ctx, order.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneDisputed {
		t.Fatalf("chain dispute must win, got %s", m.EscrowStatus)
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.InDispute || got.EscrowStatus != escrow.OrderEscrowDisputed {
		t.Fatalf("expected frozen order, got in_dispute=%v status=%s", got.InDispute, got.EscrowStatus)
	}
}

func TestSyncAmountMismatchConflict(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)

	state := chainState(order)
	state.Milestones[0].Amount = "999"
	adapter.state = state

	_, err := rec.Sync(context.Background(), order.ID)
	if !errors.Is(err, escrow.ErrSyncConflict) {
		t.Fatalf("expected ErrSyncConflict, got %v", err)
	}
}

func TestSyncReleasedShrinkConflict(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if err := st.SetReleasedAmount(ctx, order.ID, "400"); err != nil {
		t.Fatalf("set released: %v", err)
	}
	state := chainState(order)
	state.ReleasedAmount = "100"
	adapter.state = state

	_, err := rec.Sync(ctx, order.ID)
	if !errors.Is(err, escrow.ErrSyncConflict) {
		t.Fatalf("expected ErrSyncConflict on shrinking release, got %v", err)
	}

	// Inside a dispute a shrink is a legitimate arbitration outcome.
	if err := st.SetFrozen(ctx, order.ID, true, escrow.OrderEscrowDisputed); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	state.Status = "disputed"
	state.Disputed = true
	if _, err := rec.Sync(ctx, order.ID); err != nil {
		t.Fatalf("sync during dispute: %v", err)
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowReleasedAmount != "100" {
		t.Fatalf("expected released 100 after arbitration, got %s", got.EscrowReleasedAmount)
	}
}

func TestSyncReleasedDerivedFromPaidMilestones(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	state := chainState(order)
	state.Milestones[0].Status = "paid"
	state.ReleasedAmount = ""
	adapter.state = state

	if _, err := rec.Sync(ctx, order.ID); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowReleasedAmount != "400" {
		t.Fatalf("expected released derived from paid milestones, got %s", got.EscrowReleasedAmount)
	}
}

func TestSyncReleasedOverBudgetConflict(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)

	state := chainState(order)
	state.ReleasedAmount = "1001"
	adapter.state = state

	_, err := rec.Sync(context.Background(), order.ID)
	if !errors.Is(err, escrow.ErrSyncConflict) {
		t.Fatalf("expected ErrSyncConflict, got %v", err)
	}
}

func TestSyncUnknownMilestoneIndexConflict(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)

	state := chainState(order)
	state.Milestones = append(state.Milestones, chain.MilestoneState{Index: 7, Status: "pending", Amount: "1"})
	adapter.state = state

	_, err := rec.Sync(context.Background(), order.ID)
	if !errors.Is(err, escrow.ErrSyncConflict) {
		t.Fatalf("expected ErrSyncConflict, got %v", err)
	}
}

func TestSyncChainUnreachableLeavesStateUntouched(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	adapter.err = fmt.Errorf("%w: connection refused", escrow.ErrChainUnreachable)
	_, err := rec.Sync(ctx, order.ID)
	if !errors.Is(err, escrow.ErrChainUnreachable) {
		t.Fatalf("expected ErrChainUnreachable, got %v", err)
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowStatus != escrow.OrderEscrowActive || got.EscrowReleasedAmount != "0" {
		t.Fatalf("state must be untouched, got %+v", got)
	}
}

func TestSyncIdempotent(t *testing.T) {
	rec, st, adapter := setupRecon(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	state := chainState(order)
	state.Milestones[0].Status = "submitted"
	adapter.state = state

	first, err := rec.Sync(ctx, order.ID)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Advanced != 1 {
		t.Fatalf("expected one advanced, got %+v", first)
	}
	second, err := rec.Sync(ctx, order.ID)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Advanced != 0 || second.Changed {
		t.Fatalf("second pass must be a no-op, got %+v", second)
	}
}
