package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
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
)

type fakeTx struct {
	hash    common.Hash
	from    common.Address
	receipt *chain.Receipt
	err     error
}

func (f *fakeTx) Hash() common.Hash    { return f.hash }
func (f *fakeTx) From() common.Address { return f.from }
func (f *fakeTx) Wait(ctx context.Context) (*chain.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

// fakeAdapter hands out one handle per broadcast with a unique hash. Every
// transaction confirms with receiptStatus unless broadcastErr or waitErr is
// set.
type fakeAdapter struct {
	broadcastErr  error
	waitErr       error
	receiptStatus uint64
	broadcasts    int
	state         *chain.OrderState
	stateErr      error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{receiptStatus: 1}
}

func (f *fakeAdapter) handle() (chain.PendingTx, error) {
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	f.broadcasts++
	hash := common.HexToHash(fmt.Sprintf("0x%064x", f.broadcasts))
	if f.waitErr != nil {
		return &fakeTx{hash: hash, from: common.HexToAddress(testBuilder), err: f.waitErr}, nil
	}
	return &fakeTx{
		hash:    hash,
		from:    common.HexToAddress(testBuilder),
		receipt: &chain.Receipt{TxHash: hash, BlockNumber: uint64(100 + f.broadcasts), Status: f.receiptStatus},
	}, nil
}

func (f *fakeAdapter) SubmitMilestone(ctx context.Context, escrowID string, index uint32) (chain.PendingTx, error) {
	return f.handle()
}

func (f *fakeAdapter) ApproveMilestone(ctx context.Context, escrowID string, index uint32) (chain.PendingTx, error) {
	return f.handle()
}

func (f *fakeAdapter) RaiseDispute(ctx context.Context, escrowID string) (chain.PendingTx, error) {
	return f.handle()
}

func (f *fakeAdapter) RefundOrder(ctx context.Context, escrowID string) (chain.PendingTx, error) {
	return f.handle()
}

func (f *fakeAdapter) OrderState(ctx context.Context, escrowID string) (*chain.OrderState, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func setupEngine(t *testing.T) (*Engine, *store.Store, *fakeAdapter) {
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
	adapter := newFakeAdapter()
	return New(st, adapter, nil), st, adapter
}

func createTestOrder(t *testing.T, st *store.Store, specs ...store.MilestoneSpec) *models.Order {
	t.Helper()
	if len(specs) == 0 {
		specs = []store.MilestoneSpec{
			{Title: "design", Amount: "400"},
			{Title: "build", Amount: "600"},
		}
	}
	order, err := st.CreateOrder(context.Background(), testClient, testBuilder, "1000", specs)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestSubmitConfirms(t *testing.T) {
	eng, st, _ := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	entry, err := eng.Submit(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if entry.Status != escrow.TxConfirmed {
		t.Fatalf("expected confirmed ledger entry, got %s", entry.Status)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("expected submitted, got %s", m.EscrowStatus)
	}
}

func TestSubmitRacedCallerDoesNotRebroadcast(t *testing.T) {
	eng, st, adapter := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, order.ID, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err := eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	if adapter.broadcasts != 1 {
		t.Fatalf("loser of the claim must not broadcast, got %d broadcasts", adapter.broadcasts)
	}
}

func TestSubmitBroadcastFailureReverts(t *testing.T) {
	eng, st, adapter := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	adapter.broadcastErr = escrow.ErrTransactionRejected
	_, err := eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrTransactionRejected) {
		t.Fatalf("expected ErrTransactionRejected, got %v", err)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestonePending {
		t.Fatalf("expected revert to pending, got %s", m.EscrowStatus)
	}
	txs, err := st.TransactionsForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no ledger entries for failed broadcast, got %d", len(txs))
	}
}

func TestSubmitTimeoutLeavesPendingLedgerEntry(t *testing.T) {
	eng, st, adapter := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	adapter.waitErr = escrow.ErrConfirmationTimeout
	_, err := eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	// The local transition stays as a provisional overlay and the ledger
	// entry stays pending for the sync service.
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("expected submitted overlay, got %s", m.EscrowStatus)
	}
	txs, err := st.TransactionsForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != escrow.TxPending {
		t.Fatalf("expected one pending ledger entry, got %+v", txs)
	}
}

func TestSubmitCancelledWaitLeavesPendingLedgerEntry(t *testing.T) {
	eng, st, adapter := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	// A caller going away mid-wait says nothing about the broadcast
	// transaction's fate: no failed settle, no revert.
	adapter.waitErr = context.Canceled
	_, err := eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("expected submitted overlay, got %s", m.EscrowStatus)
	}
	txs, err := st.TransactionsForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != escrow.TxPending {
		t.Fatalf("expected one pending ledger entry, got %+v", txs)
	}

	// A retry loses the claim instead of broadcasting a second transaction.
	adapter.waitErr = nil
	_, err = eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition on retry, got %v", err)
	}
	if adapter.broadcasts != 1 {
		t.Fatalf("expected a single broadcast, got %d", adapter.broadcasts)
	}
}

func TestSubmitReceiptPollErrorLeavesPendingLedgerEntry(t *testing.T) {
	eng, st, adapter := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	adapter.waitErr = fmt.Errorf("%w: receipt poll: connection refused", escrow.ErrChainUnreachable)
	_, err := eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrChainUnreachable) {
		t.Fatalf("expected ErrChainUnreachable, got %v", err)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("expected submitted overlay, got %s", m.EscrowStatus)
	}
	txs, err := st.TransactionsForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Status != escrow.TxPending {
		t.Fatalf("expected one pending ledger entry, got %+v", txs)
	}
}

func TestApprovePaysAndReleases(t *testing.T) {
	eng, st, _ := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, order.ID, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	entry, err := eng.Approve(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if entry.Status != escrow.TxConfirmed {
		t.Fatalf("expected confirmed entry, got %s", entry.Status)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestonePaid {
		t.Fatalf("expected paid, got %s", m.EscrowStatus)
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowReleasedAmount != "400" {
		t.Fatalf("expected released 400, got %s", got.EscrowReleasedAmount)
	}
	if got.EscrowStatus != escrow.OrderEscrowActive {
		t.Fatalf("order should stay active with unpaid milestones, got %s", got.EscrowStatus)
	}
}

func TestApproveCompletesOrderWhenAllPaid(t *testing.T) {
	eng, st, _ := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	for i := uint32(0); i < 2; i++ {
		if _, err := eng.Submit(ctx, order.ID, i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if _, err := eng.Approve(ctx, order.ID, i); err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowStatus != escrow.OrderEscrowCompleted {
		t.Fatalf("expected completed, got %s", got.EscrowStatus)
	}
	if got.EscrowReleasedAmount != "1000" {
		t.Fatalf("expected released 1000, got %s", got.EscrowReleasedAmount)
	}
}

func TestApproveRevertedOnChain(t *testing.T) {
	eng, st, adapter := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, order.ID, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	adapter.receiptStatus = 0
	_, err := eng.Approve(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrChain) {
		t.Fatalf("expected ErrChain for reverted transaction, got %v", err)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("expected revert to submitted, got %s", m.EscrowStatus)
	}
	txs, err := st.TransactionsForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	var failed int
	for _, tx := range txs {
		if tx.Status == escrow.TxFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly one failed entry, got %d", failed)
	}
}

func TestApproveRequiresSubmitted(t *testing.T) {
	eng, st, _ := setupEngine(t)
	order := createTestOrder(t, st)

	_, err := eng.Approve(context.Background(), order.ID, 0)
	if !errors.Is(err, escrow.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition for unsubmitted milestone, got %v", err)
	}
}

func TestAutoApprove(t *testing.T) {
	eng, st, _ := setupEngine(t)
	past := time.Now().Add(-time.Hour).Unix()
	order := createTestOrder(t, st,
		store.MilestoneSpec{Title: "due", Amount: "400", ApprovalDeadline: past},
		store.MilestoneSpec{Title: "open", Amount: "600"},
	)
	ctx := context.Background()
	for i := uint32(0); i < 2; i++ {
		if _, err := eng.Submit(ctx, order.ID, i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	approved, err := eng.AutoApprove(ctx)
	if err != nil {
		t.Fatalf("auto approve: %v", err)
	}
	if approved != 1 {
		t.Fatalf("expected 1 auto approval, got %d", approved)
	}
	m, err := st.GetMilestone(ctx, order.ID, 0)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if m.EscrowStatus != escrow.MilestonePaid {
		t.Fatalf("expected paid after auto approval, got %s", m.EscrowStatus)
	}
	other, err := st.GetMilestone(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("get milestone: %v", err)
	}
	if other.EscrowStatus != escrow.MilestoneSubmitted {
		t.Fatalf("milestone without deadline must stay submitted, got %s", other.EscrowStatus)
	}
}

func TestRefund(t *testing.T) {
	eng, st, _ := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, order.ID, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Approve(ctx, order.ID, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}

	entry, err := eng.Refund(ctx, order.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if entry.Amount != "600" {
		t.Fatalf("expected refund of unreleased 600, got %s", entry.Amount)
	}
	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.EscrowStatus != escrow.OrderEscrowRefunded {
		t.Fatalf("expected refunded order, got %s", got.EscrowStatus)
	}

	_, err = eng.Refund(ctx, order.ID)
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double refund, got %v", err)
	}
}

func TestSubmitFrozenOrder(t *testing.T) {
	eng, st, _ := setupEngine(t)
	order := createTestOrder(t, st)
	ctx := context.Background()

	if err := st.SetFrozen(ctx, order.ID, true, escrow.OrderEscrowDisputed); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, err := eng.Submit(ctx, order.ID, 0)
	if !errors.Is(err, escrow.ErrOrderFrozen) {
		t.Fatalf("expected ErrOrderFrozen, got %v", err)
	}
}
