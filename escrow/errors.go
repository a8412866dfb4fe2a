package escrow

import "errors"

// Sentinel errors shared across the service. Callers match them with
// errors.Is after any amount of fmt.Errorf %w wrapping.
var (
	// ErrSignerUnavailable is returned when a state-changing chain call is
	// attempted without a connected wallet signer.
	ErrSignerUnavailable = errors.New("escrow: signer unavailable")
	// ErrTransactionRejected is returned when the signer declines to sign a
	// transaction.
	ErrTransactionRejected = errors.New("escrow: transaction rejected by signer")
	// ErrChain wraps node-side failures that are not transport errors.
	ErrChain = errors.New("escrow: chain error")
	// ErrChainUnreachable marks RPC transport failures. The operation is
	// retryable and local state is left untouched.
	ErrChainUnreachable = errors.New("escrow: chain unreachable")
	// ErrConfirmationTimeout is returned when a broadcast transaction is not
	// mined within the configured wait window. The ledger entry stays pending
	// so a later sync pass can reconcile it.
	ErrConfirmationTimeout = errors.New("escrow: confirmation timeout")
	// ErrStaleTransition is returned by the guarded compare-and-set when the
	// stored status no longer matches the expected one.
	ErrStaleTransition = errors.New("escrow: stale transition")
	// ErrOrderFrozen is returned for any milestone transition other than into
	// the disputed state while the order is in dispute.
	ErrOrderFrozen = errors.New("escrow: order frozen by open dispute")
	// ErrDisputeAlreadyOpen is returned when a second dispute is raised while
	// one is still open for the order.
	ErrDisputeAlreadyOpen = errors.New("escrow: dispute already open")
	// ErrSyncConflict marks irreconcilable chain/local state such as an amount
	// mismatch. It is surfaced, never silently resolved.
	ErrSyncConflict = errors.New("escrow: sync conflict")
	// ErrNotFound is returned when the referenced order, milestone, dispute or
	// transaction does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidTransition marks transitions outside the allowed table.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
)
