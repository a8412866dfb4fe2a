package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowsync/escrow"
)

// JSON-RPC error code emitted by the node when the wallet declines to sign.
const codeTxRejected = -32003

// Client implements Adapter against the escrow node's JSON-RPC endpoint.
type Client struct {
	baseURL        string
	authToken      string
	signer         Signer
	http           *http.Client
	nextID         atomic.Int64
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// ClientConfig configures the RPC client.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Signer    Signer
	// ConfirmTimeout bounds TxHandle.Wait. Defaults to 2 minutes.
	ConfirmTimeout time.Duration
	// PollInterval controls receipt polling. Defaults to 2 seconds.
	PollInterval time.Duration
	// HTTPTimeout bounds individual RPC calls. Defaults to 10 seconds.
	HTTPTimeout time.Duration
}

// NewClient constructs an RPC client with sane defaults.
func NewClient(cfg ClientConfig) *Client {
	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = 2 * time.Minute
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimSpace(cfg.BaseURL),
		authToken:      strings.TrimSpace(cfg.AuthToken),
		signer:         cfg.Signer,
		http:           &http.Client{Timeout: httpTimeout},
		confirmTimeout: confirm,
		pollInterval:   poll,
	}
}

// TxHandle tracks a broadcast transaction until confirmation.
type TxHandle struct {
	hash   common.Hash
	from   common.Address
	client *Client
}

// Hash returns the transaction hash assigned by the node.
func (h *TxHandle) Hash() common.Hash { return h.hash }

// From returns the signer address the transaction was sent from.
func (h *TxHandle) From() common.Address { return h.from }

// Wait polls for the transaction receipt until it is mined or the configured
// confirmation timeout elapses. On timeout the caller's ledger entry stays
// pending; the sync service is the recovery path.
func (h *TxHandle) Wait(ctx context.Context) (*Receipt, error) {
	if h == nil || h.client == nil {
		return nil, fmt.Errorf("%w: nil tx handle", escrow.ErrChain)
	}
	deadline := time.Now().Add(h.client.confirmTimeout)
	ticker := time.NewTicker(h.client.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := h.client.receipt(ctx, h.hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, escrow.ErrChainUnreachable) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: tx %s not mined within %s", escrow.ErrConfirmationTimeout, h.hash.Hex(), h.client.confirmTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type broadcastResult struct {
	TxHash string `json:"txHash"`
}

func (c *Client) broadcast(ctx context.Context, method, escrowID string, extra map[string]interface{}) (PendingTx, error) {
	if c.signer == nil {
		return nil, escrow.ErrSignerUnavailable
	}
	caller := c.signer.Address()
	params := map[string]interface{}{
		"id":     escrowID,
		"caller": caller.Hex(),
	}
	for k, v := range extra {
		params[k] = v
	}
	var result broadcastResult
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	hash := strings.TrimSpace(result.TxHash)
	if hash == "" {
		return nil, fmt.Errorf("%w: node returned empty tx hash", escrow.ErrChain)
	}
	return &TxHandle{hash: common.HexToHash(hash), from: caller, client: c}, nil
}

// SubmitMilestone broadcasts a milestone submission transaction.
func (c *Client) SubmitMilestone(ctx context.Context, escrowID string, index uint32) (PendingTx, error) {
	return c.broadcast(ctx, "escrow_submitMilestone", escrowID, map[string]interface{}{"index": index})
}

// ApproveMilestone broadcasts a milestone approval transaction.
func (c *Client) ApproveMilestone(ctx context.Context, escrowID string, index uint32) (PendingTx, error) {
	return c.broadcast(ctx, "escrow_approveMilestone", escrowID, map[string]interface{}{"index": index})
}

// RaiseDispute broadcasts a dispute transaction.
func (c *Client) RaiseDispute(ctx context.Context, escrowID string) (PendingTx, error) {
	return c.broadcast(ctx, "escrow_raiseDispute", escrowID, nil)
}

// RefundOrder broadcasts an order refund transaction.
func (c *Client) RefundOrder(ctx context.Context, escrowID string) (PendingTx, error) {
	return c.broadcast(ctx, "escrow_refundOrder", escrowID, nil)
}

// OrderState fetches the contract's authoritative view of the order. Reads do
// not require a signer. A null result means the node has no such escrow.
func (c *Client) OrderState(ctx context.Context, escrowID string) (*OrderState, error) {
	var state *OrderState
	if err := c.call(ctx, "escrow_getOrder", []interface{}{map[string]string{"id": escrowID}}, &state); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: escrow %s unknown to chain", escrow.ErrNotFound, escrowID)
	}
	return state, nil
}

// receipt fetches the mined receipt for a transaction, returning (nil, nil)
// while the transaction is still pending.
func (c *Client) receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var receipt *Receipt
	if err := c.call(ctx, "escrow_txReceipt", []interface{}{map[string]string{"txHash": hash.Hex()}}, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", escrow.ErrChainUnreachable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s returned status %d: %s", escrow.ErrChain, method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", escrow.ErrChain, method, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeTxRejected {
			return fmt.Errorf("%w: %s", escrow.ErrTransactionRejected, rpcResp.Error.Message)
		}
		return fmt.Errorf("%w: %s: %s", escrow.ErrChain, method, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		// A null result is meaningful for receipt polls (not mined yet).
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}
