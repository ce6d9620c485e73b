package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/campuscoin/token-engine/internal/model"
)

// RPC talks to a remote ledger gateway over JSON-RPC-style HTTP POST. The
// gateway owns transaction signing; this client only ever sends the opaque
// credential handle back to the service that issued it.
type RPC struct {
	url string
	hc  *http.Client
}

// NewRPC creates a client for the gateway at url.
func NewRPC(url string, timeout time.Duration) *RPC {
	return &RPC{
		url: url,
		hc:  &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

func (c *RPC) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("ledger rpc: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger rpc: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("ledger rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger rpc: %s: unexpected status %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("ledger rpc: decode %s: %w", method, err)
	}
	if rr.Error != "" {
		return fmt.Errorf("ledger rpc: %s: %s", method, rr.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("ledger rpc: decode %s result: %w", method, err)
		}
	}
	return nil
}

// SubmitAndWait submits the transaction and blocks until the gateway
// reports settlement.
func (c *RPC) SubmitAndWait(ctx context.Context, tx model.Transaction, signer model.Account) (model.SettlementRecord, error) {
	params := map[string]any{
		"tx_type":    tx.TxType(),
		"tx":         tx,
		"credential": signer.Credential,
	}
	var rec model.SettlementRecord
	if err := c.call(ctx, "submit_and_wait", params, &rec); err != nil {
		return model.SettlementRecord{}, err
	}
	return rec, nil
}

// TxSettled reports whether the transaction is in a validated ledger.
func (c *RPC) TxSettled(ctx context.Context, txID string) (bool, error) {
	var out struct {
		Settled bool `json:"settled"`
	}
	if err := c.call(ctx, "tx", map[string]string{"tx_id": txID}, &out); err != nil {
		return false, err
	}
	return out.Settled, nil
}

// TrustLines queries the account's trust lines as of the latest validated
// ledger.
func (c *RPC) TrustLines(ctx context.Context, account string) ([]model.TrustLineBalance, error) {
	var out struct {
		Lines []model.TrustLineBalance `json:"lines"`
	}
	params := map[string]string{"account": account, "ledger_index": "validated"}
	if err := c.call(ctx, "account_lines", params, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// CreateFundedAccount asks the gateway's faucet for a new funded account.
func (c *RPC) CreateFundedAccount(ctx context.Context, role model.Role) (model.Account, error) {
	// The credential is decoded explicitly: model.Account deliberately
	// never serializes it.
	var out struct {
		Address    string `json:"address"`
		Credential string `json:"credential"`
	}
	if err := c.call(ctx, "create_funded_account", map[string]string{"role": string(role)}, &out); err != nil {
		return model.Account{}, err
	}
	return model.Account{Role: role, Address: out.Address, Credential: out.Credential}, nil
}
