// Package tron is a small HTTP client for the ledger's full-node and index
// APIs: account history, transaction info, account resources, delegation
// and broadcast.
package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

const (
	apiKeyHeader   = "TRON-PRO-API-KEY"
	maxBodyBytes   = 4 << 20
	defaultTimeout = 10 * time.Second
)

type Params struct {
	Network        string
	BaseURL        string
	APIKey         string
	TokenContract  string
	RequestsPerSec float64
	Burst          int
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client talks to one network. It is safe for concurrent use; every request
// waits on a shared rate limiter first.
type Client struct {
	network       string
	baseURL       *url.URL
	apiKey        string
	tokenContract string
	limiter       *rate.Limiter
	http          *http.Client
}

func NewClient(p Params) (*Client, error) {
	if strings.TrimSpace(p.Network) == "" {
		return nil, stdErrors.New("network is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(p.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ledger base url %q", p.BaseURL)
	}
	if p.TokenContract != "" && !IsValidAddress(p.TokenContract) {
		return nil, fmt.Errorf("invalid token contract %q", p.TokenContract)
	}
	rps := p.RequestsPerSec
	if rps <= 0 {
		rps = 10
	}
	burst := p.Burst
	if burst <= 0 {
		burst = 1
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		network:       p.Network,
		baseURL:       base,
		apiKey:        p.APIKey,
		tokenContract: p.TokenContract,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		http:          httpClient,
	}, nil
}

func (c *Client) Network() string { return c.network }

// TokenContract is the base58 address of the accepted stablecoin, or "".
func (c *Client) TokenContract() string { return c.tokenContract }

// RecentTransactions lists the newest transactions touching address, newest
// first. Token transfers are listed by the index API without their call
// data, so each one newer than since is re-fetched as a full transaction.
func (c *Client) RecentTransactions(ctx context.Context, address string, limit int, since time.Time) ([]RawTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("order_by", "block_timestamp,desc")
	query.Set("only_confirmed", "true")

	var list transactionListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/transactions", query, nil, &list); err != nil {
		return nil, err
	}
	if !list.Success && list.Error != "" {
		return nil, errors.New(errors.CodeDependency, "list transactions: "+list.Error)
	}

	seen := map[string]struct{}{}
	out := make([]RawTransaction, 0, len(list.Data))
	for _, item := range list.Data {
		var tx RawTransaction
		// internal transactions share the list but have a different shape
		if err := json.Unmarshal(item, &tx); err != nil || tx.TxID == "" {
			continue
		}
		seen[tx.TxID] = struct{}{}
		out = append(out, tx)
	}

	if c.tokenContract != "" {
		tokenTxs, err := c.recentTokenTransfers(ctx, address, limit, since, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, tokenTxs...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].BlockTimestamp > out[j].BlockTimestamp })
	return out, nil
}

func (c *Client) recentTokenTransfers(ctx context.Context, address string, limit int, since time.Time, seen map[string]struct{}) ([]RawTransaction, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("contract_address", c.tokenContract)
	query.Set("only_to", "true")
	query.Set("only_confirmed", "true")

	var list transactionListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/transactions/trc20", query, nil, &list); err != nil {
		return nil, err
	}

	var out []RawTransaction
	for _, item := range list.Data {
		var entry trc20TransferEntry
		if err := json.Unmarshal(item, &entry); err != nil || entry.TransactionID == "" {
			continue
		}
		if _, dup := seen[entry.TransactionID]; dup {
			continue
		}
		if time.UnixMilli(entry.BlockTimestamp).Before(since) {
			continue
		}
		tx, err := c.TransactionByID(ctx, entry.TransactionID)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			continue
		}
		tx.BlockTimestamp = entry.BlockTimestamp
		seen[entry.TransactionID] = struct{}{}
		out = append(out, *tx)
	}
	return out, nil
}

// TransactionByID returns the raw transaction, or nil when the node does not know it.
func (c *Client) TransactionByID(ctx context.Context, txID string) (*RawTransaction, error) {
	var tx RawTransaction
	if err := c.do(ctx, http.MethodPost, "/wallet/gettransactionbyid", nil, map[string]any{"value": txID, "visible": false}, &tx); err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return nil, nil
	}
	return &tx, nil
}

// TransactionInfo returns execution info. An unknown or unconfirmed id yields
// an empty TransactionInfo without error.
func (c *Client) TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.do(ctx, http.MethodPost, "/wallet/gettransactioninfobyid", nil, map[string]any{"value": txID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AccountResources reads stake, delegations and energy/bandwidth for address.
func (c *Client) AccountResources(ctx context.Context, address string) (AccountResources, error) {
	body := map[string]any{"address": address, "visible": true}

	var res accountResourceResponse
	if err := c.do(ctx, http.MethodPost, "/wallet/getaccountresource", nil, body, &res); err != nil {
		return AccountResources{}, err
	}
	var acct accountResponse
	if err := c.do(ctx, http.MethodPost, "/wallet/getaccount", nil, body, &acct); err != nil {
		return AccountResources{}, err
	}

	// frozenV2 holds the stake still owned by the account; delegated stake is
	// reported separately, so total stake is their sum
	delegated := acct.AccountResource.DelegatedFrozenV2BalanceForEnergy
	staked := delegated
	for _, frozen := range acct.FrozenV2 {
		if frozen.Type == ResourceEnergy {
			staked += frozen.Amount
		}
	}
	return AccountResources{
		Address:           address,
		BalanceSun:        acct.Balance,
		StakedSun:         staked,
		DelegatedOutSun:   delegated,
		EnergyLimit:       res.EnergyLimit,
		EnergyUsed:        res.EnergyUsed,
		NetLimit:          res.NetLimit,
		NetUsed:           res.NetUsed,
		FreeNetLimit:      res.FreeNetLimit,
		FreeNetUsed:       res.FreeNetUsed,
		TotalEnergyLimit:  res.TotalEnergyLimit,
		TotalEnergyWeight: res.TotalEnergyWeight,
	}, nil
}

// BuildDelegation asks the node to build an unsigned energy delegation.
func (c *Client) BuildDelegation(ctx context.Context, req DelegateRequest) (UnsignedTransaction, error) {
	if req.BalanceSun <= 0 {
		return UnsignedTransaction{}, errors.New(errors.CodeValidation, "delegation balance must be positive")
	}
	body := map[string]any{
		"owner_address":    req.Owner,
		"receiver_address": req.Receiver,
		"balance":          req.BalanceSun,
		"resource":         ResourceEnergy,
		"lock":             req.Lock,
		"visible":          true,
	}
	if req.Lock {
		body["lock_period"] = req.LockPeriod
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/wallet/delegateresource", nil, body, &raw); err != nil {
		return UnsignedTransaction{}, err
	}
	var built builtTransaction
	if err := json.Unmarshal(raw, &built); err != nil {
		return UnsignedTransaction{}, errors.Wrap(errors.CodeDependency, err, "decode delegation")
	}
	if built.Error != "" {
		return UnsignedTransaction{}, classifyRejection("", built.Error)
	}
	if built.TxID == "" {
		return UnsignedTransaction{}, errors.New(errors.CodeDependency, "node returned delegation without txID")
	}
	return UnsignedTransaction{TxID: built.TxID, Body: raw}, nil
}

// Broadcast attaches signature to tx and submits it.
func (c *Client) Broadcast(ctx context.Context, tx UnsignedTransaction, signature []byte) (BroadcastResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(tx.Body, &fields); err != nil {
		return BroadcastResult{}, errors.Wrap(errors.CodeInternal, err, "decode unsigned transaction")
	}
	sig, err := json.Marshal([]string{hex.EncodeToString(signature)})
	if err != nil {
		return BroadcastResult{}, errors.Wrap(errors.CodeInternal, err, "encode signature")
	}
	fields["signature"] = sig

	var result BroadcastResult
	if err := c.do(ctx, http.MethodPost, "/wallet/broadcasttransaction", nil, fields, &result); err != nil {
		return BroadcastResult{}, err
	}
	if !result.Result && result.Code == codeDuplicateTransaction {
		// the node already holds this exact signed transaction
		result.Result = true
		result.TxID = tx.TxID
	}
	if !result.Result {
		return result, classifyRejection(result.Code, result.Message)
	}
	if result.TxID == "" {
		result.TxID = tx.TxID
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(errors.CodeDependency, err, "ledger rate limiter")
	}

	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.CodeInternal, err, "encode ledger request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, err, "build ledger request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.CodeDependency, err, fmt.Sprintf("ledger %s %s", method, path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(errors.CodeDependency, err, "read ledger response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return errors.New(errors.CodeDependency, fmt.Sprintf("ledger %s %s: status %d", method, path, resp.StatusCode)).
			WithDetails(map[string]any{"body": truncate(string(data), 256)})
	case resp.StatusCode >= http.StatusBadRequest:
		return errors.New(errors.CodeValidation, fmt.Sprintf("ledger %s %s: status %d", method, path, resp.StatusCode)).
			WithDetails(map[string]any{"body": truncate(string(data), 256)})
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.CodeDependency, err, fmt.Sprintf("decode ledger %s response", path))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
