// Package chain is the blockchain adapter: an opaque RPC client over HTTP
// that submits, confirms, and polls transactions, and computes the priority
// fee to attach to them. It talks to a JSON-RPC endpoint via
// go-resty/resty/v2 rather than linking a chain-specific SDK, treating
// wire-level chain encoding as purely an adapter concern. Retry policy uses
// cenkalti/backoff/v4. Priority-fee caching takes the p75 of recent fees,
// applies a buffer and a per-transaction-kind multiplier, and clamps the
// result to a configured [min,max] band.
package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/atomic"

	"gridsettle/internal/apperr"
)

type TxKind string

const (
	TxTransfer   TxKind = "transfer"
	TxMint       TxKind = "mint"
	TxBurn       TxKind = "burn"
	TxTrade      TxKind = "trade"
	TxSettlement TxKind = "settlement"
)

var priorityMultiplier = map[TxKind]float64{
	TxTransfer:   1.0,
	TxMint:       1.5,
	TxBurn:       1.5,
	TxTrade:      2.0,
	TxSettlement: 2.5,
}

type SubmitResult struct {
	TxID string `json:"tx_id"`
}

type ConfirmResult struct {
	Confirmed     bool   `json:"confirmed"`
	Confirmations int    `json:"confirmations"`
	Status        string `json:"status"`
}

// Client is the adapter's handle on the remote chain RPC endpoint.
type Client struct {
	http *resty.Client

	feeMu       sync.Mutex
	feeCache    *cachedFee
	feeCacheTTL time.Duration
	feeGen      atomic.Uint64 // bumped every time the cache is refreshed from the network

	minFee, maxFee, defaultFee uint64
}

type cachedFee struct {
	fee uint64
	at  time.Time
}

func NewClient(baseURL string, timeout time.Duration, minFee, maxFee, defaultFee uint64) *Client {
	h := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0) // call() drives its own retry loop below; the taskqueue layer retries whole tasks on top of that

	return &Client{
		http:        h,
		feeCacheTTL: 10 * time.Second,
		minFee:      minFee,
		maxFee:      maxFee,
		defaultFee:  defaultFee,
	}
}

// ── Submission / confirmation ────────────────────────

func (c *Client) Submit(ctx context.Context, method string, payload any) (*SubmitResult, error) {
	out := &SubmitResult{}
	if err := c.call(ctx, "/submit", map[string]any{"method": method, "payload": payload}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Confirm(ctx context.Context, txID string) (*ConfirmResult, error) {
	out := &ConfirmResult{}
	if err := c.call(ctx, "/confirm", map[string]any{"tx_id": txID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PollUntilConfirmed polls Confirm on an exponential backoff (500ms initial,
// 10s max interval) until the transaction reaches minConfirmations, the
// context is cancelled, or the policy's default elapsed-time limit runs out.
func (c *Client) PollUntilConfirmed(ctx context.Context, txID string, minConfirmations int) (*ConfirmResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	var last *ConfirmResult
	op := func() error {
		res, err := c.Confirm(ctx, txID)
		if err != nil {
			return err
		}
		last = res
		if res.Confirmations < minConfirmations {
			return fmt.Errorf("only %d/%d confirmations", res.Confirmations, minConfirmations)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return last, apperr.Wrap(apperr.ChainTransient, "confirmation timed out", err)
	}
	return last, nil
}

func (c *Client) TransferTokens(ctx context.Context, from, to, asset string, amount string) (*SubmitResult, error) {
	return c.Submit(ctx, "transfer_tokens", map[string]any{"from": from, "to": to, "asset": asset, "amount": amount})
}

func (c *Client) Mint(ctx context.Context, to, asset, amount string) (*SubmitResult, error) {
	return c.Submit(ctx, "mint", map[string]any{"to": to, "asset": asset, "amount": amount})
}

func (c *Client) Burn(ctx context.Context, from, asset, amount string) (*SubmitResult, error) {
	return c.Submit(ctx, "burn", map[string]any{"from": from, "asset": asset, "amount": amount})
}

func (c *Client) LockEscrow(ctx context.Context, owner, asset, amount string) (*SubmitResult, error) {
	return c.Submit(ctx, "lock_escrow", map[string]any{"owner": owner, "asset": asset, "amount": amount})
}

func (c *Client) ReleaseEscrow(ctx context.Context, owner, to, asset, amount string) (*SubmitResult, error) {
	return c.Submit(ctx, "release_escrow", map[string]any{"owner": owner, "to": to, "asset": asset, "amount": amount})
}

func (c *Client) RefundEscrow(ctx context.Context, owner, asset, amount string) (*SubmitResult, error) {
	return c.Submit(ctx, "refund_escrow", map[string]any{"owner": owner, "asset": asset, "amount": amount})
}

// call issues the RPC request, retrying transient (5xx, network-level)
// failures with full-jitter exponential backoff, capped at 5 attempts total.
// A 4xx response is classified permanent and returned to the caller on the
// first try.
func (c *Client) call(ctx context.Context, path string, body, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.RandomizationFactor = 1.0 // full jitter: actual wait is uniform in [0, 2 x computed interval]
	policy.MaxElapsedTime = 0        // bounded by attempt count below, not elapsed time

	op := func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(out).
			Post(path)
		if err != nil {
			return apperr.Wrap(apperr.ChainTransient, "rpc call failed", err)
		}
		if resp.IsError() {
			if resp.StatusCode() >= 500 {
				return apperr.New(apperr.ChainTransient, "rpc 5xx: "+resp.Status())
			}
			return backoff.Permanent(apperr.New(apperr.ChainPermanent, "rpc 4xx: "+resp.Status()))
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx))
	if err == nil {
		return nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}

// ── Priority fee ──────────────────────────────────────

// GetPriorityFee returns the fee to attach to a transaction of the given
// kind: the network's base p75 fee (cached for feeCacheTTL), buffered 20%,
// multiplied per transaction kind, and clamped to [minFee, maxFee].
func (c *Client) GetPriorityFee(ctx context.Context, kind TxKind) (uint64, error) {
	base, err := c.baseFee(ctx)
	if err != nil {
		return c.defaultFee, err
	}
	mult := priorityMultiplier[kind]
	if mult == 0 {
		mult = 1.0
	}
	fee := uint64(float64(base) * mult)
	if fee < c.minFee {
		fee = c.minFee
	}
	if fee > c.maxFee {
		fee = c.maxFee
	}
	return fee, nil
}

func (c *Client) baseFee(ctx context.Context) (uint64, error) {
	c.feeMu.Lock()
	defer c.feeMu.Unlock()

	if c.feeCache != nil && time.Since(c.feeCache.at) < c.feeCacheTTL {
		return c.feeCache.fee, nil
	}

	fee, err := c.fetchNetworkFee(ctx)
	if err != nil {
		if c.feeCache != nil {
			return c.feeCache.fee, nil // stale cache beats a failed refresh
		}
		return c.defaultFee, err
	}
	c.feeCache = &cachedFee{fee: fee, at: time.Now()}
	c.feeGen.Inc()
	return fee, nil
}

// FeeCacheGeneration reports how many times the priority-fee cache has been
// refreshed from the network, for callers that want to log or assert on
// cache churn without reaching into the mutex-guarded cache directly.
func (c *Client) FeeCacheGeneration() uint64 { return c.feeGen.Load() }

func (c *Client) fetchNetworkFee(ctx context.Context) (uint64, error) {
	var out struct {
		RecentFees []uint64 `json:"recent_fees"`
	}
	if err := c.call(ctx, "/priority_fees/recent", nil, &out); err != nil {
		return 0, err
	}
	if len(out.RecentFees) == 0 {
		return c.defaultFee, nil
	}
	sorted := append([]uint64(nil), out.RecentFees...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p75idx := (len(sorted) * 75) / 100
	if p75idx >= len(sorted) {
		p75idx = len(sorted) - 1
	}
	p75 := sorted[p75idx]
	return p75 * 120 / 100, nil
}
