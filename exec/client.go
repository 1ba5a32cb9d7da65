package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/betbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// REST side of the venue API: order submission, settled-trade history,
// balance reads and the server-time endpoint. The push side lives in
// the feeds package. Authentication is a bearer session token.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Client talks to the venue's REST API.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	dryRun     bool
	httpClient *http.Client
}

// NewClient creates a venue client. The venue pins sessions to a device
// id; an empty one omits the header. With dryRun set no order leaves
// the process; submissions are logged and acknowledged locally.
func NewClient(baseURL, token, deviceID string, dryRun bool) *Client {
	client := &Client{
		baseURL:    baseURL,
		token:      token,
		deviceID:   deviceID,
		dryRun:     dryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Str("base_url", baseURL).
		Msg("🚀 Execution client initialized")

	return client
}

// Submit places a binary option order. A venue refusal comes back as
// *types.RejectError so callers can tell a rejection from a transport
// failure.
func (c *Client) Submit(ctx context.Context, order *types.Order) error {
	if c.dryRun {
		log.Info().
			Str("client_id", order.ClientID).
			Str("asset", order.Asset).
			Str("trend", string(order.Trend)).
			Str("stake", order.Stake.String()).
			Time("expire_at", order.ExpireAt).
			Msg("📝 DRY RUN: Order would be placed")
		return nil
	}

	payload := map[string]interface{}{
		"client_id":    order.ClientID,
		"asset":        order.Asset,
		"trend":        string(order.Trend),
		"amount":       order.Stake.String(),
		"account_type": string(order.Account),
		"created_ts":   order.CreatedAt.UnixMilli(),
		"expire_ts":    order.ExpireAt.UnixMilli(),
	}

	resp, err := c.post(ctx, "/orders/open", payload)
	if err != nil {
		return err
	}

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !result.Success {
		return &types.RejectError{Reason: result.Message}
	}

	log.Info().
		Str("client_id", order.ClientID).
		Str("stake", order.Stake.String()).
		Msg("✅ Order accepted")
	return nil
}

// tradeRecord is the venue's settled-trade wire shape.
type tradeRecord struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Trend       string `json:"trend"`
	WinAmount   string `json:"win_amount"`
	AccountType string `json:"account_type"`
	CreatedTS   int64  `json:"created_ts"`
	FinishedTS  int64  `json:"finished_ts"`
}

// RecentOutcomes returns the venue's latest settled trades for one
// account, newest first as the venue serves them.
func (c *Client) RecentOutcomes(ctx context.Context, account types.AccountKind) ([]types.Outcome, error) {
	if c.dryRun {
		return nil, nil
	}

	resp, err := c.get(ctx, "/trades/closed?account_type="+string(account))
	if err != nil {
		return nil, err
	}

	var records []tradeRecord
	if err := json.Unmarshal(resp, &records); err != nil {
		return nil, fmt.Errorf("parse trades: %w", err)
	}

	outcomes := make([]types.Outcome, 0, len(records))
	for _, rec := range records {
		outcomes = append(outcomes, types.Outcome{
			ID:         rec.ID,
			Status:     types.OutcomeStatus(rec.Status),
			Stake:      parseDecimal(rec.Amount),
			Trend:      types.Trend(rec.Trend),
			Payout:     parseDecimal(rec.WinAmount),
			Account:    types.AccountKind(rec.AccountType),
			CreatedAt:  time.UnixMilli(rec.CreatedTS),
			FinishedAt: time.UnixMilli(rec.FinishedTS),
			Channel:    types.ChannelPoll,
			ObservedAt: time.Now(),
		})
	}
	return outcomes, nil
}

// Balance returns the account balance in minor units.
func (c *Client) Balance(ctx context.Context, account types.AccountKind) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(100_000_000), nil // simulated balance
	}

	resp, err := c.get(ctx, "/balance?account_type="+string(account))
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(result.Balance), nil
}

// ServerTimeMillis returns the venue's clock in unix millis.
func (c *Client) ServerTimeMillis(ctx context.Context) (int64, error) {
	if c.dryRun {
		return time.Now().UnixMilli(), nil
	}

	resp, err := c.get(ctx, "/time")
	if err != nil {
		return 0, err
	}

	var result struct {
		TS int64 `json:"ts"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	return result.TS, nil
}

// IsDryRun reports whether the client simulates submissions.
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.deviceID != "" {
		req.Header.Set("Device-Id", c.deviceID)
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var venueErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &venueErr) == nil && venueErr.Message != "" && resp.StatusCode < 500 {
			return nil, &types.RejectError{Reason: venueErr.Message}
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
