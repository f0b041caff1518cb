package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Escrow ledger failure modes surfaced to the engine.
var (
	ErrInsufficientFunds = errors.New("insufficient funds for deposit")
	ErrTransferFailed    = errors.New("escrow transfer failed")
)

// EscrowLedger is the boundary to the external service that actually holds
// and moves funds. The engine only orchestrates: deposit on entry, then
// exactly one of payout or refund per stake. All amounts are lamports.
type EscrowLedger interface {
	Deposit(ctx context.Context, sessionID, wallet string, amount int64) (receiptID string, err error)
	Refund(ctx context.Context, sessionID, wallet string, amount int64) error
	Payout(ctx context.Context, sessionID, wallet string, amount int64) error
}

// LedgerClient talks to the escrow service over HTTP with the shared service
// token. Calls may block on ledger latency; callers must not hold anything
// other sessions need while waiting.
type LedgerClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewLedgerClient() *LedgerClient {
	baseURL := os.Getenv("ESCROW_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("ESCROW_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("ESCROW_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("ESCROW_SERVICE_TOKEN environment variable is required")
	}

	return &LedgerClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type transferRequest struct {
	SessionID string `json:"session_id"`
	Wallet    string `json:"wallet"`
	Amount    int64  `json:"amount"`
}

type transferResponse struct {
	ReceiptID string `json:"receipt_id"`
	Error     string `json:"error,omitempty"`
}

func (c *LedgerClient) post(ctx context.Context, path string, req transferRequest) (*transferResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to call escrow service: %w", err)
	}
	defer resp.Body.Close()

	var out transferResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode escrow response: %w", err)
	}
	return &out, resp.StatusCode, nil
}

func (c *LedgerClient) Deposit(ctx context.Context, sessionID, wallet string, amount int64) (string, error) {
	out, status, err := c.post(ctx, "/api/v1/escrow/deposit", transferRequest{SessionID: sessionID, Wallet: wallet, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	switch status {
	case http.StatusOK:
		return out.ReceiptID, nil
	case http.StatusPaymentRequired:
		return "", ErrInsufficientFunds
	default:
		return "", fmt.Errorf("%w: escrow service returned status %d: %s", ErrTransferFailed, status, out.Error)
	}
}

func (c *LedgerClient) Refund(ctx context.Context, sessionID, wallet string, amount int64) error {
	out, status, err := c.post(ctx, "/api/v1/escrow/refund", transferRequest{SessionID: sessionID, Wallet: wallet, Amount: amount})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: escrow service returned status %d: %s", ErrTransferFailed, status, out.Error)
	}
	return nil
}

func (c *LedgerClient) Payout(ctx context.Context, sessionID, wallet string, amount int64) error {
	out, status, err := c.post(ctx, "/api/v1/escrow/payout", transferRequest{SessionID: sessionID, Wallet: wallet, Amount: amount})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: escrow service returned status %d: %s", ErrTransferFailed, status, out.Error)
	}
	return nil
}
