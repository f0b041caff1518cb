package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"duel-settlement-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EscrowReconcileClient pulls confirmed transfer receipts from the escrow
// ledger service so disputes and reconciliation can be worked from a local
// table instead of the ledger API.
type EscrowReconcileClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
}

func NewEscrowReconcileClient(db *gorm.DB) *EscrowReconcileClient {
	baseURL := os.Getenv("ESCROW_SERVICE_URL")
	if baseURL == "" {
		log.Fatal("ESCROW_SERVICE_URL environment variable is required")
	}
	token := os.Getenv("ESCROW_SERVICE_TOKEN")
	if token == "" {
		log.Fatal("ESCROW_SERVICE_TOKEN environment variable is required for escrow reconciliation")
	}

	return &EscrowReconcileClient{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *EscrowReconcileClient) GetConfirmedTransfers(ctx context.Context, since time.Time) ([]models.EscrowTransferMirror, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/api/v1/escrow/transfers", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call escrow service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("escrow service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Transfers []models.EscrowTransferMirror `json:"transfers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode escrow service response: %w", err)
	}

	return response.Transfers, nil
}

// PollTransfers mirrors confirmed escrow transfers into the local database.
func PollTransfers(ctx context.Context, client *EscrowReconcileClient, pollInterval time.Duration) {
	log.Println("Starting escrow transfer reconciliation polling...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Escrow reconciliation polling stopped.")
			return
		case <-ticker.C:
			logTime := time.Now().UTC()

			transfers, err := client.GetConfirmedTransfers(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ Error polling escrow transfers: %v", err)
				continue
			}

			count := len(transfers)
			if count == 0 {
				continue
			}

			if err := client.DB.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "receipt_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"session_id",
						"wallet",
						"kind",
						"amount",
						"confirmed_at",
						"updated_at",
					}),
				},
			).Create(&transfers).Error; err != nil {
				log.Printf("❌ Failed to upsert %d transfer(s) into escrow_transfer_mirror: %v", count, err)
				// Do NOT advance lastSyncTime on failure — retry same window next tick
				continue
			}

			lastSyncTime = logTime
			log.Printf("✅ Mirrored %d escrow transfer(s)", count)
		}
	}
}

// TransfersForSession lists mirrored receipts for one session, the raw
// material for a dispute review.
func TransfersForSession(db *gorm.DB, sessionID string) ([]models.EscrowTransferMirror, error) {
	var transfers []models.EscrowTransferMirror
	if err := db.Where("session_id = ?", sessionID).
		Order("confirmed_at ASC").
		Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}
