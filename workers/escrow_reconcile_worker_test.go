package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"duel-settlement-engine/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func workerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.EscrowTransferMirror{}))
	return db
}

func TestPollTransfersMirrorsReceipts(t *testing.T) {
	transfers := []models.EscrowTransferMirror{
		{
			ID:          "11111111-1111-1111-1111-111111111111",
			ReceiptID:   "rcpt-1",
			SessionID:   "22222222-2222-2222-2222-222222222222",
			Wallet:      "A1iceWa11et",
			Kind:        "deposit",
			Amount:      20_000_000,
			ConfirmedAt: time.Now().UTC(),
		},
		{
			ID:          "33333333-3333-3333-3333-333333333333",
			ReceiptID:   "rcpt-2",
			SessionID:   "22222222-2222-2222-2222-222222222222",
			Wallet:      "BobWa11et",
			Kind:        "payout",
			Amount:      39_200_000,
			ConfirmedAt: time.Now().UTC(),
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/escrow/transfers", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Service-Token"))
		assert.NotEmpty(t, r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode(map[string]any{"transfers": transfers})
	}))
	defer srv.Close()

	db := workerTestDB(t)
	client := &EscrowReconcileClient{
		BaseURL:    srv.URL,
		Token:      "test-token",
		DB:         db,
		HTTPClient: srv.Client(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go PollTransfers(ctx, client, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&models.EscrowTransferMirror{}).Count(&count)
		return count == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	rows, err := TransfersForSession(db, "22222222-2222-2222-2222-222222222222")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "rcpt-1", rows[0].ReceiptID)

	// Re-delivery of the same receipts upserts, never duplicates.
	var count int64
	db.Model(&models.EscrowTransferMirror{}).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestGetConfirmedTransfersErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := &EscrowReconcileClient{
		BaseURL:    srv.URL,
		Token:      "test-token",
		DB:         workerTestDB(t),
		HTTPClient: srv.Client(),
	}

	_, err := client.GetConfirmedTransfers(context.Background(), time.Now().Add(-time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
