package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-engine/internal/domain"
	"swap-engine/internal/storage"
)

func createTestRecord(orderID, venue string, status domain.Status) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		OrderID:       orderID,
		TokenIn:       "SOL",
		TokenOut:      "USDC",
		Amount:        decimal.RequireFromString("2.5"),
		ExecutionMode: domain.ExecutionModeSimulated,
		Status:        status,
		Venue:         venue,
		QuotedPrice:   decimal.RequireFromString("149.625"),
		ExecutedPrice: decimal.RequireFromString("149.6"),
		Attempts:      1,
		DurationMs:    4200,
		CompletedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestExecutionRecordStore_InsertAndGet(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionRecordStore(conn)

	rec := createTestRecord("order-1", "Raydium", domain.StatusConfirmed)
	require.NoError(t, store.Insert(ctx, rec))

	got, err := store.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)

	assert.Equal(t, "Raydium", got.Venue)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.True(t, rec.ExecutedPrice.Equal(got.ExecutedPrice))
	assert.Equal(t, int64(4200), got.DurationMs)
	assert.Equal(t, 1, got.Attempts)

	err = store.Insert(ctx, rec)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	_, err = store.GetByOrderID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExecutionRecordStore_CountByVenue(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewExecutionRecordStore(conn)

	require.NoError(t, store.Insert(ctx, createTestRecord("a", "Raydium", domain.StatusConfirmed)))
	require.NoError(t, store.Insert(ctx, createTestRecord("b", "Raydium", domain.StatusConfirmed)))
	require.NoError(t, store.Insert(ctx, createTestRecord("c", "Meteora", domain.StatusConfirmed)))
	require.NoError(t, store.Insert(ctx, createTestRecord("d", "Meteora", domain.StatusFailed)))

	counts, err := store.CountByVenue(ctx, domain.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["Raydium"])
	assert.Equal(t, int64(1), counts["Meteora"])
}

func TestExecutionRecordStore_RejectsNonTerminal(t *testing.T) {
	store := NewExecutionRecordStore(nil)
	err := store.Insert(context.Background(), createTestRecord("x", "Raydium", domain.StatusSubmitted))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
