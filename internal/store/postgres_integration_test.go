//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/clock"
	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func newPostgresStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("settlement"),
		postgres.WithUsername("app"),
		postgres.WithPassword("secret"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := store.NewStore(dsn, 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresMigrationsAndConstraints(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	rate, ok, err := s.ActiveTaxRate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.18")))

	first := seedOrder(t, s, "key-1")
	dup := *first
	dup.ID = uuid.New().String()
	err = s.CreateOrder(ctx, &dup)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	// The balance check constraint rejects a drifted allocation outright.
	a := seedAllocation(t, s, 5)
	bad := *a
	bad.SoldQty, bad.RemainingQty = 1, 1
	_, err = s.CompareAndSwapAllocation(ctx, &bad, a.Version)
	assert.Error(t, err)

	// Reapplying migrations is a no-op.
	require.NoError(t, s.Migrate(ctx))
}

func TestPostgresConcurrentReserveKeepsBalance(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a := seedAllocation(t, s, 12)

	ledger := service.NewAllocationLedger(s, clock.NewSystem(), 50, time.Millisecond, service.Collaborators{})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(ctx, a.ID, 1); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, models.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetAllocation(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balanced())
	assert.LessOrEqual(t, successes, 12)
	assert.Equal(t, 12-successes, got.RemainingQty)
	assert.Equal(t, successes, got.SoldQty)
}
