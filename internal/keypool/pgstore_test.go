package keypool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupPostgres connects to the database named by KEYPOOL_TEST_DATABASE_URL,
// applies migrations, and truncates the credential tables. Tests are
// skipped when the variable is unset so the suite runs without Postgres.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("KEYPOOL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("KEYPOOL_TEST_DATABASE_URL not set; skipping Postgres store tests")
	}

	db, err := database.New(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db))

	ctx := context.Background()
	_, err = db.Conn().ExecContext(ctx, "TRUNCATE api_keys, usage_log, tasks")
	require.NoError(t, err)

	schema, err := database.CheckSchema(ctx, db)
	require.NoError(t, err)

	return NewPostgresStore(db, schema, 60)
}

func addPGCredential(t *testing.T, store *PostgresStore, cred models.Credential) {
	t.Helper()
	_, err := store.db.Conn().ExecContext(context.Background(), `
		INSERT INTO api_keys (key_name, key_value, service_name, daily_request_count,
		                      daily_token_total, last_used, quota_exhausted, disabled_until)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		cred.Name, cred.Secret, cred.Service, cred.DailyRequestCount,
		cred.DailyTokenTotal, cred.LastUsed, cred.QuotaExhausted, cred.DisabledUntil)
	require.NoError(t, err)
}

func TestPostgresSchemaCheck(t *testing.T) {
	store := setupPostgres(t)
	assert.Equal(t, "key_value", store.schema.SecretColumn)
	assert.True(t, store.schema.HasServiceColumn)
}

func TestPostgresOrderingHeuristic(t *testing.T) {
	store := setupPostgres(t)
	now := time.Now().UTC()

	addPGCredential(t, store, models.Credential{Name: "busy", Secret: "s", DailyRequestCount: 5, DailyTokenTotal: 100})
	addPGCredential(t, store, models.Credential{Name: "light", Secret: "s", DailyRequestCount: 2, DailyTokenTotal: 50})
	addPGCredential(t, store, models.Credential{Name: "heavy-tokens", Secret: "s", DailyRequestCount: 2, DailyTokenTotal: 200})

	creds, err := store.ListAllocatable(context.Background(), now, "")
	require.NoError(t, err)
	require.Len(t, creds, 3)
	assert.Equal(t, "light", creds[0].Name)
	assert.Equal(t, "heavy-tokens", creds[1].Name)
	assert.Equal(t, "busy", creds[2].Name)
}

func TestPostgresTryAcquireHonorsPredicate(t *testing.T) {
	store := setupPostgres(t)
	now := time.Now().UTC()
	cooling := now.Add(time.Minute)

	addPGCredential(t, store, models.Credential{Name: "parked", Secret: "s", QuotaExhausted: true})
	addPGCredential(t, store, models.Credential{Name: "cooling", Secret: "s", DisabledUntil: &cooling})
	addPGCredential(t, store, models.Credential{Name: "capped", Secret: "s", DailyRequestCount: 60})

	cred, err := store.TryAcquire(context.Background(), now, AcquireOptions{ReserveFor: time.Minute})
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestPostgresConcurrentAcquire(t *testing.T) {
	// With one allocatable row and many concurrent acquirers, SKIP LOCKED
	// plus the in-transaction reservation must hand the row to exactly one.
	store := setupPostgres(t)
	now := time.Now().UTC()
	addPGCredential(t, store, models.Credential{Name: "only", Secret: "s"})

	const callers = 8
	var wg sync.WaitGroup
	got := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := store.TryAcquire(context.Background(), now, AcquireOptions{ReserveFor: time.Minute})
			require.NoError(t, err)
			if cred != nil {
				got <- cred.Name
			}
		}()
	}
	wg.Wait()
	close(got)

	var winners int
	for range got {
		winners++
	}
	assert.Equal(t, 1, winners)
}

func TestPostgresRecordUsageAtomicAccounting(t *testing.T) {
	store := setupPostgres(t)
	now := time.Now().UTC()
	addPGCredential(t, store, models.Credential{Name: "k1", Secret: "s"})

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.RecordUsage(context.Background(), now, models.UsageRecord{
				KeyName:     "k1",
				TaskID:      fmt.Sprintf("task-%d", n),
				TokenCount:  10,
				RequestType: "test",
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var count int
	var tokens int64
	err := store.db.Conn().QueryRow(
		"SELECT daily_request_count, daily_token_total FROM api_keys WHERE key_name = 'k1'").
		Scan(&count, &tokens)
	require.NoError(t, err)
	assert.Equal(t, callers, count)
	assert.Equal(t, int64(callers*10), tokens)

	var logged int
	err = store.db.Conn().QueryRow("SELECT COUNT(*) FROM usage_log WHERE key_name = 'k1'").Scan(&logged)
	require.NoError(t, err)
	assert.Equal(t, callers, logged)
}

func TestPostgresReleaseOutcomes(t *testing.T) {
	store := setupPostgres(t)
	now := time.Now().UTC()
	reserved := now.Add(time.Minute)
	addPGCredential(t, store, models.Credential{Name: "k1", Secret: "s", DisabledUntil: &reserved})
	ctx := context.Background()

	require.NoError(t, store.Release(ctx, "k1", OutcomeRetryable))
	creds, err := store.ListAllocatable(ctx, now, "")
	require.NoError(t, err)
	require.Len(t, creds, 1)

	require.NoError(t, store.Release(ctx, "k1", OutcomeQuotaExhausted))
	creds, err = store.ListAllocatable(ctx, now, "")
	require.NoError(t, err)
	assert.Empty(t, creds)

	assert.ErrorIs(t, store.Release(ctx, "ghost", OutcomeRetryable), ErrUnknownCredential)
}
