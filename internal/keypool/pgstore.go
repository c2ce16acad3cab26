package keypool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// PostgresStore implements Store on PostgreSQL. Acquisition takes a
// row-level exclusive lock that skips rows locked by concurrent
// transactions, so two allocators never collide on a row and never
// queue behind each other either.
type PostgresStore struct {
	db      *database.DB
	schema  *database.Schema
	ceiling int
}

// NewPostgresStore wires a store against a schema contract that
// database.CheckSchema validated at startup.
func NewPostgresStore(db *database.DB, schema *database.Schema, ceiling int) *PostgresStore {
	return &PostgresStore{db: db, schema: schema, ceiling: ceiling}
}

const orderClause = "daily_request_count ASC, daily_token_total ASC, last_used ASC NULLS FIRST"

// ListAllocatable implements Store.
func (s *PostgresStore) ListAllocatable(ctx context.Context, now time.Time, service string) ([]models.Credential, error) {
	where, args := s.predicate(now, AcquireOptions{Service: service})

	query := fmt.Sprintf(`
		SELECT key_name, %s, %s, daily_request_count,
		       daily_token_total, last_used, quota_exhausted, disabled_until
		FROM api_keys
		WHERE %s
		ORDER BY %s`, s.secretColumn(), s.serviceExpr(), where, orderClause)

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list allocatable", Err: err}
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, &StoreError{Op: "list allocatable", Err: err}
		}
		creds = append(creds, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list allocatable", Err: err}
	}
	return creds, nil
}

// TryAcquire implements Store. The select and the reservation/usage
// writes share one transaction: once it commits, the credential is
// either reserved or untouched, never in between.
func (s *PostgresStore) TryAcquire(ctx context.Context, now time.Time, opts AcquireOptions) (*models.Credential, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, &StoreError{Op: "begin acquire", Err: err}
	}
	defer tx.Rollback()

	where, args := s.predicate(now, opts)

	query := fmt.Sprintf(`
		SELECT key_name, %s, %s, daily_request_count,
		       daily_token_total, last_used, quota_exhausted, disabled_until
		FROM api_keys
		WHERE %s
		ORDER BY %s
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, s.secretColumn(), s.serviceExpr(), where, orderClause)

	row := tx.QueryRowContext(ctx, query, args...)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "acquire", Err: err}
	}

	var sets []string
	var setArgs []interface{}
	if opts.ReserveFor > 0 {
		setArgs = append(setArgs, now.UTC().Add(opts.ReserveFor))
		sets = append(sets, fmt.Sprintf("disabled_until = $%d", len(setArgs)))
	}
	if opts.MarkUse {
		setArgs = append(setArgs, now.UTC())
		sets = append(sets, "daily_request_count = daily_request_count + 1",
			fmt.Sprintf("last_used = $%d", len(setArgs)))
	}

	if len(sets) > 0 {
		setArgs = append(setArgs, cred.Name)
		update := fmt.Sprintf("UPDATE api_keys SET %s WHERE key_name = $%d",
			strings.Join(sets, ", "), len(setArgs))
		if _, err := tx.ExecContext(ctx, update, setArgs...); err != nil {
			return nil, &StoreError{Op: "reserve", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StoreError{Op: "commit acquire", Err: err}
	}
	return cred, nil
}

// RecordUsage implements Store. Counter bump and log append commit
// together or not at all.
func (s *PostgresStore) RecordUsage(ctx context.Context, now time.Time, rec models.UsageRecord) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin record usage", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used = $1,
		    daily_request_count = daily_request_count + 1,
		    daily_token_total = daily_token_total + $2,
		    disabled_until = NULL
		WHERE key_name = $3`,
		now.UTC(), rec.TokenCount, rec.KeyName)
	if err != nil {
		return &StoreError{Op: "record usage", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownCredential
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_log (key_name, task_id, token_count, request_type, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		rec.KeyName, rec.TaskID, rec.TokenCount, rec.RequestType, now.UTC()); err != nil {
		return &StoreError{Op: "append usage log", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit record usage", Err: err}
	}
	return nil
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, name string, outcome Outcome) error {
	var query string
	switch outcome {
	case OutcomeRetryable:
		query = `UPDATE api_keys SET disabled_until = NULL WHERE key_name = $1`
	case OutcomeQuotaExhausted:
		query = `UPDATE api_keys SET quota_exhausted = TRUE, disabled_until = NULL WHERE key_name = $1`
	default:
		return fmt.Errorf("keypool: release outcome %s is not a store operation", outcome)
	}

	res, err := s.db.Conn().ExecContext(ctx, query, name)
	if err != nil {
		return &StoreError{Op: "release", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownCredential
	}
	return nil
}

// LastUsed implements Store.
func (s *PostgresStore) LastUsed(ctx context.Context, name string) (*time.Time, error) {
	var lastUsed sql.NullTime
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT last_used FROM api_keys WHERE key_name = $1`, name).Scan(&lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownCredential
	}
	if err != nil {
		return nil, &StoreError{Op: "last used", Err: err}
	}
	if !lastUsed.Valid {
		return nil, nil
	}
	t := lastUsed.Time.UTC()
	return &t, nil
}

// predicate builds the allocatable WHERE clause. AllowExhausted drops the
// quota flag and ceiling checks for diagnostics; the cooldown check always
// applies so a reserved credential is never double-offered.
func (s *PostgresStore) predicate(now time.Time, opts AcquireOptions) (string, []interface{}) {
	preds := []string{"(disabled_until IS NULL OR disabled_until <= $1)"}
	args := []interface{}{now.UTC()}

	if !opts.AllowExhausted {
		preds = append(preds, "(quota_exhausted IS NOT TRUE)")
		args = append(args, s.ceiling)
		preds = append(preds, fmt.Sprintf("daily_request_count < $%d", len(args)))
	}

	if opts.Service != "" && s.schema.HasServiceColumn {
		args = append(args, opts.Service)
		preds = append(preds, fmt.Sprintf("service_name = $%d", len(args)))
	}

	return strings.Join(preds, " AND "), args
}

// secretColumn comes from the startup schema check; candidates are a fixed
// list, so interpolating it is safe.
func (s *PostgresStore) secretColumn() string {
	return s.schema.SecretColumn
}

// serviceExpr tolerates deployments whose api_keys table predates the
// service_name column.
func (s *PostgresStore) serviceExpr() string {
	if s.schema.HasServiceColumn {
		return "COALESCE(service_name, '')"
	}
	return "''"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var cred models.Credential
	var lastUsed, disabledUntil sql.NullTime
	if err := row.Scan(&cred.Name, &cred.Secret, &cred.Service,
		&cred.DailyRequestCount, &cred.DailyTokenTotal,
		&lastUsed, &cred.QuotaExhausted, &disabledUntil); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		cred.LastUsed = &t
	}
	if disabledUntil.Valid {
		t := disabledUntil.Time.UTC()
		cred.DisabledUntil = &t
	}
	return &cred, nil
}
