package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaMismatch marks a live database that does not satisfy the
// credential schema contract. Fatal at startup; never probed per call.
var ErrSchemaMismatch = errors.New("credential schema mismatch")

// Schema is the contract the key pool verified against the live database
// at startup. Column probing happens exactly once here; at call time the
// stores trust this snapshot.
type Schema struct {
	// SecretColumn is whichever of the candidate columns holds the API
	// secret in this deployment.
	SecretColumn string
	// HasServiceColumn reports whether api_keys.service_name exists, which
	// gates the --service filter.
	HasServiceColumn bool
}

// secretColumnCandidates are probed in order; older deployments named the
// secret column differently.
var secretColumnCandidates = []string{"api_key", "key_value", "key"}

// requiredColumns must all be present on api_keys for the allocator,
// throttle gate, recorder and releaser to operate.
var requiredColumns = []string{
	"key_name",
	"daily_request_count",
	"daily_token_total",
	"last_used",
	"quota_exhausted",
	"disabled_until",
}

// CheckSchema verifies the credential tables against the expected contract.
// Any contract gap comes back wrapping ErrSchemaMismatch; callers halt
// startup on it rather than probing per call.
func CheckSchema(ctx context.Context, db *DB) (*Schema, error) {
	for _, table := range []string{"api_keys", "usage_log"} {
		ok, err := tableExists(ctx, db.conn, table)
		if err != nil {
			return nil, fmt.Errorf("schema check: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: table %q does not exist", ErrSchemaMismatch, table)
		}
	}

	for _, col := range requiredColumns {
		ok, err := columnExists(ctx, db.conn, "api_keys", col)
		if err != nil {
			return nil, fmt.Errorf("schema check: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: api_keys.%s does not exist", ErrSchemaMismatch, col)
		}
	}

	schema := &Schema{}
	for _, col := range secretColumnCandidates {
		ok, err := columnExists(ctx, db.conn, "api_keys", col)
		if err != nil {
			return nil, fmt.Errorf("schema check: %w", err)
		}
		if ok {
			schema.SecretColumn = col
			break
		}
	}
	if schema.SecretColumn == "" {
		return nil, fmt.Errorf("%w: no secret column on api_keys (tried %v)", ErrSchemaMismatch, secretColumnCandidates)
	}

	hasService, err := columnExists(ctx, db.conn, "api_keys", "service_name")
	if err != nil {
		return nil, fmt.Errorf("schema check: %w", err)
	}
	schema.HasServiceColumn = hasService

	return schema, nil
}

func tableExists(ctx context.Context, conn *sql.DB, table string) (bool, error) {
	const query = `
		SELECT 1
		FROM information_schema.tables
		WHERE table_name = $1
	`
	return existsQuery(ctx, conn, query, table)
}

func columnExists(ctx context.Context, conn *sql.DB, table, column string) (bool, error) {
	const query = `
		SELECT 1
		FROM information_schema.columns
		WHERE table_name = $1 AND column_name = $2
	`
	return existsQuery(ctx, conn, query, table, column)
}

func existsQuery(ctx context.Context, conn *sql.DB, query string, args ...interface{}) (bool, error) {
	var one int
	err := conn.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
