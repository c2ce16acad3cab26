// Package report serves read-only JSON views over the credential pool
// and usage log. It runs on the read-only connection pool and issues
// plain SELECTs only; the locking transaction path is never available
// to reporting.
package report

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
	"github.com/rs/zerolog"
)

// Handler serves the reporting endpoints.
type Handler struct {
	db     *database.DB
	schema *database.Schema
	log    zerolog.Logger
}

// NewHandler creates a reporting handler on the read-only pool.
func NewHandler(db *database.DB, schema *database.Schema, log zerolog.Logger) *Handler {
	return &Handler{db: db, schema: schema, log: log}
}

// Routes mounts the reporting endpoints. Reporting gets a request
// timeout on top of the pool's statement timeout; the chat path cannot
// carry one because streams outlive any sane limit.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Get("/keys", h.HandleKeys)
	r.Get("/usage", h.HandleUsage)
	return r
}

// KeyStatus is one credential's reporting view. The secret appears only
// as a last-four hint.
type KeyStatus struct {
	KeyName           string     `json:"key_name"`
	SecretHint        string     `json:"secret_hint"`
	Service           string     `json:"service,omitempty"`
	DailyRequestCount int        `json:"daily_request_count"`
	DailyTokenTotal   int64      `json:"daily_token_total"`
	LastUsed          *time.Time `json:"last_used"`
	QuotaExhausted    bool       `json:"quota_exhausted"`
	DisabledUntil     *time.Time `json:"disabled_until"`
}

// HandleKeys handles GET /report/keys
func (h *Handler) HandleKeys(w http.ResponseWriter, r *http.Request) {
	serviceExpr := "''"
	if h.schema.HasServiceColumn {
		serviceExpr = "COALESCE(service_name, '')"
	}
	query := fmt.Sprintf(`
		SELECT key_name, %s, %s, daily_request_count, daily_token_total,
		       last_used, quota_exhausted, disabled_until
		FROM api_keys
		ORDER BY key_name`, h.schema.SecretColumn, serviceExpr)

	rows, err := h.db.Conn().QueryContext(r.Context(), query)
	if err != nil {
		h.log.Error().Err(err).Msg("key report query failed")
		http.Error(w, "report unavailable", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	keys := make([]KeyStatus, 0)
	for rows.Next() {
		var ks KeyStatus
		var secret string
		if err := rows.Scan(&ks.KeyName, &secret, &ks.Service, &ks.DailyRequestCount,
			&ks.DailyTokenTotal, &ks.LastUsed, &ks.QuotaExhausted, &ks.DisabledUntil); err != nil {
			h.log.Error().Err(err).Msg("key report scan failed")
			http.Error(w, "report unavailable", http.StatusInternalServerError)
			return
		}
		ks.SecretHint = logging.RedactSecret(secret)
		keys = append(keys, ks)
	}
	if err := rows.Err(); err != nil {
		h.log.Error().Err(err).Msg("key report query failed")
		http.Error(w, "report unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keys)
}

// UsageEntry is one usage_log row in the reporting view.
type UsageEntry struct {
	ID          int64     `json:"id"`
	KeyName     string    `json:"key_name"`
	TaskID      string    `json:"task_id,omitempty"`
	TokenCount  int       `json:"token_count"`
	RequestType string    `json:"request_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// HandleUsage handles GET /report/usage?limit=N
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	rows, err := h.db.Conn().QueryContext(r.Context(), `
		SELECT id, key_name, COALESCE(task_id, ''), token_count,
		       COALESCE(request_type, ''), created_at
		FROM usage_log
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("usage report query failed")
		http.Error(w, "report unavailable", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	entries := make([]UsageEntry, 0, limit)
	for rows.Next() {
		var e UsageEntry
		if err := rows.Scan(&e.ID, &e.KeyName, &e.TaskID, &e.TokenCount, &e.RequestType, &e.CreatedAt); err != nil {
			h.log.Error().Err(err).Msg("usage report scan failed")
			http.Error(w, "report unavailable", http.StatusInternalServerError)
			return
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		h.log.Error().Err(err).Msg("usage report query failed")
		http.Error(w, "report unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
