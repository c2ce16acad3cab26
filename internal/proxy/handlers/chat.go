package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
	"github.com/mrmushfiq/llm0-keypool/internal/notify"
	"github.com/mrmushfiq/llm0-keypool/internal/proxy/gemini"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
	"github.com/rs/zerolog"
)

// ChatHandler serves the OpenAI-compatible chat completion endpoint over
// the credential pool: every request allocates its own pool credential,
// passes the throttle gate, forwards upstream, and either commits usage
// or releases the credential.
type ChatHandler struct {
	pool         *keypool.Pool
	upstream     *gemini.Client
	notifier     *notify.Notifier
	defaultModel string
	log          zerolog.Logger
}

// NewChatHandler wires the chat endpoint.
func NewChatHandler(pool *keypool.Pool, upstream *gemini.Client, notifier *notify.Notifier, defaultModel string, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		pool:         pool,
		upstream:     upstream,
		notifier:     notifier,
		defaultModel: defaultModel,
		log:          log,
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req gemini.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	model := h.resolveModel(req.Model)

	cred, err := h.pool.Allocator.Allocate(ctx, time.Now(), keypool.AllocateOptions{})
	if errors.Is(err, keypool.ErrPoolExhausted) {
		h.notifier.Send(ctx, notify.LevelWarning, "proxy: no available API keys in the pool")
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusServiceUnavailable, "pool_exhausted", "no API key currently available; retry later")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("credential allocation failed")
		writeError(w, http.StatusInternalServerError, "allocation_error", "could not allocate an API key")
		return
	}

	h.log.Info().
		Str("key_name", cred.Name).
		Str("secret", logging.RedactSecret(cred.Secret)).
		Str("model", model).
		Bool("stream", req.Stream).
		Msg("serving chat completion with pool credential")

	if err := h.pool.Gate.Wait(ctx, cred.Name); err != nil {
		h.releaseQuietly(r, cred.Name, keypool.OutcomeRetryable)
		writeError(w, http.StatusServiceUnavailable, "throttled", "request cancelled while throttling")
		return
	}

	if req.Stream {
		h.handleStreaming(w, r, cred.Name, cred.Secret, model, req)
		return
	}

	resp, err := h.upstream.GenerateContent(ctx, cred.Secret, model, req)
	if err != nil {
		h.finishFailed(r, cred.Name, err)
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream call failed")
		return
	}

	if err := h.pool.Recorder.RecordUsage(ctx, cred.Name, "", resp.Usage.TotalTokens, "proxy_request"); err != nil {
		h.log.Error().Err(err).Str("key_name", cred.Name).Msg("failed to record usage")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Key-Name", cred.Name)
	w.Header().Set("X-Total-Tokens", fmt.Sprintf("%d", resp.Usage.TotalTokens))
	json.NewEncoder(w).Encode(resp)
}

// handleStreaming forwards the upstream SSE stream chunk by chunk.
func (h *ChatHandler) handleStreaming(w http.ResponseWriter, r *http.Request, keyName, secret, model string, req gemini.ChatRequest) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.releaseQuietly(r, keyName, keypool.OutcomeRetryable)
		writeError(w, http.StatusInternalServerError, "streaming_error", "streaming not supported")
		return
	}

	stream, err := h.upstream.StreamGenerateContent(ctx, secret, model, req)
	if err != nil {
		h.finishFailed(r, keyName, err)
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream call failed")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Key-Name", keyName)

	var totalTokens int
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The stream has started; we can only log, release, and stop.
			h.log.Error().Err(err).Str("key_name", keyName).Msg("error mid-stream from upstream")
			h.releaseQuietly(r, keyName, keypool.OutcomeRetryable)
			return
		}

		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}

		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", string(data))
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()

	if err := h.pool.Recorder.RecordUsage(ctx, keyName, "", totalTokens, "proxy_stream"); err != nil {
		h.log.Error().Err(err).Str("key_name", keyName).Msg("failed to record usage")
	}
}

// finishFailed routes an upstream failure to the right release outcome.
func (h *ChatHandler) finishFailed(r *http.Request, keyName string, err error) {
	if gemini.IsQuotaExhausted(err) {
		h.log.Warn().Str("key_name", keyName).Msg("upstream reports key quota exhausted")
		h.notifier.Send(r.Context(), notify.LevelWarning,
			fmt.Sprintf("proxy: key %q exhausted its quota and was parked", keyName))
		h.releaseQuietly(r, keyName, keypool.OutcomeQuotaExhausted)
		return
	}
	h.log.Error().Err(err).Str("key_name", keyName).Msg("upstream call failed")
	h.releaseQuietly(r, keyName, keypool.OutcomeRetryable)
}

// releaseQuietly always returns the credential, even when the request
// context is already cancelled; leaking the reservation would park the
// key for the full window.
func (h *ChatHandler) releaseQuietly(r *http.Request, keyName string, outcome keypool.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.pool.Releaser.Release(ctx, keyName, outcome); err != nil {
		h.log.Error().Err(err).Str("key_name", keyName).Msg("failed to release credential")
	}
}

// resolveModel accepts only Gemini models; anything else falls back to
// the configured default rather than failing the request.
func (h *ChatHandler) resolveModel(requested string) string {
	if strings.HasPrefix(requested, "gemini-") {
		return requested
	}
	return h.defaultModel
}
