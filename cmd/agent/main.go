// agent runs one contextual prompt through the external gemini CLI using
// a pool-allocated key, then persists the exchange into the host's daily
// task history.
//
// Exit codes match selectkey: 0 success, 2 no available key, 3 schema or
// configuration problem, 4 store failure.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
	"github.com/mrmushfiq/llm0-keypool/internal/notify"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/mrmushfiq/llm0-keypool/internal/tasks"
	"github.com/rs/zerolog"
)

const (
	exitOK          = 0
	exitNoKey       = 2
	exitSchema      = 3
	exitStoreFailed = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		taskID  string
		prompt  string
		verbose bool
	)
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&taskID, "task", "", "task ID (default: hostname plus today's date)")
	fs.StringVar(&prompt, "prompt", "", "prompt text (default: remaining args, or stdin)")
	fs.BoolVar(&verbose, "verbose", false, "verbose logging to stderr")
	if err := fs.Parse(args); err != nil {
		return exitSchema
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	log := logging.NewDefault(level, "production")

	if prompt == "" {
		prompt = strings.Join(fs.Args(), " ")
	}
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Error().Err(err).Msg("failed to read prompt from stdin")
			return exitSchema
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "agent: no prompt given")
		return exitSchema
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return exitSchema
	}

	if taskID == "" {
		taskID, err = tasks.DefaultID()
		if err != nil {
			log.Error().Err(err).Msg("failed to derive task ID")
			return exitSchema
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		return exitStoreFailed
	}
	defer db.Close()

	schema, err := database.CheckSchema(ctx, db)
	if err != nil {
		log.Error().Err(err).Msg("credential schema mismatch")
		return exitSchema
	}

	store := keypool.NewPostgresStore(db, schema, cfg.DailyRequestCeiling)
	pool := keypool.New(store, keypool.Options{
		ReserveWindow:    cfg.ReserveWindow,
		ThrottleInterval: cfg.ThrottleInterval,
	}, log)
	taskStore := tasks.NewStore(db, log)
	notifier := notify.New(cfg.SlackWebhookURL, log)

	task, err := taskStore.GetOrCreate(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load task")
		return exitStoreFailed
	}

	cred, err := pool.Allocator.Allocate(ctx, time.Now(), keypool.AllocateOptions{
		Service: cfg.ServiceName,
	})
	if errors.Is(err, keypool.ErrPoolExhausted) {
		notifier.Send(ctx, notify.LevelWarning,
			fmt.Sprintf("Task %s blocked: all API keys exhausted or cooling down.", taskID))
		return exitNoKey
	}
	if err != nil {
		log.Error().Err(err).Msg("key allocation failed")
		return exitStoreFailed
	}

	if err := pool.Gate.Wait(ctx, cred.Name); err != nil {
		releaseQuietly(pool, cred.Name, keypool.OutcomeRetryable, log)
		log.Error().Err(err).Msg("interrupted while throttling")
		return exitStoreFailed
	}

	response, err := runGemini(ctx, cfg, cred.Secret, buildPrompt(task, prompt))
	if err != nil {
		outcome := keypool.OutcomeRetryable
		if isQuotaError(err) {
			outcome = keypool.OutcomeQuotaExhausted
			notifier.Send(ctx, notify.LevelWarning,
				fmt.Sprintf("Key %s hit its quota during task %s.", cred.Name, taskID))
		}
		releaseQuietly(pool, cred.Name, outcome, log)
		log.Error().Err(err).Str("key_name", cred.Name).Msg("gemini call failed")
		notifier.Send(ctx, notify.LevelError,
			fmt.Sprintf("Task %s failed: %v", taskID, err))
		return exitStoreFailed
	}

	tasks.Append(task, prompt, response)
	if err := taskStore.Save(ctx, task); err != nil {
		log.Error().Err(err).Msg("failed to persist task history")
		return exitStoreFailed
	}

	tokens := estimateTokens(prompt, response)
	if err := pool.Recorder.RecordUsage(ctx, cred.Name, taskID, tokens, "interactive_request"); err != nil {
		log.Error().Err(err).Msg("failed to record usage")
		return exitStoreFailed
	}

	notifier.Send(ctx, notify.LevelInfo,
		fmt.Sprintf("Task %s completed one exchange (%d tokens, key %s).",
			taskID, tokens, cred.Name))
	fmt.Println(response)
	return exitOK
}

// buildPrompt prefixes the prompt with the task's recent history so the
// external CLI, which is stateless, still sees the conversation.
func buildPrompt(task *models.Task, prompt string) string {
	history := task.Context.History
	if len(history) == 0 {
		return prompt
	}
	// Only the last few exchanges; the CLI has its own input limits.
	const maxHistory = 5
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, ex := range history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", ex.Prompt, ex.Response)
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(prompt)
	return b.String()
}

func runGemini(ctx context.Context, cfg *config.Config, secret, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, cfg.GeminiCLIPath, "--model", cfg.GeminiModel)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), "GEMINI_API_KEY="+secret)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gemini CLI: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// isQuotaError sniffs the CLI's error text for the upstream's quota
// signals. The CLI gives no structured status, so text matching is the
// only handle available.
func isQuotaError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "quota")
}

// estimateTokens approximates token usage by word count. The CLI does
// not report usage metadata, and a rough count is enough for the pool's
// load-ordering heuristic.
func estimateTokens(prompt, response string) int {
	return len(strings.Fields(prompt)) + len(strings.Fields(response))
}

// releaseQuietly returns the key on a failure path with a fresh timeout,
// since the request context may already be dead.
func releaseQuietly(pool *keypool.Pool, name string, outcome keypool.Outcome, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Releaser.Release(ctx, name, outcome); err != nil {
		log.Error().Err(err).Str("key_name", name).Msg("failed to release credential")
	}
}
