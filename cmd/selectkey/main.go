// selectkey picks one usable API key from the shared pool, safely across
// concurrent callers, and prints it for shell consumption.
//
// Exit codes:
//
//	0 = success
//	2 = no available key
//	3 = schema or configuration problem
//	4 = backing-store connection failure
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mrmushfiq/llm0-keypool/internal/keypool"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
	"github.com/rs/zerolog"
)

const (
	exitOK          = 0
	exitNoKey       = 2
	exitSchema      = 3
	exitStoreFailed = 4
)

type options struct {
	format         string
	markUse        bool
	reserveSeconds int
	allowExhausted bool
	service        string
	verbose        bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	fs := flag.NewFlagSet("selectkey", flag.ContinueOnError)
	fs.StringVar(&opts.format, "format", "plain", "output format: plain, env, or json")
	fs.BoolVar(&opts.markUse, "mark-use", false, "increment daily_request_count and stamp last_used")
	fs.IntVar(&opts.reserveSeconds, "reserve", 0, "soft-reserve the key for N seconds")
	fs.BoolVar(&opts.allowExhausted, "allow-exhausted", false, "ignore the quota_exhausted filter (diagnostics)")
	fs.StringVar(&opts.service, "service", "", "filter by service_name when the column exists")
	fs.BoolVar(&opts.verbose, "verbose", false, "verbose logging to stderr")
	if err := fs.Parse(args); err != nil {
		return exitSchema
	}

	if opts.format != "plain" && opts.format != "env" && opts.format != "json" {
		fmt.Fprintf(os.Stderr, "selectkey: unknown format %q\n", opts.format)
		return exitSchema
	}

	level := "error"
	if opts.verbose {
		level = "debug"
	}
	log := logging.NewDefault(level, "production")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return exitSchema
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
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

	cred, code := selectCredential(ctx, db, schema, cfg, opts, log)
	if code != exitOK {
		return code
	}

	out, err := formatCredential(opts.format, cred)
	if err != nil {
		log.Error().Err(err).Msg("failed to format output")
		return exitSchema
	}
	fmt.Print(out)
	return exitOK
}

func selectCredential(ctx context.Context, db *database.DB, schema *database.Schema, cfg *config.Config, opts options, log zerolog.Logger) (*models.Credential, int) {
	store := keypool.NewPostgresStore(db, schema, cfg.DailyRequestCeiling)

	reserveWindow := time.Duration(opts.reserveSeconds) * time.Second
	allocator := keypool.NewAllocator(store, reserveWindow, log)

	cred, err := allocator.Allocate(ctx, time.Now(), keypool.AllocateOptions{
		Service:        opts.service,
		AllowExhausted: opts.allowExhausted,
		NoReserve:      opts.reserveSeconds <= 0,
		MarkUse:        opts.markUse,
	})
	if errors.Is(err, keypool.ErrPoolExhausted) {
		log.Debug().Msg("no available key")
		return nil, exitNoKey
	}
	if err != nil {
		log.Error().Err(err).Msg("key selection failed")
		return nil, exitStoreFailed
	}

	log.Debug().
		Str("key_name", cred.Name).
		Str("secret", logging.RedactSecret(cred.Secret)).
		Msg("selected key")
	return cred, exitOK
}

// formatCredential renders the selected key. Names stay predictable for
// the shell wrappers that consume the env format.
func formatCredential(format string, cred *models.Credential) (string, error) {
	switch format {
	case "plain":
		return cred.Secret + "\n", nil
	case "env":
		return fmt.Sprintf("KEY_NAME=%s\nGEMINI_API_KEY=%s\n", cred.Name, cred.Secret), nil
	case "json":
		data, err := json.Marshal(map[string]string{
			"key_name": cred.Name,
			"api_key":  cred.Secret,
		})
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	default:
		return "", fmt.Errorf("unknown format %q", format)
	}
}
