// populatekeys loads API keys from an env-style file (NAME=SECRET per
// line) into the pool. Existing key names are left untouched, so the
// command is safe to re-run with an updated file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		keyFile string
		service string
	)
	fs := flag.NewFlagSet("populatekeys", flag.ContinueOnError)
	fs.StringVar(&keyFile, "file", "keys.env", "env-style file of NAME=SECRET pairs")
	fs.StringVar(&service, "service", "", "service_name to tag new keys with")
	if err := fs.Parse(args); err != nil {
		return 3
	}

	log := logging.NewDefault("info", "production")

	keys, err := godotenv.Read(keyFile)
	if err != nil {
		log.Error().Err(err).Str("file", keyFile).Msg("failed to read key file")
		return 3
	}
	if len(keys) == 0 {
		log.Error().Str("file", keyFile).Msg("key file contains no entries")
		return 3
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		return 4
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Error().Err(err).Msg("migrations failed")
		return 4
	}
	schema, err := database.CheckSchema(ctx, db)
	if err != nil {
		log.Error().Err(err).Msg("credential schema mismatch")
		return 3
	}

	// Stable order keeps the log output diffable between runs.
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	query := fmt.Sprintf(`
		INSERT INTO api_keys (key_name, %s, service_name)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (key_name) DO NOTHING`, schema.SecretColumn)
	if !schema.HasServiceColumn {
		query = fmt.Sprintf(`
			INSERT INTO api_keys (key_name, %s)
			VALUES ($1, $2)
			ON CONFLICT (key_name) DO NOTHING`, schema.SecretColumn)
	}

	inserted := 0
	for _, name := range names {
		var res sql.Result
		var err error
		if schema.HasServiceColumn {
			res, err = db.Conn().ExecContext(ctx, query, name, keys[name], service)
		} else {
			res, err = db.Conn().ExecContext(ctx, query, name, keys[name])
		}
		if err != nil {
			log.Error().Err(err).Str("key_name", name).Msg("insert failed")
			return 4
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			log.Info().Str("key_name", name).Msg("key already present, skipping")
			continue
		}
		inserted++
		log.Info().Str("key_name", name).Msg("added key")
	}

	log.Info().Int("inserted", inserted).Int("total", len(keys)).Msg("key population complete")
	return 0
}
