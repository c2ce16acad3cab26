package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "...wxyz", RedactSecret("AIzaSy-something-wxyz"))
	assert.Equal(t, "....", RedactSecret("abcd"))
	assert.Equal(t, "....", RedactSecret(""))
}

func TestNewHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "production")

	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "nonsense", "production")
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
