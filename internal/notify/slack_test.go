package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsAttachment(t *testing.T) {
	var received payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, zerolog.Nop())
	n.Send(context.Background(), LevelWarning, "pool exhausted")

	require.Len(t, received.Attachments, 1)
	att := received.Attachments[0]
	assert.Equal(t, "#ffae42", att.Color)
	assert.Equal(t, "Keypool Notification (warning)", att.Title)
	assert.Equal(t, "pool exhausted", att.Text)
	assert.NotZero(t, att.TS)
}

func TestSendNoopWithoutURL(t *testing.T) {
	n := New("", zerolog.Nop())
	// Must not panic or block.
	n.Send(context.Background(), LevelInfo, "nothing happens")
}

func TestSendSwallowsSinkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, zerolog.Nop())
	// No error surfaces to the caller.
	n.Send(context.Background(), LevelError, "bad day")
}
