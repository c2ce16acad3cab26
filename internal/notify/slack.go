// Package notify sends structured alerting events to a Slack-compatible
// webhook. Delivery failures are logged and swallowed: alerting must
// never take down the path it is alerting about.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Level classifies an event for the sink.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levelColors = map[Level]string{
	LevelInfo:    "#36a64f",
	LevelWarning: "#ffae42",
	LevelError:   "#d50200",
}

// Notifier posts events to a webhook. A Notifier with an empty URL is a
// no-op, so callers never branch on configuration.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	log        zerolog.Logger

	now func() time.Time
}

// New creates a notifier for the given webhook URL.
func New(webhookURL string, log zerolog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		now:        time.Now,
	}
}

type attachment struct {
	Color string  `json:"color"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	TS    float64 `json:"ts"`
}

type payload struct {
	Attachments []attachment `json:"attachments"`
}

// Send posts one event. Errors are logged, never returned: the caller's
// work must not fail because the alerting sink is down.
func (n *Notifier) Send(ctx context.Context, level Level, message string) {
	if n.webhookURL == "" {
		return
	}

	color, ok := levelColors[level]
	if !ok {
		color = "#cccccc"
	}

	body, err := json.Marshal(payload{Attachments: []attachment{{
		Color: color,
		Title: fmt.Sprintf("Keypool Notification (%s)", level),
		Text:  message,
		TS:    float64(n.now().Unix()),
	}}})
	if err != nil {
		n.log.Error().Err(err).Msg("failed to encode notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.log.Error().Err(err).Msg("failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Msg("failed to deliver notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		n.log.Warn().Int("status", resp.StatusCode).Msg("notification sink rejected event")
	}
}
