package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

// DiscordWebhook posts single-embed messages to a Discord-compatible
// incoming webhook URL.
type DiscordWebhook struct {
	url        string
	footerText string
	httpClient *http.Client
}

// NewDiscordWebhook builds a poster against webhookURL. Returns nil if
// webhookURL is empty.
func NewDiscordWebhook(webhookURL, footerText string) *DiscordWebhook {
	if webhookURL == "" {
		return nil
	}
	return &DiscordWebhook{url: webhookURL, footerText: footerText, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

// Send shapes (color, message, title, footer) into a single Discord
// embed and posts it. Discord's webhook API does not return a message id
// in its default response; the value returned here is the response's
// X-Message-Id header when present, empty otherwise.
func (w *DiscordWebhook) Send(ctx context.Context, color int, message, title, footer string) (string, error) {
	if footer == "" {
		footer = w.footerText
	}
	msg := discordMessage{Embeds: []discordEmbed{{
		Title:       title,
		Description: message,
		Color:       color,
		Footer:      &discordEmbedFooter{Text: footer},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return resp.Header.Get("X-Message-Id"), nil
}
