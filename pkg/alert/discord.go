package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

var discordColors = map[Severity]int{
	SeverityInfo:     0x3498DB,
	SeverityWarning:  0xF1C40F,
	SeverityCritical: 0xE74C3C,
}

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var fields []map[string]any
	if s := n.subject(); s != "" {
		fields = append(fields, map[string]any{"name": "Subject", "value": s, "inline": true})
	}
	if n.Event != "" {
		fields = append(fields, map[string]any{"name": "Event", "value": n.Event, "inline": true})
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", n.Severity.icon(), n.Title),
		"description": n.Body,
		"color":       discordColors[n.Severity],
		"timestamp":   n.Time.UTC().Format(time.RFC3339),
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, body, nil)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}
