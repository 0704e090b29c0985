package model

import (
	"strings"
	"time"
)

// Settings holds per-owner delivery credentials and the monthly budget.
// The dispatch core only reads it.
type Settings struct {
	Owner            string    `json:"owner"`
	RelayAPIKey      string    `json:"relay_api_key,omitempty"`
	WebhookURL       string    `json:"webhook_url,omitempty"`
	TelegramBotToken string    `json:"telegram_bot_token,omitempty"`
	MonthlyLimit     int       `json:"monthly_limit,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Masked returns a copy safe to show back to a collaborator.
func (s Settings) Masked() Settings {
	s.RelayAPIKey = mask(s.RelayAPIKey)
	s.TelegramBotToken = mask(s.TelegramBotToken)
	return s
}

func mask(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
