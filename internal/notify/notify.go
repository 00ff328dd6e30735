// Package notify fans alerts out to webhook channels. Alerts are
// fire-and-forget: delivery failures are logged, throttled alerts dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
	"github.com/Forzadelricondizionato/FinDashPro3/internal/infra"
)

const (
	// ProviderNotify is the spend and rate-limit key of alerts.
	ProviderNotify = "notify"
	// CostPerAlert is metered once per delivered alert.
	CostPerAlert = 0.001

	discordLimit  = 2000
	telegramLimit = 4000
	sendTimeout   = 10 * time.Second
	alertBurst    = 5
)

// Channel delivers one message.
type Channel interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// SpendRecorder gates alerts on the daily budget and meters their cost.
type SpendRecorder interface {
	CheckBudgetAtomic() bool
	RecordSpend(provider string, cost float64)
}

// Manager sends every alert to all channels.
type Manager struct {
	channels []Channel
	limiter  *rate.Limiter
	spend    SpendRecorder
	inflight sync.WaitGroup
}

// NewManager creates a Manager allowing ratePerMin alerts per minute.
// spend may be nil.
func NewManager(channels []Channel, ratePerMin float64, spend SpendRecorder) *Manager {
	limit := rate.Inf
	if ratePerMin > 0 {
		limit = rate.Limit(ratePerMin / 60)
	}
	return &Manager{
		channels: channels,
		limiter:  rate.NewLimiter(limit, alertBurst),
		spend:    spend,
	}
}

// FromConfig builds the channels that have credentials configured.
func FromConfig(cfg *infra.Config, spend SpendRecorder) *Manager {
	client := &http.Client{Timeout: sendTimeout}
	var channels []Channel
	if cfg.Notify.DiscordWebhook != "" {
		channels = append(channels, NewDiscord(cfg.Notify.DiscordWebhook, client))
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		channels = append(channels, NewTelegram("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, client))
	}
	if len(channels) == 0 {
		slog.Warn("no notification channels configured")
	}
	return NewManager(channels, cfg.Notify.RatePerMin, spend)
}

// Channels returns the configured channel names.
func (m *Manager) Channels() []string {
	names := make([]string, len(m.channels))
	for i, c := range m.channels {
		names[i] = c.Name()
	}
	return names
}

// SendAlert hands message to every channel and returns without waiting.
// Each send is bounded by a timeout detached from ctx so an alert raised
// during shutdown still goes out. Alerts are dropped once the daily budget
// is spent.
func (m *Manager) SendAlert(ctx context.Context, message string, severity domain.Severity) {
	if len(m.channels) == 0 {
		return
	}
	if m.spend != nil && !m.spend.CheckBudgetAtomic() {
		slog.Warn("notification dropped, budget exhausted", slog.String("severity", string(severity)))
		return
	}
	if !m.limiter.Allow() {
		slog.Warn("notification throttled", slog.String("severity", string(severity)))
		return
	}
	if m.spend != nil {
		m.spend.RecordSpend(ProviderNotify, CostPerAlert)
	}

	detached := context.WithoutCancel(ctx)
	text := format(message, severity)
	for _, ch := range m.channels {
		m.inflight.Add(1)
		go func(ch Channel) {
			defer m.inflight.Done()
			sendCtx, cancel := context.WithTimeout(detached, sendTimeout)
			defer cancel()
			if err := ch.Send(sendCtx, text); err != nil {
				slog.Error("notification failed", slog.String("channel", ch.Name()), slog.Any("error", err))
				return
			}
			slog.Debug("notification sent", slog.String("channel", ch.Name()))
		}(ch)
	}
}

// Wait blocks until alerts already handed off are delivered or timed out.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func format(message string, severity domain.Severity) string {
	if severity == "" || severity == domain.SeverityInfo {
		return message
	}
	return "[" + strings.ToUpper(string(severity)) + "] " + message
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// Discord posts to a webhook URL.
type Discord struct {
	url    string
	client *http.Client
}

// NewDiscord creates a Discord channel.
func NewDiscord(webhookURL string, client *http.Client) *Discord {
	return &Discord{url: webhookURL, client: client}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, message string) error {
	return postJSON(ctx, d.client, d.url, map[string]string{"content": truncate(message, discordLimit)})
}

// Telegram sends through the Bot API.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegram creates a Telegram channel. An empty baseURL uses the
// public Bot API.
func NewTelegram(baseURL, token, chatID string, client *http.Client) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{baseURL: baseURL, token: token, chatID: chatID, client: client}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, message string) error {
	url := t.baseURL + "/bot" + t.token + "/sendMessage"
	return postJSON(ctx, t.client, url, map[string]string{
		"chat_id": t.chatID,
		"text":    truncate(message, telegramLimit),
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
