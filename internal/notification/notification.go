// Package notification fans bot alerts out to chat webhooks.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"bot-execution-core/config"
	"bot-execution-core/internal/events"
	"bot-execution-core/internal/risk"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyBotStopped    NotificationType = "bot_stopped"
	NotifyCircuitOpened NotificationType = "circuit_opened"
	NotifyError         NotificationType = "error"
	NotifyInfo          NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	UserID    string
	BotID     string
	Timestamp time.Time
	Fields    map[string]string
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(enabled bool, logger zerolog.Logger) *Manager {
	return &Manager{
		enabled: enabled,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// NewFromConfig builds a manager with the configured providers
func NewFromConfig(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := NewManager(cfg.Enabled, logger)
	m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to every enabled provider and joins their errors
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if m == nil || !m.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var errs []error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("provider", p.Name()).Str("type", string(n.Type)).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendBotStopped reports an automatic or manual stop
func (m *Manager) SendBotStopped(ctx context.Context, userID, botID, reason, message string, fields map[string]string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyBotStopped,
		Title:   fmt.Sprintf("Bot %s stopped: %s", botID, reason),
		Message: message,
		UserID:  userID,
		BotID:   botID,
		Fields:  fields,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}

// Attach forwards stop and circuit events from the bus. Delivery happens on
// its own goroutine since bus handlers must not block. The returned function
// detaches and waits for the forwarder to drain.
func (m *Manager) Attach(bus *events.EventBus, timeout time.Duration) func() {
	stopped, unsubStopped := bus.SubscribeChan(events.EventBotStopped, 64)
	circuit, unsubCircuit := bus.SubscribeChan(events.EventCircuitOpened, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for stopped != nil || circuit != nil {
			var (
				e  events.Event
				ok bool
			)
			select {
			case e, ok = <-stopped:
				if !ok {
					stopped = nil
					continue
				}
			case e, ok = <-circuit:
				if !ok {
					circuit = nil
					continue
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			_ = m.Send(ctx, fromEvent(e))
			cancel()
		}
	}()

	return func() {
		unsubStopped()
		unsubCircuit()
		<-done
	}
}

func fromEvent(e events.Event) *Notification {
	n := &Notification{
		UserID:    e.UserID,
		BotID:     e.BotID,
		Timestamp: e.Timestamp,
		Fields:    map[string]string{},
	}
	reason, _ := e.Data["reason"].(string)
	message, _ := e.Data["message"].(string)

	switch e.Type {
	case events.EventBotStopped:
		n.Type = NotifyBotStopped
		n.Title = fmt.Sprintf("Bot %s stopped: %s", e.BotID, reason)
		n.Message = message
	case events.EventCircuitOpened:
		n.Type = NotifyCircuitOpened
		n.Title = fmt.Sprintf("Circuit opened for bot %s", e.BotID)
		n.Message = reason
	default:
		n.Type = NotifyInfo
		n.Title = string(e.Type)
	}

	for k, v := range e.Data {
		if k == "reason" || k == "message" || k == "metrics" {
			continue
		}
		n.Fields[k] = fmt.Sprint(v)
	}
	if m, ok := e.Data["metrics"].(risk.Metrics); ok {
		n.Fields["trades_today"] = fmt.Sprint(m.TradeCountToday)
		n.Fields["profit_loss_today"] = fmt.Sprintf("%.2f", m.ProfitLossToday)
		n.Fields["consecutive_losses"] = fmt.Sprint(m.ConsecutiveLosses)
		n.Fields["balance"] = fmt.Sprintf("%.2f", m.CurrentBalance)
	}
	return n
}

func sortedFields(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = nil
	return c
}

func postJSON(ctx context.Context, client *retryablehttp.Client, url string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	apiBase  string
	client   *retryablehttp.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		apiBase:  telegramAPIBase,
		client:   newHTTPClient(),
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n\n%s", n.Title, n.Message)
	if n.UserID != "" {
		fmt.Fprintf(&sb, "\nUser: %s", n.UserID)
	}
	for _, k := range sortedFields(n.Fields) {
		fmt.Fprintf(&sb, "\n%s: %s", k, n.Fields[k])
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       sb.String(),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	status, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", status)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *retryablehttp.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     newHTTPClient(),
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x3498DB // Blue
	switch n.Type {
	case NotifyBotStopped, NotifyError:
		color = 0xFF0000
	case NotifyCircuitOpened:
		color = 0xFFA500
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}

	fields := []map[string]interface{}{}
	if n.UserID != "" {
		fields = append(fields, map[string]interface{}{"name": "User", "value": n.UserID, "inline": true})
	}
	for _, k := range sortedFields(n.Fields) {
		fields = append(fields, map[string]interface{}{"name": k, "value": n.Fields[k], "inline": true})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	status, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", status)
	}
	return nil
}
