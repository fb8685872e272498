// Package notification relays alert-worthy bus events to chat webhooks.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"trading-autopilot/internal/events"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
	"trading-autopilot/internal/observability"
)

// Severity drives message styling.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification represents a notification message
type Notification struct {
	Event     events.EventType
	Severity  Severity
	Title     string
	Message   string
	SessionID string
	Fields    map[string]interface{}
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Config selects providers and the events they receive.
type Config struct {
	Enabled  bool           `json:"enabled"`
	Events   []string       `json:"events"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// DefaultEvents are relayed when Config.Events is empty.
var DefaultEvents = []events.EventType{
	events.EventEmergencyStop,
	events.EventBankingFailed,
	events.EventProfitBanked,
	events.EventStrategyPromoted,
	events.EventError,
}

// Manager fans notifications out to every enabled provider.
type Manager struct {
	notifiers []Notifier
	types     []events.EventType
	logger    *logging.Logger
	metrics   *observability.Metrics
}

// NewManager creates a manager with the providers enabled in cfg.
func NewManager(cfg Config, logger *logging.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{logger: logger.WithComponent("notification"), metrics: metrics}
	for _, t := range cfg.Events {
		if t = strings.TrimSpace(t); t != "" {
			m.types = append(m.types, events.EventType(t))
		}
	}
	if len(m.types) == 0 {
		m.types = DefaultEvents
	}
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Discord.Enabled {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Active reports whether any provider would deliver.
func (m *Manager) Active() bool {
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send delivers to all enabled providers and joins their errors.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var errs []error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run relays subscribed events until ctx is done or the bus closes.
// Delivery failures are logged; they never reach the emitter.
func (m *Manager) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.DefaultBuffer, m.types...)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !Relayed(ev) {
				continue
			}
			n := FromEvent(ev)
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := m.Send(sendCtx, n)
			cancel()
			if err != nil {
				m.logger.Warn("Notification delivery failed", "event", string(ev.Type), "error", err.Error())
				if m.metrics != nil {
					m.metrics.RecordError("notification", err)
				}
			}
		}
	}
}

// Relayed reports whether ev is worth a message. Transient errors are
// retried on the next tick and only reach the event stream.
func Relayed(ev events.Event) bool {
	if ev.Type != events.EventError {
		return true
	}
	return ev.Data["category"] != string(faults.CategoryTransient)
}

// FromEvent renders a bus event as a notification.
func FromEvent(ev events.Event) *Notification {
	n := &Notification{
		Event:     ev.Type,
		Severity:  SeverityInfo,
		SessionID: ev.SessionID,
		Fields:    ev.Data,
		Timestamp: ev.Timestamp,
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	d := ev.Data

	switch ev.Type {
	case events.EventEmergencyStop:
		n.Severity = SeverityCritical
		n.Title = "Emergency stop"
		n.Message = fmt.Sprintf("Drawdown %s reached the %s threshold. Banking is halted until cleared.",
			percent(d["drawdown"]), percent(d["threshold"]))
	case events.EventBankingFailed:
		n.Severity = SeverityWarning
		n.Title = "Profit banking failed"
		n.Message = fmt.Sprintf("Transfer of %s failed: %v", amount(d["amount"]), d["error"])
	case events.EventProfitBanked:
		n.Title = "Profit banked"
		n.Message = fmt.Sprintf("Moved %s to spot (%v).", amount(d["amount"]), d["trigger"])
	case events.EventStrategyPromoted:
		n.Title = "Strategy promoted"
		n.Message = fmt.Sprintf("%v: %v → %v", d["strategy_id"], d["from"], d["to"])
	case events.EventStrategyRetired:
		n.Title = "Strategy retired"
		n.Message = fmt.Sprintf("%v: %v", d["strategy_id"], d["reason"])
	case events.EventError:
		n.Severity = SeverityWarning
		n.Title = fmt.Sprintf("Error in %s", ev.Source)
		n.Message = fmt.Sprint(d["message"])
		if e, ok := d["error"]; ok {
			n.Message += ": " + fmt.Sprint(e)
		}
	default:
		n.Title = string(ev.Type)
		n.Message = describe(d)
	}
	return n
}

func percent(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.2f%%", f*100)
	}
	return fmt.Sprint(v)
}

func amount(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.2f", f)
	}
	return fmt.Sprint(v)
}

func describe(d map[string]interface{}) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	// APIBase overrides https://api.telegram.org.
	APIBase string `json:"api_base,omitempty"`
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	cfg     TelegramConfig
	enabled bool
	client  *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		cfg:     cfg,
		enabled: cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}
	prefix := ""
	if n.Severity == SeverityCritical {
		prefix = "🚨 "
	}
	payload := map[string]interface{}{
		"chat_id":    t.cfg.ChatID,
		"text":       fmt.Sprintf("%s*%s*\n\n%s", prefix, n.Title, n.Message),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.BotToken)
	resp, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string    { return "discord" }
func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

var severityColor = map[Severity]int{
	SeverityInfo:     0x00FF00,
	SeverityWarning:  0xFFA500,
	SeverityCritical: 0xFF0000,
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	if !d.enabled {
		return nil
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       severityColor[n.Severity],
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}
	if n.SessionID != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Session", "value": n.SessionID, "inline": true},
		}
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
