package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Alert is the payload every escalation channel receives
type Alert struct {
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Address   string    `json:"address,omitempty"`
	RiskScore int       `json:"risk_score"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Alert) LocationText() string {
	if a.Latitude != nil && a.Longitude != nil {
		return fmt.Sprintf("%.6f,%.6f", *a.Latitude, *a.Longitude)
	}
	if a.Address != "" {
		return a.Address
	}
	return "unknown"
}

type PoliceDispatcher interface {
	Dispatch(ctx context.Context, alert Alert) (reference string, err error)
}

type dispatchResponse struct {
	Reference string `json:"reference"`
}

// WebhookDispatcher forwards alerts to an emergency dispatch webhook
type WebhookDispatcher struct {
	http *resty.Client
}

func NewWebhookDispatcher(cfg Config) *WebhookDispatcher {
	return &WebhookDispatcher{http: newRestyClient(cfg.PoliceWebhookURL, cfg.PoliceAPIKey, cfg.Timeout)}
}

func (w *WebhookDispatcher) Dispatch(ctx context.Context, alert Alert) (string, error) {
	var out dispatchResponse
	resp, err := w.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", alert.EventID+":police:"+alert.Source).
		SetBody(alert).
		SetResult(&out).
		Post("/dispatch")
	if err != nil {
		return "", fmt.Errorf("police webhook: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("police webhook returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Reference, nil
}

// Notifier bundles the escalation channels
type Notifier struct {
	SMS    *SMS
	Police PoliceDispatcher
}

// NewNotifier wires the configured channels; unset URLs leave a channel empty
func NewNotifier(cfg Config) *Notifier {
	n := &Notifier{}
	if cfg.SMSGatewayURL != "" {
		n.SMS = NewSMS(cfg.SMSSender, NewGatewaySMS(cfg))
	}
	if cfg.PoliceWebhookURL != "" {
		n.Police = NewWebhookDispatcher(cfg)
	}
	return n
}

func (n *Notifier) NotifyContact(ctx context.Context, phone, name string, alert Alert) error {
	if n == nil {
		return ErrNotConfigured
	}
	return n.SMS.SendEmergency(ctx, phone, name, alert)
}

func (n *Notifier) NotifyPolice(ctx context.Context, alert Alert) (string, error) {
	if n == nil || n.Police == nil {
		return "", ErrNotConfigured
	}
	return n.Police.Dispatch(ctx, alert)
}
