package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// SMSClient is the transport behind SMS, swappable in tests
type SMSClient interface {
	Send(ctx context.Context, phone, text string) error
}

type SMS struct {
	sender string
	cli    SMSClient
}

func NewSMS(sender string, cli SMSClient) *SMS {
	return &SMS{sender: sender, cli: cli}
}

// SendEmergency texts one emergency contact about an SOS
func (s *SMS) SendEmergency(ctx context.Context, phone, contactName string, alert Alert) error {
	if s == nil || s.cli == nil {
		return ErrNotConfigured
	}
	text := fmt.Sprintf("[%s] %s, your contact triggered an SOS at %s. Last location: %s. Event %s.",
		s.sender, contactName, alert.CreatedAt.Format(time.RFC3339), alert.LocationText(), alert.EventID)
	return s.cli.Send(ctx, phone, text)
}

type gatewaySMSRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

// GatewaySMS posts messages to an HTTP SMS gateway
type GatewaySMS struct {
	from string
	http *resty.Client
}

func NewGatewaySMS(cfg Config) *GatewaySMS {
	return &GatewaySMS{
		from: cfg.SMSSender,
		http: newRestyClient(cfg.SMSGatewayURL, cfg.SMSAPIKey, cfg.Timeout),
	}
}

func (g *GatewaySMS) Send(ctx context.Context, phone, text string) error {
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(gatewaySMSRequest{To: phone, From: g.from, Text: text}).
		Post("/messages")
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
