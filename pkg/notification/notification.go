package notification

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrNotConfigured = errors.New("notification channel not configured")

type Config struct {
	SMSGatewayURL    string        `env:"SMS_GATEWAY_URL"`
	SMSAPIKey        string        `env:"SMS_API_KEY"`
	SMSSender        string        `env:"SMS_SENDER"`
	PoliceWebhookURL string        `env:"POLICE_WEBHOOK_URL"`
	PoliceAPIKey     string        `env:"POLICE_API_KEY"`
	Timeout          time.Duration `env:"NOTIFY_TIMEOUT"`
}

func newRestyClient(baseURL, apiKey string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return client
}
