package trapgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oarkflow/log"
)

// AlertSender delivers a hostile-verdict alert over one channel.
type AlertSender interface {
	Send(ctx context.Context, payload *AlertPayload) error
	Name() string
}

// AlertPayload is the flattened verdict an alert channel receives.
type AlertPayload struct {
	SourceAddress  string  `json:"sourceAddress"`
	Endpoint       string  `json:"endpoint"`
	Action         string  `json:"action"`
	Level          string  `json:"level"`
	ThreatCategory string  `json:"threatCategory"`
	Scenario       string  `json:"scenario"`
	RiskScore      float64 `json:"riskScore"`
	AuditID        uint64  `json:"auditId"`
	Timestamp      float64 `json:"timestamp"`
}

// AlertRegistry fans a payload out to every registered sender. Delivery is
// asynchronous; a slow or failing channel never holds up a verdict.
type AlertRegistry struct {
	senders []AlertSender
	timeout time.Duration
	logger  *log.Logger
}

func NewAlertRegistry(logger *log.Logger) *AlertRegistry {
	return &AlertRegistry{
		timeout: 15 * time.Second,
		logger:  logger,
	}
}

func (r *AlertRegistry) Register(sender AlertSender) {
	r.senders = append(r.senders, sender)
}

func (r *AlertRegistry) Dispatch(payload AlertPayload) {
	for _, sender := range r.senders {
		go func(s AlertSender) {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, &payload); err != nil && r.logger != nil {
				r.logger.Warn().Err(err).Str("channel", s.Name()).Msg("alert delivery failed")
			}
		}(sender)
	}
}

// LogAlertSender writes alerts to the structured log.
type LogAlertSender struct {
	Logger *log.Logger
}

func (s *LogAlertSender) Name() string { return "log" }

func (s *LogAlertSender) Send(ctx context.Context, payload *AlertPayload) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Warn().
		Str("source", payload.SourceAddress).
		Str("endpoint", payload.Endpoint).
		Str("action", payload.Action).
		Str("level", payload.Level).
		Str("category", payload.ThreatCategory).
		Str("scenario", payload.Scenario).
		Float64("score", payload.RiskScore).
		Uint64("audit_id", payload.AuditID).
		Msg("threat alert")
	return nil
}

// WebhookAlertSender POSTs the payload as JSON to a fixed URL.
type WebhookAlertSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookAlertSender(url string) *WebhookAlertSender {
	return &WebhookAlertSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookAlertSender) Name() string { return "webhook" }

func (s *WebhookAlertSender) Send(ctx context.Context, payload *AlertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
