package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AuditLevel represents the severity of an audit event
type AuditLevel string

const (
	AuditInfo     AuditLevel = "INFO"
	AuditWarning  AuditLevel = "WARNING"
	AuditError    AuditLevel = "ERROR"
	AuditCritical AuditLevel = "CRITICAL"
)

// Alerter forwards important audit events to an external notifier.
type Alerter interface {
	Alert(level AuditLevel, event, message string, metadata map[string]any)
}

// AuditLogger records named lifecycle events (hydrate cycles, reconnects,
// forced disconnects) as structured log lines, separate from diagnostic
// logging, and optionally pushes WARNING-and-above events to an Alerter.
type AuditLogger struct {
	logger  zerolog.Logger
	alerter Alerter
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// SetAlerter wires an alerter; nil disables alerting.
func (a *AuditLogger) SetAlerter(alerter Alerter) {
	a.alerter = alerter
}

func (a *AuditLogger) log(level AuditLevel, zl zerolog.Level, event, message string, metadata map[string]any) {
	e := a.logger.WithLevel(zl).
		Str("audit_level", string(level)).
		Str("event", event)
	for k, v := range metadata {
		e = e.Interface(k, v)
	}
	e.Msg(message)

	if a.alerter != nil && level != AuditInfo {
		a.alerter.Alert(level, event, message, metadata)
	}
}

func (a *AuditLogger) Info(event, message string, metadata map[string]any) {
	a.log(AuditInfo, zerolog.InfoLevel, event, message, metadata)
}

func (a *AuditLogger) Warning(event, message string, metadata map[string]any) {
	a.log(AuditWarning, zerolog.WarnLevel, event, message, metadata)
}

func (a *AuditLogger) Error(event, message string, metadata map[string]any) {
	a.log(AuditError, zerolog.ErrorLevel, event, message, metadata)
}

func (a *AuditLogger) Critical(event, message string, metadata map[string]any) {
	a.log(AuditCritical, zerolog.ErrorLevel, event, message, metadata)
}

// WebhookAlerter POSTs audit events as JSON to a configured endpoint.
// Delivery is fire-and-forget; alerting must never block or fail the
// serving path.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookAlerter) Alert(level AuditLevel, event, message string, metadata map[string]any) {
	payload := map[string]any{
		"level":     level,
		"event":     event,
		"message":   message,
		"metadata":  metadata,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	go func() {
		resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}
