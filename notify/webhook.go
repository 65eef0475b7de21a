package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"logcorr/core"

	"go.uber.org/zap"
)

// WebhookConfig configures a JSON webhook output.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
	// MinPriority drops alerts whose priority number is greater. Zero sends all.
	MinPriority    int                       `mapstructure:"min_priority"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// WebhookOutput posts each alert as JSON. Repeated failures open a circuit
// breaker so a dead endpoint does not tie up the dispatch workers.
type WebhookOutput struct {
	cfg    WebhookConfig
	client *http.Client
	cb     *core.CircuitBreaker
	logger *zap.SugaredLogger
}

// NewWebhookOutput validates cfg and builds the output.
func NewWebhookOutput(cfg WebhookConfig, logger *zap.SugaredLogger) (*WebhookOutput, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker = core.CircuitBreakerConfig{
			MaxFailures:         3,
			Timeout:             60 * time.Second,
			MaxHalfOpenRequests: 1,
		}
	}
	cb, err := core.NewCircuitBreaker("webhook", cfg.CircuitBreaker)
	if err != nil {
		return nil, fmt.Errorf("webhook circuit breaker: %w", err)
	}
	return &WebhookOutput{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     cb,
		logger: logger,
	}, nil
}

func (w *WebhookOutput) Name() string { return "webhook" }

// Send posts alert unless it is filtered by priority or the breaker is open.
func (w *WebhookOutput) Send(ctx context.Context, alert *core.Alert) error {
	if w.cfg.MinPriority > 0 && alert.Priority > w.cfg.MinPriority {
		return nil
	}
	if err := w.cb.Allow(); err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.URL, err)
	}
	if err := w.post(ctx, alert); err != nil {
		w.cb.RecordFailure()
		return err
	}
	w.cb.RecordSuccess()
	return nil
}

func (w *WebhookOutput) post(ctx context.Context, alert *core.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	w.logger.Debugw("Webhook delivered", "alert_id", alert.ID, "sid", alert.SID)
	return nil
}
