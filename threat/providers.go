package threat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"logcorr/core"

	"golang.org/x/time/rate"
)

// HTTPReputationConfig configures an HTTPReputationProvider.
type HTTPReputationConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	CircuitBreaker core.CircuitBreakerConfig
}

// HTTPReputationProvider implements ThreatFeed against a JSON reputation service.
//
//	GET {base}/v1/{type}/{value}
//	200 {"malicious": bool, "confidence": float, "categories": [...], "description": "..."}
//	404 no data
type HTTPReputationProvider struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	limiter        *rate.Limiter
	circuitBreaker *core.CircuitBreaker
}

// NewHTTPReputationProvider creates the provider.
func NewHTTPReputationProvider(cfg HTTPReputationConfig) (*HTTPReputationProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reputation base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cb, err := core.NewCircuitBreaker("reputation", cfg.CircuitBreaker)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &HTTPReputationProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter:        rate.NewLimiter(limit, cfg.Burst),
		circuitBreaker: cb,
	}, nil
}

// Name returns the provider name
func (p *HTTPReputationProvider) Name() string {
	return "Reputation"
}

type reputationResponse struct {
	Malicious   bool     `json:"malicious"`
	Confidence  float64  `json:"confidence"`
	Categories  []string `json:"categories"`
	Description string   `json:"description"`
}

// CheckIOC queries the reputation service for value
func (p *HTTPReputationProvider) CheckIOC(ctx context.Context, value string, iocType IOCType) (*ThreatIntel, error) {
	switch iocType {
	case IOCTypeIP, IOCTypeHash, IOCTypeURL, IOCTypeFilename, IOCTypeDomain:
	default:
		return nil, fmt.Errorf("unsupported IOC type: %s", iocType)
	}

	if err := p.circuitBreaker.Allow(); err != nil {
		return nil, fmt.Errorf("reputation lookup skipped: %w", err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		p.circuitBreaker.RecordSuccess()
		return nil, fmt.Errorf("reputation rate limit: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s/%s", p.baseURL, iocType, url.PathEscape(value))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		p.circuitBreaker.RecordSuccess()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.circuitBreaker.RecordFailure()
		return nil, fmt.Errorf("failed to query reputation service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		p.circuitBreaker.RecordSuccess()
		return clean(value, iocType), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		p.circuitBreaker.RecordFailure()
		return nil, fmt.Errorf("reputation service returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		p.circuitBreaker.RecordSuccess()
		return nil, fmt.Errorf("reputation service returned status %d", resp.StatusCode)
	}
	p.circuitBreaker.RecordSuccess()

	var body reputationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	tags := body.Categories
	if tags == nil {
		tags = []string{}
	}
	desc := body.Description
	if desc == "" {
		desc = "Clean"
		if body.Malicious {
			desc = "Malicious"
		}
	}
	return &ThreatIntel{
		IOC:         value,
		Type:        iocType,
		IsMalicious: body.Malicious,
		Confidence:  body.Confidence,
		Tags:        tags,
		Description: desc,
		References:  []string{endpoint},
		Metadata:    map[string]string{"source": p.Name()},
	}, nil
}
