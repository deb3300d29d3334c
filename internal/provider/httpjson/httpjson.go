// Package httpjson implements a generic identification adapter for upstreams
// that accept the raw payload over HTTP and answer with a JSON result list.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/provider"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 4 << 20

// Config configures an HTTP JSON adapter.
type Config struct {
	Name           string
	URL            string
	APIKey         string
	Categories     []domain.Category
	Timeout        time.Duration
	MaxPayloadSize int64
	// HealthURL is probed with GET; empty means the probe relies on the
	// monitor alone.
	HealthURL string
}

// Adapter implements provider.Provider against a JSON-over-HTTP endpoint.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	classifier provider.Classifier
	log        *slog.Logger

	Monitor *provider.Monitor
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithClassifier replaces the category classifier used for uncategorised results.
func WithClassifier(c provider.Classifier) Option {
	return func(a *Adapter) { a.classifier = c }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New creates a new HTTP JSON adapter.
func New(cfg Config, opts ...Option) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = provider.DefaultTimeout
	}
	a := &Adapter{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		classifier: provider.DefaultClassifier(),
		log:        slog.Default(),
		Monitor:    provider.NewMonitor(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("provider", cfg.Name)
	return a
}

type wireResult struct {
	Name       string              `json:"name"`
	Confidence float64             `json:"confidence"`
	Category   string              `json:"category"`
	BBox       *domain.BoundingBox `json:"bbox"`
	Metadata   map[string]any      `json:"metadata"`
}

type wireResponse struct {
	Results []wireResult `json:"results"`
	Error   string       `json:"error"`
}

// Identify posts the payload and decodes the result list.
func (a *Adapter) Identify(ctx context.Context, payload provider.Payload, opts provider.IdentifyOptions) ([]domain.Identification, error) {
	if err := provider.CheckSize(payload, a.cfg.MaxPayloadSize); err != nil {
		return nil, err
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(payload.Data))
	if err != nil {
		return nil, apperr.Provider(fmt.Errorf("create request: %w", err), a.cfg.Name)
	}
	req.Header.Set("Content-Type", payload.ContentType)
	req.Header.Set("Accept", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	if opts.RequestID != "" {
		req.Header.Set("X-Request-ID", opts.RequestID)
	}
	if opts.Category != "" {
		q := req.URL.Query()
		q.Set("category", string(opts.Category))
		req.URL.RawQuery = q.Encode()
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.Monitor.RecordError()
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, apperr.Timeout(err, a.cfg.Name)
		}
		return nil, apperr.Provider(fmt.Errorf("identify call: %w", err), a.cfg.Name)
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	// Rate limit detection
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		a.Monitor.RecordThrottle(resp.StatusCode, retryAfter)
		return nil, apperr.Provider(fmt.Errorf("rate limited (429), retry after: %s", retryAfter), a.cfg.Name)
	}

	// Credential or IP block
	if resp.StatusCode == http.StatusForbidden {
		a.Monitor.RecordThrottle(resp.StatusCode, "")
		return nil, apperr.Provider(fmt.Errorf("blocked (403)"), a.cfg.Name)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		a.Monitor.RecordError()
		return nil, apperr.Provider(fmt.Errorf("read response: %w", err), a.cfg.Name)
	}

	switch resp.StatusCode {
	case http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return nil, apperr.Validation("provider %s rejected payload (%d): %s", a.cfg.Name, resp.StatusCode, snippet(body))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.Monitor.RecordError()
		if a.Monitor.DetectThrottlePattern(string(body)) {
			return nil, apperr.Provider(fmt.Errorf("throttle detected in response: %s", snippet(body)), a.cfg.Name)
		}
		return nil, apperr.Provider(fmt.Errorf("http %d: %s", resp.StatusCode, snippet(body)), a.cfg.Name)
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		a.Monitor.RecordError()
		return nil, apperr.Provider(fmt.Errorf("parse response: %w", err), a.cfg.Name)
	}
	if wr.Error != "" {
		a.Monitor.RecordError()
		return nil, apperr.Provider(fmt.Errorf("upstream error: %s", wr.Error), a.cfg.Name)
	}

	a.Monitor.RecordSuccess(latency)
	a.log.Debug("identify ok", "results", len(wr.Results), "latency", latency)

	return a.convert(wr.Results), nil
}

func (a *Adapter) convert(results []wireResult) []domain.Identification {
	out := make([]domain.Identification, 0, len(results))
	for _, r := range results {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		cat := domain.NormalizeCategory(r.Category)
		if cat == "" {
			cat = a.classifier.Classify(name)
		}
		out = append(out, domain.Identification{
			Name:           name,
			Confidence:     clamp01(r.Confidence),
			Category:       cat,
			SourceProvider: a.cfg.Name,
			BoundingBox:    r.BBox,
			Metadata:       r.Metadata,
		})
	}
	return out
}

// SupportedCategories returns the configured categories.
func (a *Adapter) SupportedCategories() []domain.Category {
	return a.cfg.Categories
}

// HealthProbe combines the monitor state with an optional health endpoint.
// The endpoint is not called while the upstream's Retry-After is running.
func (a *Adapter) HealthProbe(ctx context.Context) domain.HealthState {
	state := a.Monitor.CheckStatus().HealthState()
	if a.cfg.HealthURL == "" || state == domain.HealthUnhealthy {
		return state
	}
	if wait := a.Monitor.RetryAfter(); wait > 0 {
		a.log.Debug("health probe skipped while throttled", "retry_after", wait)
		return state
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.HealthURL, nil)
	if err != nil {
		return domain.HealthUnhealthy
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Debug("health probe failed", "error", err)
		return domain.HealthUnhealthy
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	if resp.StatusCode >= 500 {
		return domain.HealthUnhealthy
	}
	if resp.StatusCode >= 300 {
		return domain.HealthDegraded
	}
	return state
}

// Close cleans up resources.
func (a *Adapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
