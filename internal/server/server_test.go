package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/orchestrator"
	"github.com/vietddude/lens/internal/provider"
	"github.com/vietddude/lens/internal/provider/static"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { _ = o.Close() })

	birds := static.New("birds", []domain.Category{domain.CategoryBird}, []domain.Identification{
		{Name: "Robin", Confidence: 0.8},
		{Name: "Wren", Confidence: 0.1},
	}, 0)
	if err := o.RegisterProvider(provider.Descriptor{Name: "birds"}, birds); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv := httptest.NewServer(New(cfg, o, slog.New(slog.DiscardHandler)).Handler())
	t.Cleanup(srv.Close)
	return srv, o
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestIdentify(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	resp, err := http.Post(srv.URL+"/v1/identify?request_id=req-42", "image/png", bytes.NewReader(testPNG(t)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}

	res := decode[domain.AggregationResult](t, resp)
	if res.RequestID != "req-42" {
		t.Errorf("request id = %q", res.RequestID)
	}
	if len(res.Combined) != 1 || res.Combined[0].Name != "Robin" {
		t.Errorf("expected Robin only above default threshold, got %+v", res.Combined)
	}
	if len(res.PerProviderOutcomes) != 1 || res.PerProviderOutcomes[0].Status != domain.OutcomeSuccess {
		t.Errorf("unexpected outcomes %+v", res.PerProviderOutcomes)
	}
}

func TestIdentify_QueryOptions(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	resp, err := http.Post(srv.URL+"/v1/identify?min_confidence=0&max_results=1&category=BIRD", "image/png", bytes.NewReader(testPNG(t)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res := decode[domain.AggregationResult](t, resp)
	if len(res.Combined) != 1 || res.Combined[0].Name != "Robin" {
		t.Errorf("expected truncation to Robin, got %+v", res.Combined)
	}
}

func TestIdentify_Errors(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxBodyBytes: 1024})
	img := testPNG(t)

	tests := []struct {
		name string
		path string
		body []byte
		want int
	}{
		{"text payload", "/v1/identify", []byte("hello world"), http.StatusBadRequest},
		{"empty payload", "/v1/identify", nil, http.StatusBadRequest},
		{"oversized body", "/v1/identify", bytes.Repeat([]byte{0x89}, 2048), http.StatusBadRequest},
		{"bad threshold", "/v1/identify?min_confidence=abc", img, http.StatusBadRequest},
		{"threshold out of range", "/v1/identify?min_confidence=2", img, http.StatusBadRequest},
		{"bad max results", "/v1/identify?max_results=-1", img, http.StatusBadRequest},
		{"no eligible providers", "/v1/identify?category=fungus", img, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/octet-stream", bytes.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			body := decode[ErrorResponse](t, resp)
			if body.Error == "" || body.Code == "" {
				t.Errorf("expected coded error body, got %+v", body)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	body := `{
		"outcomes": [
			{"provider": "a", "items": [{"name": "Robin", "confidence": 0.6, "category": "bird"}]},
			{"provider": "b", "items": [{"name": " robin ", "confidence": 0.4}, {"name": "Gull", "confidence": 0.1}]},
			{"provider": "c", "status": "failure"}
		]
	}`
	resp, err := http.Post(srv.URL+"/v1/aggregate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[AggregateResponse](t, resp)
	if len(got.Combined) != 1 {
		t.Fatalf("expected one merged entry, got %+v", got.Combined)
	}
	c := got.Combined[0]
	if c.Name != "Robin" || len(c.ContributingProviders) != 2 {
		t.Errorf("unexpected merge %+v", c)
	}
	if c.MergedConfidence < 0.699 || c.MergedConfidence > 0.701 {
		t.Errorf("merged confidence = %v, want 0.7", c.MergedConfidence)
	}
}

func TestAggregate_Invalid(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, body := range []string{
		`not json`,
		`{"outcomes": [{"items": []}]}`,
		`{"outcomes": [{"provider": "a", "status": "maybe"}]}`,
		`{"outcomes": [], "min_confidence": 3}`,
	} {
		resp, err := http.Post(srv.URL+"/v1/aggregate", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, resp.StatusCode)
		}
	}
}

func TestHealthAndBreakerAdmin(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		return resp
	}
	post := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		return resp
	}

	resp := get("/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	if h := decode[HealthResponse](t, resp); h.Status != domain.HealthHealthy {
		t.Errorf("overall = %s", h.Status)
	}

	resp = post("/admin/breakers/birds/open")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = get("/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with every circuit open, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	detailed := decode[domain.HealthStatus](t, get("/health/detailed"))
	ph, ok := detailed.PerProvider["birds"]
	if !ok || ph.State != "open" || ph.NextProbeTime == nil {
		t.Errorf("unexpected detailed health %+v", detailed)
	}

	resp = post("/admin/breakers/birds/reset")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if b := decode[BreakerResponse](t, resp); b.Provider != "birds" || b.Action != "reset" {
		t.Errorf("unexpected reset body %+v", b)
	}

	if h := decode[HealthResponse](t, get("/health")); h.Status != domain.HealthHealthy {
		t.Errorf("expected healthy after reset, got %s", h.Status)
	}

	resp = post("/admin/breakers/nope/reset")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown provider status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
