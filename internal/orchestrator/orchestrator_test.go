package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/lens/internal/aggregate"
	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/events"
	"github.com/vietddude/lens/internal/provider"
	"github.com/vietddude/lens/internal/resilience/backoff"
	"github.com/vietddude/lens/internal/resilience/breaker"
)

// fakeProvider answers with fn and counts calls.
type fakeProvider struct {
	cats  []domain.Category
	probe domain.HealthState
	// hang, when set, blocks HealthProbe until closed regardless of ctx.
	hang chan struct{}
	fn   func(ctx context.Context, call int) ([]domain.Identification, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Identify(ctx context.Context, _ provider.Payload, _ provider.IdentifyOptions) ([]domain.Identification, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeProvider) SupportedCategories() []domain.Category { return f.cats }

func (f *fakeProvider) HealthProbe(context.Context) domain.HealthState {
	if f.hang != nil {
		<-f.hang
	}
	if f.probe == "" {
		return domain.HealthHealthy
	}
	return f.probe
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func returns(items ...domain.Identification) *fakeProvider {
	return &fakeProvider{
		cats: []domain.Category{domain.CategoryBird, domain.CategoryPlant},
		fn: func(context.Context, int) ([]domain.Identification, error) {
			return items, nil
		},
	}
}

func fails(err error) *fakeProvider {
	return &fakeProvider{
		cats: []domain.Category{domain.CategoryBird, domain.CategoryPlant},
		fn: func(context.Context, int) ([]domain.Identification, error) {
			return nil, err
		},
	}
}

func id(name string, conf float64) domain.Identification {
	return domain.Identification{Name: name, Confidence: conf, Category: domain.CategoryBird}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memCache stores JSON copies so callers can mutate what Get returns.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) (*domain.AggregationResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	var res domain.AggregationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

func (c *memCache) Set(_ context.Context, key string, res *domain.AggregationResult, _ time.Duration) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = raw
	c.sets++
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func fastBackoff() *backoff.Policy {
	return backoff.New(backoff.Config{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2})
}

func newTestOrchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithBackoff(fastBackoff())}, opts...)
	o := New(cfg, opts...)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func mustRegister(t *testing.T, o *Orchestrator, desc provider.Descriptor, p provider.Provider) {
	t.Helper()
	if err := o.RegisterProvider(desc, p); err != nil {
		t.Fatalf("register %s: %v", desc.Name, err)
	}
}

func TestIdentify_PartialFailure(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	mustRegister(t, o, provider.Descriptor{Name: "a"}, returns(id("Robin", 0.8)))
	mustRegister(t, o, provider.Descriptor{Name: "b"}, fails(errors.New("upstream 500")))
	mustRegister(t, o, provider.Descriptor{Name: "c"}, returns(id("robin", 0.7), id("Wren", 0.5)))

	res, err := o.Identify(context.Background(), testPNG(t), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RequestID == "" {
		t.Error("request id not generated")
	}

	if len(res.PerProviderOutcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(res.PerProviderOutcomes))
	}
	for i, name := range []string{"a", "b", "c"} {
		if res.PerProviderOutcomes[i].Provider != name {
			t.Errorf("outcome %d is %s, want %s", i, res.PerProviderOutcomes[i].Provider, name)
		}
	}
	b := res.PerProviderOutcomes[1]
	if b.Status != domain.OutcomeFailure || b.Kind != domain.FailureProvider {
		t.Errorf("unexpected outcome for b: %+v", b)
	}

	if len(res.Combined) != 2 || res.Combined[0].Name != "Robin" {
		t.Fatalf("unexpected combined %+v", res.Combined)
	}
	if got := res.Combined[0].ContributingProviders; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("unexpected contributors %v", got)
	}
}

func TestIdentify_ValidationFailsBeforeProviders(t *testing.T) {
	o := newTestOrchestrator(t, Config{MaxPayloadBytes: 1 << 20})
	p := returns(id("Robin", 0.9))
	mustRegister(t, o, provider.Descriptor{Name: "a"}, p)

	for _, data := range [][]byte{nil, []byte("plain text, not media")} {
		_, err := o.Identify(context.Background(), data, Options{})
		if !apperr.IsValidation(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	}
	if p.Calls() != 0 {
		t.Errorf("provider called %d times for invalid input", p.Calls())
	}
}

func TestIdentify_NoEligibleProviders(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	p := returns(id("Robin", 0.9))
	mustRegister(t, o, provider.Descriptor{Name: "a"}, p)

	_, err := o.Identify(context.Background(), testPNG(t), Options{Category: domain.CategorySound})
	if !apperr.IsNoEligibleProviders(err) {
		t.Fatalf("expected no eligible providers error, got %v", err)
	}
	if p.Calls() != 0 {
		t.Error("ineligible provider was invoked")
	}
}

func TestIdentify_CategoryScoping(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	birds := returns(id("Robin", 0.9))
	plants := &fakeProvider{cats: []domain.Category{domain.CategoryPlant}, fn: func(context.Context, int) ([]domain.Identification, error) {
		return nil, nil
	}}
	mustRegister(t, o, provider.Descriptor{Name: "birds", SupportedCategories: []domain.Category{domain.CategoryBird}}, birds)
	mustRegister(t, o, provider.Descriptor{Name: "plants"}, plants)

	res, err := o.Identify(context.Background(), testPNG(t), Options{Category: "Bird"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.PerProviderOutcomes) != 1 || plants.Calls() != 0 {
		t.Errorf("plant provider should not be invoked for bird requests")
	}
}

func TestIdentify_RetryBound(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	p := fails(errors.New("flaky"))
	mustRegister(t, o, provider.Descriptor{Name: "a", MaxRetries: 2, Breaker: breaker.Config{FailureThreshold: 100}}, p)

	res, err := o.Identify(context.Background(), testPNG(t), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", p.Calls())
	}
	oc := res.PerProviderOutcomes[0]
	if oc.Attempts != 3 || oc.Status != domain.OutcomeFailure {
		t.Errorf("unexpected outcome %+v", oc)
	}
	if !res.AllFailed() {
		t.Error("expected all failed")
	}
}

func TestIdentify_RetryThenSuccess(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	p := &fakeProvider{cats: []domain.Category{domain.CategoryBird}, fn: func(_ context.Context, call int) ([]domain.Identification, error) {
		if call < 2 {
			return nil, errors.New("transient")
		}
		return []domain.Identification{id("Robin", 0.9)}, nil
	}}
	mustRegister(t, o, provider.Descriptor{Name: "a", MaxRetries: 3}, p)

	res, _ := o.Identify(context.Background(), testPNG(t), Options{})
	oc := res.PerProviderOutcomes[0]
	if oc.Status != domain.OutcomeSuccess || oc.Attempts != 2 {
		t.Errorf("unexpected outcome %+v", oc)
	}
	if s := o.Snapshots()[0]; s.ConsecutiveFailures != 0 {
		t.Errorf("success should reset failures, got %d", s.ConsecutiveFailures)
	}
}

func TestIdentify_ProviderValidationNotCounted(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	p := fails(apperr.Validation("image too small"))
	mustRegister(t, o, provider.Descriptor{Name: "a", MaxRetries: 2, Breaker: breaker.Config{FailureThreshold: 1}}, p)

	res, _ := o.Identify(context.Background(), testPNG(t), Options{})
	oc := res.PerProviderOutcomes[0]
	if oc.Kind != domain.FailureValidation || oc.Attempts != 1 {
		t.Errorf("unexpected outcome %+v", oc)
	}
	if p.Calls() != 1 {
		t.Errorf("validation failure was retried: %d calls", p.Calls())
	}
	if s := o.Snapshots()[0]; s.State != breaker.StateClosed || s.ConsecutiveFailures != 0 {
		t.Errorf("validation failure counted against breaker: %+v", s)
	}
}

func TestIdentify_BreakerOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	o := newTestOrchestrator(t, Config{}, WithClock(clock.Now))

	healthy := false
	var mu sync.Mutex
	p := &fakeProvider{cats: []domain.Category{domain.CategoryBird}, fn: func(context.Context, int) ([]domain.Identification, error) {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return []domain.Identification{id("Robin", 0.9)}, nil
		}
		return nil, errors.New("down")
	}}
	mustRegister(t, o, provider.Descriptor{
		Name:    "a",
		Breaker: breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	}, p)

	data := testPNG(t)
	for i := 0; i < 3; i++ {
		_, _ = o.Identify(context.Background(), data, Options{})
	}
	if p.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", p.Calls())
	}

	res, _ := o.Identify(context.Background(), data, Options{})
	oc := res.PerProviderOutcomes[0]
	if oc.Status != domain.OutcomeShortCircuited || oc.NextProbeTime == nil {
		t.Fatalf("expected short circuit with probe time, got %+v", oc)
	}
	if !oc.NextProbeTime.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("next probe = %v, want %v", oc.NextProbeTime, clock.Now().Add(time.Minute))
	}
	if p.Calls() != 3 {
		t.Errorf("open breaker let a call through")
	}
	if st := o.HealthStatus(context.Background()); st.Overall != domain.HealthUnhealthy {
		t.Errorf("expected unhealthy with the only circuit open, got %s", st.Overall)
	}

	clock.Advance(time.Minute)
	mu.Lock()
	healthy = true
	mu.Unlock()

	res, _ = o.Identify(context.Background(), data, Options{})
	if res.PerProviderOutcomes[0].Status != domain.OutcomeSuccess {
		t.Fatalf("trial call should succeed, got %+v", res.PerProviderOutcomes[0])
	}
	if s := o.Snapshots()[0]; s.State != breaker.StateClosed {
		t.Errorf("expected closed after trial, got %s", s.State)
	}
}

func TestIdentify_DeadlineCutoff(t *testing.T) {
	o := newTestOrchestrator(t, Config{RequestTimeout: 50 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	hung := &fakeProvider{cats: []domain.Category{domain.CategoryBird}, fn: func(context.Context, int) ([]domain.Identification, error) {
		<-release
		return nil, nil
	}}
	mustRegister(t, o, provider.Descriptor{Name: "fast"}, returns(id("Robin", 0.9)))
	mustRegister(t, o, provider.Descriptor{Name: "hung", Timeout: time.Minute}, hung)

	start := time.Now()
	res, err := o.Identify(context.Background(), testPNG(t), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Identify waited for the hung provider: %v", elapsed)
	}

	if res.PerProviderOutcomes[0].Status != domain.OutcomeSuccess {
		t.Errorf("fast provider lost: %+v", res.PerProviderOutcomes[0])
	}
	late := res.PerProviderOutcomes[1]
	if late.Status != domain.OutcomeFailure || late.Kind != domain.FailureTimeout {
		t.Errorf("expected timeout outcome, got %+v", late)
	}
	if len(res.Combined) != 1 {
		t.Errorf("expected fast provider's result, got %+v", res.Combined)
	}
}

func TestIdentify_CacheHit(t *testing.T) {
	cache := newMemCache()
	o := newTestOrchestrator(t, Config{CacheTTL: time.Minute}, WithCache(cache))
	p := returns(id("Robin", 0.9))
	mustRegister(t, o, provider.Descriptor{Name: "a"}, p)

	data := testPNG(t)
	first, err := o.Identify(context.Background(), data, Options{RequestID: "one"})
	if err != nil || first.Cached {
		t.Fatalf("first call: cached=%v err=%v", first != nil && first.Cached, err)
	}
	second, err := o.Identify(context.Background(), data, Options{RequestID: "two"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached || second.RequestID != "two" {
		t.Errorf("expected cached result with new request id, got cached=%v id=%s", second.Cached, second.RequestID)
	}
	if p.Calls() != 1 {
		t.Errorf("cache hit still invoked provider: %d calls", p.Calls())
	}
	if len(second.Combined) != 1 || second.Combined[0].Name != "Robin" {
		t.Errorf("unexpected cached combined %+v", second.Combined)
	}

	// Different options miss.
	strict := 0.95
	third, _ := o.Identify(context.Background(), data, Options{MinConfidence: &strict})
	if third.Cached || len(third.Combined) != 0 {
		t.Errorf("expected fresh result filtered by threshold, got %+v", third)
	}
}

func TestIdentify_AllFailedNotCached(t *testing.T) {
	cache := newMemCache()
	o := newTestOrchestrator(t, Config{CacheTTL: time.Minute}, WithCache(cache))
	mustRegister(t, o, provider.Descriptor{Name: "a"}, fails(errors.New("down")))

	_, _ = o.Identify(context.Background(), testPNG(t), Options{})
	if cache.sets != 0 {
		t.Errorf("all-failed result was cached")
	}
}

func TestIdentify_DeterministicAcrossCompletionOrder(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	for i, delay := range []time.Duration{15, 0, 5} {
		d := delay * time.Millisecond
		items := []domain.Identification{id("Robin", 0.6), id(fmt.Sprintf("Only%d", i), 0.6)}
		mustRegister(t, o, provider.Descriptor{Name: fmt.Sprintf("p%d", i)}, &fakeProvider{
			cats: []domain.Category{domain.CategoryBird},
			fn: func(context.Context, int) ([]domain.Identification, error) {
				time.Sleep(d)
				return items, nil
			},
		})
	}

	var first []domain.AggregatedIdentification
	for run := 0; run < 5; run++ {
		res, err := o.Identify(context.Background(), testPNG(t), Options{})
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if run == 0 {
			first = res.Combined
			continue
		}
		if len(res.Combined) != len(first) {
			t.Fatalf("run %d: length changed", run)
		}
		for i := range first {
			if res.Combined[i].Name != first[i].Name {
				t.Fatalf("run %d: order changed at %d: %s vs %s", run, i, res.Combined[i].Name, first[i].Name)
			}
		}
	}
	want := []string{"Robin", "Only0", "Only1", "Only2"}
	for i, name := range want {
		if first[i].Name != name {
			t.Errorf("position %d = %s, want %s", i, first[i].Name, name)
		}
	}
}

func TestIdentify_PriorityBonus(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	mustRegister(t, o, provider.Descriptor{
		Name:                "expert",
		SupportedCategories: []domain.Category{domain.CategoryBird},
		PriorityCategories:  []domain.Category{domain.CategoryBird},
	}, returns(id("Wren", 0.5)))

	res, _ := o.Identify(context.Background(), testPNG(t), Options{})
	if len(res.Combined) != 1 || res.Combined[0].MergedConfidence < 0.649 {
		t.Errorf("expected priority bonus, got %+v", res.Combined)
	}
}

func TestRegisterProvider_Errors(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	mustRegister(t, o, provider.Descriptor{Name: "a"}, returns())

	err := o.RegisterProvider(provider.Descriptor{Name: "a"}, returns())
	if !errors.Is(err, ErrDuplicateProvider) || !apperr.IsConflict(err) {
		t.Errorf("expected duplicate error, got %v", err)
	}

	none := &fakeProvider{}
	if err := o.RegisterProvider(provider.Descriptor{Name: "b"}, none); err == nil {
		t.Error("provider without categories accepted")
	}
	if len(o.Providers()) != 1 {
		t.Errorf("failed registrations leaked: %d providers", len(o.Providers()))
	}
}

func TestHealthStatus_AndManualControls(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	mustRegister(t, o, provider.Descriptor{Name: "a"}, returns())
	degradedProbe := returns()
	degradedProbe.probe = domain.HealthDegraded
	mustRegister(t, o, provider.Descriptor{Name: "b"}, degradedProbe)

	st := o.HealthStatus(context.Background())
	if st.Overall != domain.HealthHealthy {
		t.Errorf("expected healthy, got %s", st.Overall)
	}
	if st.PerProvider["b"].Probe != domain.HealthDegraded {
		t.Errorf("probe not reported: %+v", st.PerProvider["b"])
	}

	if err := o.ForceOpenBreaker("a"); err != nil {
		t.Fatalf("force open: %v", err)
	}
	st = o.HealthStatus(context.Background())
	if st.Overall != domain.HealthDegraded || st.PerProvider["a"].State != "open" || st.PerProvider["a"].NextProbeTime == nil {
		t.Errorf("unexpected status after force open: %+v", st)
	}

	_ = o.ForceOpenBreaker("b")
	if st := o.HealthStatus(context.Background()); st.Overall != domain.HealthUnhealthy {
		t.Errorf("expected unhealthy, got %s", st.Overall)
	}

	_ = o.ResetBreaker("a")
	_ = o.ResetBreaker("b")
	if st := o.HealthStatus(context.Background()); st.Overall != domain.HealthHealthy {
		t.Errorf("expected healthy after reset, got %s", st.Overall)
	}

	if err := o.ResetBreaker("missing"); !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestIdentify_EmitsEvents(t *testing.T) {
	sink := &recordingSink{}
	o := New(Config{}, WithBackoff(fastBackoff()), WithSink(sink))
	mustRegister(t, o, provider.Descriptor{Name: "a", Breaker: breaker.Config{FailureThreshold: 1}}, fails(errors.New("down")))

	if _, err := o.Identify(context.Background(), testPNG(t), Options{RequestID: "r1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = o.Close()

	var sawRequest, sawTransition bool
	for _, e := range sink.events {
		switch e.Type {
		case events.TypeRequestCompleted:
			sawRequest = e.Request.RequestID == "r1"
		case events.TypeBreakerTransition:
			sawTransition = e.Transition.To == breaker.StateOpen
		}
	}
	if !sawRequest || !sawTransition {
		t.Errorf("missing events: request=%v transition=%v", sawRequest, sawTransition)
	}
}

func TestIdentify_CancelledDuringBackoff(t *testing.T) {
	slow := backoff.New(backoff.Config{Base: time.Hour, Max: time.Hour, Multiplier: 2})
	o := New(Config{}, WithBackoff(slow))
	t.Cleanup(func() { _ = o.Close() })
	p := fails(errors.New("down"))
	mustRegister(t, o, provider.Descriptor{Name: "a", MaxRetries: 3}, p)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := o.Identify(ctx, testPNG(t), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oc := res.PerProviderOutcomes[0]
	if oc.Status != domain.OutcomeFailure || oc.Kind != domain.FailureTimeout {
		t.Errorf("expected timeout failure, got %+v", oc)
	}
	if p.Calls() != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", p.Calls())
	}
}

func TestAggregate_UsesDefaultsAndPriority(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	mustRegister(t, o, provider.Descriptor{
		Name:                "expert",
		SupportedCategories: []domain.Category{domain.CategoryBird},
		PriorityCategories:  []domain.Category{domain.CategoryBird},
	}, returns())

	outcomes := []domain.Outcome{
		domain.Success("expert", []domain.Identification{id("Wren", 0.5)}),
		domain.Success("other", []domain.Identification{id("Gull", 0.2)}),
		domain.Failure("broken", domain.FailureProvider, "down"),
	}

	got := o.Aggregate(outcomes, Options{})
	if len(got) != 1 || got[0].Name != "Wren" {
		t.Fatalf("expected default threshold to drop Gull, got %+v", got)
	}
	if got[0].MergedConfidence < 0.649 {
		t.Errorf("expected priority bonus, got %v", got[0].MergedConfidence)
	}

	zero := 0.0
	if got := o.Aggregate(outcomes, Options{MinConfidence: &zero}); len(got) != 2 {
		t.Errorf("expected both names without a threshold, got %+v", got)
	}
}

func TestIdentify_CallerCancelNotCounted(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	finished := make(chan struct{}, 4)
	p := &fakeProvider{cats: []domain.Category{domain.CategoryBird}, fn: func(ctx context.Context, call int) ([]domain.Identification, error) {
		defer func() { finished <- struct{}{} }()
		if call > 3 {
			return []domain.Identification{id("Robin", 0.9)}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return []domain.Identification{id("Robin", 0.9)}, nil
		}
	}}
	mustRegister(t, o, provider.Descriptor{
		Name:    "a",
		Timeout: 5 * time.Second,
		Breaker: breaker.Config{FailureThreshold: 3, RecoveryTimeout: time.Minute},
	}, p)

	for range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		if _, err := o.Identify(ctx, testPNG(t), Options{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("provider call did not return after cancel")
		}
		cancel()
	}
	time.Sleep(10 * time.Millisecond)

	snap := o.Snapshots()[0]
	if snap.State != breaker.StateClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("caller cancellations charged the breaker: state=%s failures=%d", snap.State, snap.ConsecutiveFailures)
	}

	res, err := o.Identify(context.Background(), testPNG(t), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oc := res.PerProviderOutcomes[0]; oc.Status != domain.OutcomeSuccess {
		t.Errorf("expected success after cancellations, got %+v", oc)
	}
}

func TestIdentify_AttemptTimeoutCounted(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	p := &fakeProvider{cats: []domain.Category{domain.CategoryBird}, fn: func(ctx context.Context, _ int) ([]domain.Identification, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	mustRegister(t, o, provider.Descriptor{
		Name:    "a",
		Timeout: 10 * time.Millisecond,
		Breaker: breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	}, p)

	res, err := o.Identify(context.Background(), testPNG(t), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oc := res.PerProviderOutcomes[0]; oc.Status != domain.OutcomeFailure || oc.Kind != domain.FailureTimeout {
		t.Errorf("expected timeout failure, got %+v", oc)
	}
	if snap := o.Snapshots()[0]; snap.State != breaker.StateOpen {
		t.Errorf("expected provider timeout to open the circuit, got %s", snap.State)
	}
}

func TestNew_ExplicitZeroWeights(t *testing.T) {
	o := newTestOrchestrator(t, Config{Weights: &aggregate.Weights{}})
	outcomes := []domain.Outcome{
		domain.Success("a", []domain.Identification{id("Robin", 0.5)}),
		domain.Success("b", []domain.Identification{id("Robin", 0.4)}),
	}

	got := o.Aggregate(outcomes, Options{})
	if len(got) != 1 || got[0].MergedConfidence != 0.5 {
		t.Errorf("expected max confidence without bonus, got %+v", got)
	}
}

func TestHealthStatus_StuckProbe(t *testing.T) {
	o := newTestOrchestrator(t, Config{})
	o.probeTimeout = 50 * time.Millisecond

	stuck := returns()
	stuck.hang = make(chan struct{})
	defer close(stuck.hang)
	mustRegister(t, o, provider.Descriptor{Name: "ok"}, returns())
	mustRegister(t, o, provider.Descriptor{Name: "stuck"}, stuck)

	done := make(chan domain.HealthStatus, 1)
	go func() { done <- o.HealthStatus(context.Background()) }()

	select {
	case status := <-done:
		if got := status.PerProvider["stuck"].Probe; got != domain.HealthUnhealthy {
			t.Errorf("stuck probe = %s, want unhealthy", got)
		}
		if got := status.PerProvider["ok"].Probe; got != domain.HealthHealthy {
			t.Errorf("ok probe = %s, want healthy", got)
		}
		if status.Overall != domain.HealthHealthy {
			t.Errorf("overall = %s, circuits are all closed", status.Overall)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HealthStatus waited on a probe that ignores its context")
	}
}
