// Package grpcid implements an identification adapter over gRPC.
//
// Upstreams expose a unary method taking and returning google.protobuf.Struct,
// which keeps the adapter free of generated stubs. The request carries
// content_type, data (base64), category and request_id; the response carries
// a results list shaped like the HTTP adapter's.
package grpcid

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/provider"
)

// DefaultMethod is invoked when Config.Method is empty.
const DefaultMethod = "/lens.v1.Identifier/Identify"

// Config configures a gRPC adapter.
type Config struct {
	Name           string
	Target         string
	Method         string
	HealthService  string
	APIKey         string
	Categories     []domain.Category
	MaxPayloadSize int64
}

// Adapter implements provider.Provider over a gRPC connection.
type Adapter struct {
	cfg        Config
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
	classifier provider.Classifier
	log        *slog.Logger

	Monitor *provider.Monitor
}

type options struct {
	dialOpts   []grpc.DialOption
	classifier provider.Classifier
	log        *slog.Logger
}

// Option customizes an Adapter.
type Option func(*options)

// WithDialOptions appends dial options, replacing the default credentials
// selection when transport credentials are among them.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithClassifier replaces the category classifier used for uncategorised results.
func WithClassifier(c provider.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates the client connection. The connection is established lazily
// on the first call.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	o := options{classifier: provider.DefaultClassifier(), log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}

	target := cfg.Target
	var dialOpts []grpc.DialOption

	// Check scheme
	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}
	dialOpts = append(dialOpts, o.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}

	return &Adapter{
		cfg:        cfg,
		conn:       conn,
		health:     healthpb.NewHealthClient(conn),
		classifier: o.classifier,
		log:        o.log.With("provider", cfg.Name),
		Monitor:    provider.NewMonitor(),
	}, nil
}

type wireResult struct {
	Name       string              `json:"name"`
	Confidence float64             `json:"confidence"`
	Category   string              `json:"category"`
	BBox       *domain.BoundingBox `json:"bbox"`
	Metadata   map[string]any      `json:"metadata"`
}

// Identify invokes the configured unary method.
func (a *Adapter) Identify(ctx context.Context, payload provider.Payload, opts provider.IdentifyOptions) ([]domain.Identification, error) {
	if err := provider.CheckSize(payload, a.cfg.MaxPayloadSize); err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"content_type": payload.ContentType,
		"data":         base64.StdEncoding.EncodeToString(payload.Data),
		"category":     string(opts.Category),
		"request_id":   opts.RequestID,
	})
	if err != nil {
		return nil, apperr.Provider(fmt.Errorf("build request: %w", err), a.cfg.Name)
	}

	if a.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+a.cfg.APIKey)
	}

	start := time.Now()
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, a.cfg.Method, req, resp); err != nil {
		return nil, a.classify(err)
	}
	latency := time.Since(start)

	raw, err := protojson.Marshal(resp)
	if err != nil {
		a.Monitor.RecordError()
		return nil, apperr.Provider(fmt.Errorf("encode response: %w", err), a.cfg.Name)
	}
	var wr struct {
		Results []wireResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &wr); err != nil {
		a.Monitor.RecordError()
		return nil, apperr.Provider(fmt.Errorf("parse response: %w", err), a.cfg.Name)
	}

	a.Monitor.RecordSuccess(latency)

	out := make([]domain.Identification, 0, len(wr.Results))
	for _, r := range wr.Results {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		cat := domain.NormalizeCategory(r.Category)
		if cat == "" {
			cat = a.classifier.Classify(name)
		}
		conf := r.Confidence
		if conf < 0 || conf != conf {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		out = append(out, domain.Identification{
			Name:           name,
			Confidence:     conf,
			Category:       cat,
			SourceProvider: a.cfg.Name,
			BoundingBox:    r.BBox,
			Metadata:       r.Metadata,
		})
	}
	return out, nil
}

// classify maps a gRPC status onto the error taxonomy.
func (a *Adapter) classify(err error) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.InvalidArgument:
		return apperr.Validation("provider %s rejected payload: %s", a.cfg.Name, st.Message())
	case codes.DeadlineExceeded, codes.Canceled:
		a.Monitor.RecordError()
		return apperr.Timeout(err, a.cfg.Name)
	case codes.ResourceExhausted:
		a.Monitor.RecordThrottle(429, "")
	case codes.PermissionDenied:
		a.Monitor.RecordThrottle(403, "")
	default:
		a.Monitor.RecordError()
	}
	return apperr.Provider(fmt.Errorf("grpc %s: %s", st.Code(), st.Message()), a.cfg.Name)
}

// SupportedCategories returns the configured categories.
func (a *Adapter) SupportedCategories() []domain.Category {
	return a.cfg.Categories
}

// HealthProbe queries the standard gRPC health service. Servers that do not
// implement it are judged by the monitor alone.
func (a *Adapter) HealthProbe(ctx context.Context) domain.HealthState {
	state := a.Monitor.CheckStatus().HealthState()
	if state == domain.HealthUnhealthy {
		return state
	}
	if wait := a.Monitor.RetryAfter(); wait > 0 {
		a.log.Debug("health probe skipped while throttled", "retry_after", wait)
		return state
	}

	resp, err := a.health.Check(ctx, &healthpb.HealthCheckRequest{Service: a.cfg.HealthService})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return state
		}
		a.log.Debug("health probe failed", "error", err)
		return domain.HealthUnhealthy
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return domain.HealthUnhealthy
	}
	return state
}

// Close cleans up resources.
func (a *Adapter) Close() error {
	return a.conn.Close()
}
