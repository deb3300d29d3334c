package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vietddude/lens/internal/core/apperr"
	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/orchestrator"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// AggregateRequest is the body of POST /v1/aggregate.
type AggregateRequest struct {
	Outcomes      []AggregateOutcome `json:"outcomes"`
	MinConfidence *float64           `json:"min_confidence,omitempty"`
	MaxResults    int                `json:"max_results,omitempty"`
}

// AggregateOutcome is one provider's result as reported by a client. An
// empty status means success.
type AggregateOutcome struct {
	Provider string                  `json:"provider"`
	Status   domain.OutcomeStatus    `json:"status,omitempty"`
	Items    []domain.Identification `json:"items"`
}

// AggregateResponse is the reply of POST /v1/aggregate.
type AggregateResponse struct {
	Combined []domain.AggregatedIdentification `json:"combined"`
}

// HealthResponse is the reply of GET /health.
type HealthResponse struct {
	Status domain.HealthState `json:"status"`
}

// BreakerResponse is the reply of the breaker admin endpoints.
type BreakerResponse struct {
	Provider string `json:"provider"`
	Action   string `json:"action"`
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	opts, err := identifyOptions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, apperr.Validation("payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, apperr.Validation("failed to read body: %v", err))
		return
	}

	res, err := s.svc.Identify(r.Context(), data, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("X-Request-ID", res.RequestID)
	writeJSON(w, http.StatusOK, res)
}

func identifyOptions(r *http.Request) (orchestrator.Options, error) {
	q := r.URL.Query()
	opts := orchestrator.Options{
		Category:  domain.NormalizeCategory(q.Get("category")),
		RequestID: q.Get("request_id"),
	}
	if opts.RequestID == "" {
		opts.RequestID = r.Header.Get("X-Request-ID")
	}
	if v := q.Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return opts, apperr.Validation("min_confidence must be a number within [0,1]")
		}
		opts.MinConfidence = &f
	}
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, apperr.Validation("max_results must be a non-negative integer")
		}
		opts.MaxResults = n
	}
	return opts, nil
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if req.MinConfidence != nil && (*req.MinConfidence < 0 || *req.MinConfidence > 1) {
		s.writeError(w, apperr.Validation("min_confidence must be within [0,1]"))
		return
	}
	if req.MaxResults < 0 {
		s.writeError(w, apperr.Validation("max_results must not be negative"))
		return
	}

	outcomes := make([]domain.Outcome, 0, len(req.Outcomes))
	for i, o := range req.Outcomes {
		if o.Provider == "" {
			s.writeError(w, apperr.Validation("outcomes[%d].provider is required", i))
			return
		}
		switch o.Status {
		case "", domain.OutcomeSuccess:
			outcomes = append(outcomes, domain.Success(o.Provider, o.Items))
		case domain.OutcomeFailure, domain.OutcomeShortCircuited:
			outcomes = append(outcomes, domain.Outcome{Provider: o.Provider, Status: o.Status})
		default:
			s.writeError(w, apperr.Validation("outcomes[%d].status %q is unknown", i, o.Status))
			return
		}
	}

	combined := s.svc.Aggregate(outcomes, orchestrator.Options{
		MinConfidence: req.MinConfidence,
		MaxResults:    req.MaxResults,
	})
	writeJSON(w, http.StatusOK, AggregateResponse{Combined: combined})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.svc.HealthStatus(r.Context())
	code := http.StatusOK
	if report.Overall == domain.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{Status: report.Overall})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.HealthStatus(r.Context()))
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.ResetBreaker(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("Breaker reset via admin API", "provider", name)
	writeJSON(w, http.StatusOK, BreakerResponse{Provider: name, Action: "reset"})
}

func (s *Server) handleBreakerOpen(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.ForceOpenBreaker(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("Breaker forced open via admin API", "provider", name)
	writeJSON(w, http.StatusOK, BreakerResponse{Provider: name, Action: "open"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		code = http.StatusBadRequest
	case apperr.IsNoEligibleProviders(err):
		code = http.StatusUnprocessableEntity
	case apperr.IsNotFound(err):
		code = http.StatusNotFound
	default:
		s.log.Error("Request failed", "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error(), Code: string(apperr.CodeOf(err))})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
