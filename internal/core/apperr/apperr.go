// Package apperr defines the coded error taxonomy shared by the orchestrator,
// the provider adapters and the HTTP surface.
package apperr

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeValidationInvalid    Code = "identify.validation.invalid_input"
	CodeProviderFailure      Code = "provider.call.failure"
	CodeProviderTimeout      Code = "provider.call.timeout"
	CodeShortCircuit         Code = "breaker.short_circuit"
	CodeNoEligibleProviders  Code = "orchestrator.providers.none_eligible"
	CodeProviderNotFound     Code = "orchestrator.providers.not_found"
	CodeProviderDuplicate    Code = "orchestrator.providers.conflict"
	CodeConfigLoadFailure    Code = "config.load.read.failure"
	CodeConfigParseInvalid   Code = "config.parse.invalid_format"
	CodeConfigValidateFailed Code = "config.validate.invalid_value"
	CodeCacheFailure         Code = "cache.backend.failure"
	CodeJournalFailure       Code = "journal.database.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldCategory(value string) Attr {
	return Field("category", value)
}

func FieldRequestID(value string) Attr {
	return Field("request_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

// Validation builds a ValidationError: malformed or oversized input, the
// caller's fault, never counted against a provider's breaker.
func Validation(format string, args ...any) error {
	return Errorf(CodeValidationInvalid, format, args...)
}

// Provider wraps an upstream failure as a ProviderError.
func Provider(err error, provider string) error {
	return Wrap(err, CodeProviderFailure, "provider call failed", FieldProvider(provider))
}

// Timeout wraps a deadline failure as a TimeoutError.
func Timeout(err error, provider string) error {
	return Wrap(err, CodeProviderTimeout, "provider call timed out", FieldProvider(provider))
}

// ShortCircuit wraps a breaker rejection. The provider was not called.
func ShortCircuit(err error, provider string) error {
	return Wrap(err, CodeShortCircuit, "provider short-circuited", FieldProvider(provider))
}

// NoEligibleProviders is returned when no registered provider supports the
// requested category.
func NoEligibleProviders(category string) error {
	return New(
		CodeNoEligibleProviders,
		fmt.Sprintf("no provider supports category %q", category),
		FieldCategory(category),
	)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}
	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}
	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsValidation(err error) bool {
	return reason(CodeOf(err)) == "invalid_input"
}

func IsNoEligibleProviders(err error) bool {
	return HasCode(err, CodeNoEligibleProviders)
}

// IsTimeout reports a coded timeout or any context deadline in the chain.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if reason(CodeOf(err)) == "timeout" {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

func IsShortCircuit(err error) bool {
	return reason(CodeOf(err)) == "short_circuit"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

// reason returns the last dotted segment of a code.
func reason(code Code) string {
	s := string(code)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func flatten(fields []Attr) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
