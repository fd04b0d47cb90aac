package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason categorizes why a provider request failed. The agent turns a
// provider error into an error event, and the retry loop consults the reason
// before the stream is handed to the agent.
type ErrorReason string

const (
	ReasonRateLimit        ErrorReason = "rate_limit"
	ReasonAuth             ErrorReason = "auth"
	ReasonBilling          ErrorReason = "billing"
	ReasonTimeout          ErrorReason = "timeout"
	ReasonServerError      ErrorReason = "server_error"
	ReasonInvalidRequest   ErrorReason = "invalid_request"
	ReasonModelUnavailable ErrorReason = "model_unavailable"
	ReasonContentFilter    ErrorReason = "content_filter"
	ReasonUnknown          ErrorReason = "unknown"
)

// IsRetryable reports whether another attempt may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	}
	return false
}

// ProviderError is a classified failure from an LLM vendor API.
type ProviderError struct {
	Reason    ErrorReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: [%s]", e.Provider, e.Reason)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// newProviderError classifies cause from its status, vendor code and message,
// in that order of precedence.
func newProviderError(provider, model string, status int, code, message string, cause error) *ProviderError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	reason := classifyCode(code)
	if reason == ReasonUnknown {
		reason = classifyStatus(status)
	}
	if reason == ReasonUnknown && cause != nil {
		reason = ClassifyError(cause)
	}
	return &ProviderError{
		Reason:   reason,
		Provider: provider,
		Model:    model,
		Status:   status,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

func classifyStatus(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	}
	return ReasonUnknown
}

var codeReasons = map[string]ErrorReason{
	"rate_limit_error":         ReasonRateLimit,
	"rate_limit_exceeded":      ReasonRateLimit,
	"authentication_error":     ReasonAuth,
	"permission_error":         ReasonAuth,
	"invalid_api_key":          ReasonAuth,
	"billing_error":            ReasonBilling,
	"insufficient_quota":       ReasonBilling,
	"not_found_error":          ReasonModelUnavailable,
	"model_not_found":          ReasonModelUnavailable,
	"content_filter":           ReasonContentFilter,
	"content_policy_violation": ReasonContentFilter,
	"api_error":                ReasonServerError,
	"overloaded_error":         ReasonServerError,
	"server_error":             ReasonServerError,
	"invalid_request_error":    ReasonInvalidRequest,

	// Bedrock exception names.
	"throttlingexception":           ReasonRateLimit,
	"servicequotaexceededexception": ReasonRateLimit,
	"accessdeniedexception":         ReasonAuth,
	"unrecognizedclientexception":   ReasonAuth,
	"validationexception":           ReasonInvalidRequest,
	"resourcenotfoundexception":     ReasonModelUnavailable,
	"modelnotreadyexception":        ReasonModelUnavailable,
	"modeltimeoutexception":         ReasonTimeout,
	"internalserverexception":       ReasonServerError,
	"serviceunavailableexception":   ReasonServerError,
	"modelstreamerrorexception":     ReasonServerError,
}

func classifyCode(code string) ErrorReason {
	if reason, ok := codeReasons[strings.ToLower(code)]; ok {
		return reason
	}
	return ReasonUnknown
}

// messagePatterns is checked in order; the first reason with a matching
// substring wins.
var messagePatterns = []struct {
	reason   ErrorReason
	patterns []string
}{
	{ReasonTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "resource exhausted", "resource_exhausted", "429"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ReasonBilling, []string{"billing", "payment", "quota", "402"}},
	{ReasonContentFilter, []string{"content_filter", "content policy"}},
	{ReasonModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{ReasonServerError, []string{
		"internal server", "server error", "bad gateway", "service unavailable", "overloaded",
		"connection reset", "connection refused", "500", "502", "503", "504",
	}},
}

// ClassifyError derives a reason from an unstructured error.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason
	}
	msg := strings.ToLower(err.Error())
	for _, group := range messagePatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.reason
			}
		}
	}
	return ReasonUnknown
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return ClassifyError(err).IsRetryable()
}
