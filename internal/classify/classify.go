// Package classify turns heterogeneous runtime failures into structured
// classifications that drive retry decisions and recovery recommendations.
package classify

import (
	"errors"
	"strings"
)

// Category identifies the broad class of a failure.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryRateLimit  Category = "rate_limit"
	CategoryNetwork    Category = "network"
	CategoryPermission Category = "permission"
	CategoryValidation Category = "validation"
	CategorySystem     Category = "system"
	CategoryUnknown    Category = "unknown"
)

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy is a recovery action suggested for a classified failure.
// Automatic strategies can be applied without user involvement.
type Strategy struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	Automatic   bool   `json:"automatic"`
}

// Classification is the structured result of classifying one failure.
// Computed fresh per error, never cached across different errors.
type Classification struct {
	Category           Category   `json:"category"`
	Severity           Severity   `json:"severity"`
	Retryable          bool       `json:"retryable"`
	RecoveryStrategies []Strategy `json:"recovery_strategies"`
}

// HTTPError carries a provider or persistence failure together with its
// HTTP status and optional machine-readable code. Producing these at the
// error's origin keeps classification structural instead of textual.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// StatusCode returns the HTTP status associated with the error.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

// statusCoder is satisfied by any error that knows its HTTP status.
type statusCoder interface {
	StatusCode() int
}

// Classify maps an arbitrary failure to a Classification. Rules are
// evaluated in order and the first match wins; a known HTTP status is
// decisive and message substrings are consulted only without one. A nil
// error yields the unknown default. Classify never panics.
func Classify(err error) Classification {
	if err == nil {
		return unknownClassification()
	}

	status := 0
	var sc statusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}

	if status > 0 {
		switch {
		case status == 401:
			return authClassification()
		case status == 429:
			return rateLimitClassification()
		case status == 403:
			return permissionClassification()
		case status == 400 || status == 422:
			return validationClassification()
		case status >= 500:
			return systemClassification()
		}
		// Unmapped statuses fall through to message matching.
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "unauthorized", "invalid_grant", "invalid grant", "invalid_token", "invalid token"):
		return authClassification()

	case containsAny(msg, "rate limit", "rate_limit", "quota", "too many requests"):
		return rateLimitClassification()

	case containsAny(msg, "econnrefused", "enotfound", "etimedout", "connection", "network", "timeout", "fetch failed"):
		return networkClassification()

	case containsAny(msg, "forbidden", "permission denied", "permission_denied", "insufficient_scope", "insufficient scope"):
		return permissionClassification()

	case containsAny(msg, "invalid input", "malformed", "bad request"):
		return validationClassification()

	case containsAny(msg, "internal", "server error", "service unavailable"):
		return systemClassification()

	default:
		return unknownClassification()
	}
}

func authClassification() Classification {
	return Classification{
		Category:  CategoryAuth,
		Severity:  SeverityHigh,
		Retryable: true,
		RecoveryStrategies: []Strategy{
			{Action: "refresh_token", Description: "Refresh the provider access token", Automatic: true},
			{Action: "reauthenticate", Description: "Re-authenticate with the provider", Automatic: false},
		},
	}
}

func rateLimitClassification() Classification {
	return Classification{
		Category:  CategoryRateLimit,
		Severity:  SeverityMedium,
		Retryable: true,
		RecoveryStrategies: []Strategy{
			{Action: "backoff", Description: "Retry with exponential backoff", Automatic: true},
			{Action: "reduce_frequency", Description: "Reduce sync frequency", Automatic: false},
		},
	}
}

func networkClassification() Classification {
	return Classification{
		Category:  CategoryNetwork,
		Severity:  SeverityMedium,
		Retryable: true,
		RecoveryStrategies: []Strategy{
			{Action: "retry", Description: "Retry the operation now", Automatic: true},
			{Action: "check_connectivity", Description: "Check network connectivity", Automatic: false},
		},
	}
}

func permissionClassification() Classification {
	return Classification{
		Category:  CategoryPermission,
		Severity:  SeverityHigh,
		Retryable: false,
		RecoveryStrategies: []Strategy{
			{Action: "review_permissions", Description: "Review granted provider permissions", Automatic: false},
			{Action: "reauthorize", Description: "Re-authorize with the required scopes", Automatic: false},
		},
	}
}

func validationClassification() Classification {
	return Classification{
		Category:  CategoryValidation,
		Severity:  SeverityMedium,
		Retryable: false,
		RecoveryStrategies: []Strategy{
			{Action: "check_data", Description: "Check the data format of the failing items", Automatic: false},
			{Action: "update_settings", Description: "Update sync settings", Automatic: false},
		},
	}
}

func systemClassification() Classification {
	return Classification{
		Category:  CategorySystem,
		Severity:  SeverityHigh,
		Retryable: true,
		RecoveryStrategies: []Strategy{
			{Action: "retry_later", Description: "Retry after the provider recovers", Automatic: true},
			{Action: "contact_support", Description: "Contact support if the problem persists", Automatic: false},
		},
	}
}

func unknownClassification() Classification {
	return Classification{
		Category:  CategoryUnknown,
		Severity:  SeverityMedium,
		Retryable: true,
		RecoveryStrategies: []Strategy{
			{Action: "retry", Description: "Retry the operation", Automatic: true},
			{Action: "review_logs", Description: "Review logs for details", Automatic: false},
		},
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
