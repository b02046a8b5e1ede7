package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCategory  Category
		wantSeverity  Severity
		wantRetryable bool
	}{
		{
			name:          "nil error is unknown",
			err:           nil,
			wantCategory:  CategoryUnknown,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "401 status is auth",
			err:           &HTTPError{Status: 401, Message: "token expired"},
			wantCategory:  CategoryAuth,
			wantSeverity:  SeverityHigh,
			wantRetryable: true,
		},
		{
			name:          "invalid_grant message is auth",
			err:           errors.New("oauth exchange failed: invalid_grant"),
			wantCategory:  CategoryAuth,
			wantSeverity:  SeverityHigh,
			wantRetryable: true,
		},
		{
			name:          "429 status wins over auth-looking message",
			err:           &HTTPError{Status: 429, Message: "unauthorized request rate"},
			wantCategory:  CategoryRateLimit,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "unmapped status falls back to message matching",
			err:           &HTTPError{Status: 418, Message: "connection reset"},
			wantCategory:  CategoryNetwork,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "429 status is rate limit",
			err:           &HTTPError{Status: 429, Message: "slow down"},
			wantCategory:  CategoryRateLimit,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "quota message is rate limit",
			err:           errors.New("daily quota exceeded"),
			wantCategory:  CategoryRateLimit,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "connection refused is network",
			err:           errors.New("dial tcp 10.0.0.1:443: econnrefused"),
			wantCategory:  CategoryNetwork,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "timeout is network",
			err:           fmt.Errorf("provider call: %w", errors.New("context deadline exceeded (timeout)")),
			wantCategory:  CategoryNetwork,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
		{
			name:          "403 status is permission",
			err:           &HTTPError{Status: 403, Message: "nope"},
			wantCategory:  CategoryPermission,
			wantSeverity:  SeverityHigh,
			wantRetryable: false,
		},
		{
			name:          "insufficient scope is permission",
			err:           errors.New("insufficient_scope for calendar.readonly"),
			wantCategory:  CategoryPermission,
			wantSeverity:  SeverityHigh,
			wantRetryable: false,
		},
		{
			name:          "422 status is validation",
			err:           &HTTPError{Status: 422, Message: "provider item has no id"},
			wantCategory:  CategoryValidation,
			wantSeverity:  SeverityMedium,
			wantRetryable: false,
		},
		{
			name:          "malformed message is validation",
			err:           errors.New("malformed normalize payload"),
			wantCategory:  CategoryValidation,
			wantSeverity:  SeverityMedium,
			wantRetryable: false,
		},
		{
			name:          "503 status is system",
			err:           &HTTPError{Status: 503, Message: "maintenance"},
			wantCategory:  CategorySystem,
			wantSeverity:  SeverityHigh,
			wantRetryable: true,
		},
		{
			name:          "server error message is system",
			err:           errors.New("upstream server error"),
			wantCategory:  CategorySystem,
			wantSeverity:  SeverityHigh,
			wantRetryable: true,
		},
		{
			name:          "unmatched error is unknown",
			err:           errors.New("something odd happened"),
			wantCategory:  CategoryUnknown,
			wantSeverity:  SeverityMedium,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			assert.Equal(t, tt.wantCategory, cls.Category)
			assert.Equal(t, tt.wantSeverity, cls.Severity)
			assert.Equal(t, tt.wantRetryable, cls.Retryable)
			assert.NotEmpty(t, cls.RecoveryStrategies)
		})
	}
}

func TestClassify_WrappedHTTPError(t *testing.T) {
	inner := &HTTPError{Status: 429, Message: "slow down"}
	wrapped := fmt.Errorf("page 3 import: %w", inner)

	cls := Classify(wrapped)
	assert.Equal(t, CategoryRateLimit, cls.Category)
}

func TestClassify_AuthStrategies(t *testing.T) {
	cls := Classify(&HTTPError{Status: 401, Code: "invalid_grant", Message: "grant revoked"})

	require.Len(t, cls.RecoveryStrategies, 2)
	assert.Equal(t, "refresh_token", cls.RecoveryStrategies[0].Action)
	assert.True(t, cls.RecoveryStrategies[0].Automatic)
	assert.Equal(t, "reauthenticate", cls.RecoveryStrategies[1].Action)
	assert.False(t, cls.RecoveryStrategies[1].Automatic)
}

func TestHTTPError_Error(t *testing.T) {
	withCode := &HTTPError{Status: 401, Code: "invalid_grant", Message: "grant revoked"}
	assert.Equal(t, "invalid_grant: grant revoked", withCode.Error())

	withoutCode := &HTTPError{Status: 500, Message: "boom"}
	assert.Equal(t, "boom", withoutCode.Error())
	assert.Equal(t, 500, withoutCode.StatusCode())
}
