package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{0, ErrorTypeNetwork},
		{200, ""},
		{304, ""},
		{401, ErrorTypeAuth},
		{403, ErrorTypeAuth},
		{404, ErrorTypeNotFound},
		{407, ErrorTypeProxy},
		{408, ErrorTypeNetwork},
		{429, ErrorTypeRateLimit},
		{451, ErrorTypeBlocked},
		{500, ErrorTypeServerError},
		{503, ErrorTypeServerError},
		{418, ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrorTypeNetwork))
	assert.True(t, IsRetryable(ErrorTypeRateLimit))
	assert.True(t, IsRetryable(ErrorTypeProxy))
	assert.True(t, IsRetryable(ErrorTypeServerError))
	assert.False(t, IsRetryable(ErrorTypeAuth))
	assert.False(t, IsRetryable(ErrorTypeBlocked))
	assert.False(t, IsRetryable(ErrorTypeConfig))

	assert.True(t, IsRetryableStatusCode(502))
	assert.False(t, IsRetryableStatusCode(403))
}

func TestTypeOf(t *testing.T) {
	wrapped := fmt.Errorf("fetch: %w", New(ErrorTypeRateLimit, 429, "slow down"))
	assert.Equal(t, ErrorTypeRateLimit, TypeOf(wrapped))

	exhausted := &NoHealthyProxiesError{PoolSize: 3, Cooldown: 3}
	assert.True(t, Is(exhausted, ErrNoHealthyProxies))
	assert.Equal(t, ErrorTypePoolExhausted, TypeOf(fmt.Errorf("acquire: %w", exhausted)))

	assert.Equal(t, ErrorTypeConfig, TypeOf(fmt.Errorf("limiter: %w", ErrInvalidConfig)))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(fmt.Errorf("boom")))
	assert.Equal(t, ErrorType(""), TypeOf(nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(ErrorTypeNetwork, cause, "read body")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network error")
	assert.Contains(t, err.Error(), "connection reset")
}
