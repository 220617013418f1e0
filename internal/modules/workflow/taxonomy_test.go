package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, ""},
		{"typed error wins over message", NewError(CategoryDatabase, errors.New("rate limit reached")), CategoryDatabase},
		{"wrapped typed error", fmt.Errorf("run failed: %w", Errorf(CategoryAIError, "no orders after 3 attempts")), CategoryAIError},
		{"deadline", fmt.Errorf("generate: %w", context.DeadlineExceeded), CategoryTimeout},
		{"affordability signal", errors.New("This request requires more credits, or fewer max_tokens. You can only afford 812"), CategoryRateLimit},
		{"http 429", errors.New("status 429: slow down"), CategoryRateLimit},
		{"quota", errors.New("You exceeded your current quota"), CategoryRateLimit},
		{"429 naming the key", errors.New("429: rate limit exceeded for this API key"), CategoryRateLimit},
		{"quota on a key", errors.New("API key has exceeded its quota"), CategoryRateLimit},
		{"bad key", errors.New("Incorrect API key provided"), CategoryAPIKey},
		{"http 401", errors.New("provider returned 401"), CategoryAPIKey},
		{"amount containing 401 digits", errors.New("malformed payload near $4010"), CategoryAIError},
		{"timeout text", errors.New("request timed out"), CategoryTimeout},
		{"database", errors.New("failed to insert trade order: UNIQUE constraint failed"), CategoryDatabase},
		{"broker", errors.New("broker returned status 502"), CategoryDataFetch},
		{"truncated output", errors.New("response truncated at dangling key"), CategoryAIError},
		{"unknown", errors.New("something odd happened"), CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCategorizedError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewError(CategoryOther, base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "boom", err.Error())
	assert.Nil(t, NewError(CategoryOther, nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(Errorf(CategoryAIError, "bad output")))
	assert.False(t, Retryable(errors.New("broker down")))
}
