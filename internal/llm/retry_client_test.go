package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/errors"
)

func TestRetryClientRetriesTransientFailures(t *testing.T) {
	calls := 0
	inner := &MockClient{
		RespondFunc: func(req CompletionRequest) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.NewTransientError(assert.AnError, "")
			}
			return "ok", nil
		},
	}

	client := NewRetryClient(inner, errors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, nil)

	resp, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []Message{UserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, calls)
}

func TestRetryClientSurfacesPermanentFailure(t *testing.T) {
	inner := NewFailingMockClient(errors.NewPermanentError(assert.AnError, "bad request"))
	client := NewRetryClient(inner, errors.DefaultRetryConfig(), nil)

	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.RequestCount())
}

func TestMockClientReplaysScript(t *testing.T) {
	mock := NewMockClient("first", "second")
	ctx := context.Background()

	r1, err := mock.Complete(ctx, CompletionRequest{})
	require.NoError(t, err)
	r2, err := mock.Complete(ctx, CompletionRequest{})
	require.NoError(t, err)
	r3, err := mock.Complete(ctx, CompletionRequest{})
	require.NoError(t, err)

	assert.Equal(t, "first", r1.Content)
	assert.Equal(t, "second", r2.Content)
	assert.Equal(t, "second", r3.Content) // last response repeats
}
