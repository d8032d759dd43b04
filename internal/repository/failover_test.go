package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestFailoverRateLimiter(t *testing.T) {
	primary := new(mockLimiter)
	fallback := new(mockLimiter)
	logger := zerolog.New(io.Discard)
	limiter := NewFailoverRateLimiter(primary, fallback, &logger)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Allow", ctx, "k", 5, time.Minute).Return(true, nil).Once()

		ok, err := limiter.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, limiter.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailure", func(t *testing.T) {
		primary.On("Allow", ctx, "k", 5, time.Minute).Return(false, errors.New("redis down")).Once()
		fallback.On("Allow", ctx, "k", 5, time.Minute).Return(true, nil).Once()

		ok, err := limiter.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, limiter.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallback", func(t *testing.T) {
		fallback.On("Allow", ctx, "k", 5, time.Minute).Return(false, nil).Once()

		ok, err := limiter.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.False(t, ok)
		fallback.AssertExpectations(t)
	})

	t.Run("Recovery", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		primary.On("Allow", ctx, "k", 5, time.Minute).Return(true, nil).Once()

		ok, err := limiter.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, limiter.Degraded())
		primary.AssertExpectations(t)
	})
}
