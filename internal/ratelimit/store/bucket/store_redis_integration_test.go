//go:build integration

package bucket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonledger/internal/ratelimit/models"
	"carbonledger/pkg/testutil/containers"
)

func TestRedisBucketStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rc := containers.GetManager().GetRedis(t)
	ctx := context.Background()
	require.NoError(t, rc.FlushAll(ctx))

	s := NewRedisBucketStore(rc.Client)
	limit := models.Limit{Requests: 2, Window: time.Minute}

	first, err := s.Allow(ctx, "carbon:rl:write:alice", limit)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second, err := s.Allow(ctx, "carbon:rl:write:alice", limit)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third, err := s.Allow(ctx, "carbon:rl:write:alice", limit)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Positive(t, third.RetryAfter)
	assert.WithinDuration(t, time.Now().Add(time.Minute), third.ResetAt, 5*time.Second)

	other, err := s.Allow(ctx, "carbon:rl:write:bob", limit)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}
