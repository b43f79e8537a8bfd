package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store/inmemory"
)

func newService() *FeedbackService {
	return NewFeedbackService(inmemory.NewRelational().Feedback())
}

func TestSubmitAndRecent(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first, err := svc.Submit(ctx, &models.FeedbackRecord{
		ConversationID: "conv-1",
		AgentID:        "chat-1",
		Rating:         4,
		Success:        true,
		Notes:          "helpful",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = svc.Submit(ctx, &models.FeedbackRecord{
		ConversationID: "conv-2",
		Rating:         2,
	})
	require.NoError(t, err)

	recent, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "conv-2", recent[0].ConversationID, "newest first")
}

func TestSubmitValidation(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, err := svc.Submit(ctx, &models.FeedbackRecord{Rating: 3})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = svc.Submit(ctx, &models.FeedbackRecord{ConversationID: "c", Rating: 0})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = svc.Submit(ctx, &models.FeedbackRecord{ConversationID: "c", Rating: 6})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestSummary(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	ratings := []struct {
		rating  int
		success bool
		agent   string
	}{
		{5, true, "chat-1"},
		{3, false, "chat-1"},
		{1, false, "other"},
	}
	for _, r := range ratings {
		_, err := svc.Submit(ctx, &models.FeedbackRecord{
			ConversationID: "conv",
			AgentID:        r.agent,
			Rating:         r.rating,
			Success:        r.success,
		})
		require.NoError(t, err)
	}

	all, err := svc.Summary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Count)
	assert.InDelta(t, 3.0, all.AverageRating, 0.001)
	assert.InDelta(t, 1.0/3.0, all.SuccessRate, 0.001)

	one, err := svc.Summary(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, 2, one.Count)
	assert.InDelta(t, 4.0, one.AverageRating, 0.001)
	assert.InDelta(t, 0.5, one.SuccessRate, 0.001)
}

func TestRecentLimitBounds(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	for range 3 {
		_, err := svc.Submit(ctx, &models.FeedbackRecord{ConversationID: "c", Rating: 3})
		require.NoError(t, err)
	}

	recent, err := svc.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	recent, err = svc.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
