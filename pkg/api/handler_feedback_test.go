package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/models"
)

func TestSubmitAndListFeedback(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		ConversationID: "conv-1",
		AgentID:        "chat-1",
		Rating:         5,
		Success:        true,
		Notes:          "spot on",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeBody[models.FeedbackRecord](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	f.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		ConversationID: "conv-2",
		Rating:         2,
	})

	rec = f.do(t, http.MethodGet, "/api/v1/feedback/recent?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	records := *decodeBody[[]*models.FeedbackRecord](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "conv-2", records[0].ConversationID)
}

func TestSubmitFeedbackValidation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/feedback", SubmitFeedbackRequest{
		ConversationID: "conv-1",
		Rating:         9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "validation", body.Error)
	assert.Contains(t, body.Message, "rating")
}

func TestFeedbackSummary(t *testing.T) {
	f := newServerFixture(t)
	for _, r := range []SubmitFeedbackRequest{
		{ConversationID: "conv-1", AgentID: "chat-1", Rating: 5, Success: true},
		{ConversationID: "conv-1", AgentID: "chat-1", Rating: 3},
		{ConversationID: "conv-2", AgentID: "other", Rating: 1},
	} {
		rec := f.do(t, http.MethodPost, "/api/v1/feedback", r)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/feedback/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeBody[models.FeedbackSummary](t, rec)
	assert.Equal(t, 3, all.Count)
	assert.InDelta(t, 3.0, all.AverageRating, 0.001)

	rec = f.do(t, http.MethodGet, "/api/v1/feedback/summary?agent_id=chat-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	one := decodeBody[models.FeedbackSummary](t, rec)
	assert.Equal(t, 2, one.Count)
	assert.InDelta(t, 0.5, one.SuccessRate, 0.001)
}
