// Package services holds the control-plane business logic that sits
// between the HTTP handlers and the stores.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

const (
	minRating = 1
	maxRating = 5

	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

// FeedbackService records and aggregates append-only feedback on
// conversations. Feedback never mutates core state; the summary is a
// read model for downstream consumers.
type FeedbackService struct {
	repo store.FeedbackRepo
}

// NewFeedbackService creates a feedback service.
func NewFeedbackService(repo store.FeedbackRepo) *FeedbackService {
	return &FeedbackService{repo: repo}
}

// Submit validates and appends one feedback record.
func (s *FeedbackService) Submit(ctx context.Context, record *models.FeedbackRecord) (*models.FeedbackRecord, error) {
	if record.ConversationID == "" {
		return nil, NewValidationError("conversation_id", "conversation_id is required")
	}
	if record.Rating < minRating || record.Rating > maxRating {
		return nil, NewValidationError("rating",
			fmt.Sprintf("rating must be between %d and %d", minRating, maxRating))
	}

	record.ID = uuid.NewString()
	record.CreatedAt = time.Now()
	if err := s.repo.Append(ctx, record); err != nil {
		return nil, fmt.Errorf("appending feedback: %w", err)
	}
	return record, nil
}

// Recent returns the newest feedback records, bounded.
func (s *FeedbackService) Recent(ctx context.Context, limit int) ([]*models.FeedbackRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return s.repo.Recent(ctx, limit)
}

// Summary aggregates feedback, optionally filtered to one agent.
func (s *FeedbackService) Summary(ctx context.Context, agentID string) (*models.FeedbackSummary, error) {
	return s.repo.Summary(ctx, agentID)
}
