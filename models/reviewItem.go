package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReviewQueueItem is one entry on the human worklist. It references the
// invoice through SourceRef but does not own it; the captured suggestion is a
// snapshot so later edits to the invoice cannot change what the reviewer saw.
type ReviewQueueItem struct {
	ID                 uuid.UUID        `gorm:"type:char(36);primary_key" json:"id"`
	ClientId           string           `gorm:"size:64;not null;index" json:"client_id" binding:"required"`
	Source             SourceRef        `gorm:"embedded" json:"source"`
	Priority           ReviewPriority   `gorm:"size:10;not null" json:"priority"`
	Status             ReviewItemStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	IssueCategory      IssueCategory    `gorm:"size:30;not null" json:"issue_category"`
	CapturedSuggestion *string          `gorm:"type:text" json:"captured_suggestion"`
	CapturedConfidence int              `gorm:"not null" json:"captured_confidence"`
	CapturedReasoning  string           `gorm:"type:text" json:"captured_reasoning"`
	ResolvedAt         *time.Time       `json:"resolved_at"`
	ResolvedBy         *string          `gorm:"size:100" json:"resolved_by"`
	ResolutionNotes    *string          `gorm:"type:text" json:"resolution_notes"`
	BulkApplied        *bool            `gorm:"default:false" json:"bulk_applied"`
	BulkApplyCount     int              `gorm:"default:0" json:"bulk_apply_count"`
	Version            int              `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ReviewQueueItem) TableName() string { return "review_queue_items" }

type NewReviewQueueItem struct {
	ClientId           string
	Source             SourceRef
	Priority           ReviewPriority
	IssueCategory      IssueCategory
	CapturedSuggestion *BookingSuggestion
	CapturedConfidence int
	CapturedReasoning  string
}

// CreateReviewQueueItem inserts on the caller's transaction so queueing the
// item and flipping the invoice status commit atomically.
func CreateReviewQueueItem(tx *gorm.DB, input *NewReviewQueueItem) (*ReviewQueueItem, error) {
	if err := input.Priority.Valid(); err != nil {
		return nil, err
	}
	if err := input.IssueCategory.Valid(); err != nil {
		return nil, err
	}
	raw, err := input.CapturedSuggestion.Marshal()
	if err != nil {
		return nil, err
	}
	item := ReviewQueueItem{
		ID:                 uuid.New(),
		ClientId:           input.ClientId,
		Source:             input.Source,
		Priority:           input.Priority,
		Status:             ReviewItemStatusPending,
		IssueCategory:      input.IssueCategory,
		CapturedConfidence: input.CapturedConfidence,
		CapturedReasoning:  input.CapturedReasoning,
	}
	if raw != "" {
		item.CapturedSuggestion = &raw
	}

	if err := tx.Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetReviewQueueItem(ctx context.Context, clientId string, id uuid.UUID) (*ReviewQueueItem, error) {
	return utils.FetchModel[ReviewQueueItem](ctx, clientId, id)
}

// ListOpenReviewQueueItems returns the client's worklist, urgent first.
func ListOpenReviewQueueItems(ctx context.Context, clientId string, limit int) ([]*ReviewQueueItem, error) {
	db := config.GetDB()
	var items []*ReviewQueueItem
	err := db.WithContext(ctx).
		Where("client_id = ? AND status IN ?", clientId, []ReviewItemStatus{ReviewItemStatusPending, ReviewItemStatusInProgress}).
		Order("FIELD(priority, 'urgent', 'high', 'medium', 'low'), created_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Suggestion parses the captured snapshot.
func (item *ReviewQueueItem) Suggestion() (*BookingSuggestion, error) {
	return ParseBookingSuggestion(item.CapturedSuggestion)
}

// MarkInProgress claims the item for a reviewer. Guarded by the version
// column so two reviewers cannot both claim it.
func (item *ReviewQueueItem) MarkInProgress(ctx context.Context, actor string) error {
	if !item.Status.CanTransitionTo(ReviewItemStatusInProgress) {
		return errors.New("review item is not pending")
	}
	db := config.GetDB()
	result := db.WithContext(ctx).Model(&ReviewQueueItem{}).
		Where("id = ? AND client_id = ? AND version = ?", item.ID, item.ClientId, item.Version).
		Updates(map[string]interface{}{
			"status":      ReviewItemStatusInProgress,
			"resolved_by": actor,
			"version":     item.Version + 1,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("review item was claimed concurrently")
	}
	item.Status = ReviewItemStatusInProgress
	item.Version++
	return nil
}
