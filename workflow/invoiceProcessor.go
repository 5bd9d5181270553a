package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoiceProcessor is the worker pool's claim loop: it atomically claims
// batches of pending invoices and runs score -> route per invoice. Claims use
// SKIP LOCKED so two workers never take the same invoice; stale claims from a
// crashed worker are reclaimed after LockTimeout.
type InvoiceProcessor struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	WorkerID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	InitialBackoff time.Duration
}

func NewInvoiceProcessor(db *gorm.DB, logger *logrus.Logger) *InvoiceProcessor {
	return &InvoiceProcessor{
		DB:             db,
		Logger:         logger,
		WorkerID:       uuid.NewString(),
		BatchSize:      20,
		PollInterval:   2 * time.Second,
		LockTimeout:    5 * time.Minute,
		InitialBackoff: time.Second,
	}
}

func (p *InvoiceProcessor) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.PollInterval):
		}
	}
}

func (p *InvoiceProcessor) processOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTimeout)
	db := p.DB
	if db == nil {
		return
	}

	var claimed []models.Invoice
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - pending, scored payload present, never claimed
		// - claimed but lock is stale (worker crashed mid-batch)
		q := tx.
			Where("review_status = ? AND ledger_entry_id IS NULL", models.InvoiceReviewStatusPending).
			Where("ai_suggestion IS NOT NULL").
			Where("claimed_at IS NULL OR claimed_at <= ?", staleBefore).
			Order("created_at ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(claimed))
		for i := range claimed {
			claimed[i].ClaimedAt = &now
			claimed[i].ClaimedBy = &p.WorkerID
			ids = append(ids, claimed[i].ID)
		}
		return tx.Model(&models.Invoice{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"claimed_at": now,
				"claimed_by": p.WorkerID,
			}).Error
	})
	if err != nil {
		config.LogError(p.Logger, "InvoiceProcessor.go", "processOnce", "Claim batch", p.WorkerID, err)
		return
	}

	for i := range claimed {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processInvoice(ctx, &claimed[i])
	}
}

func (p *InvoiceProcessor) processInvoice(ctx context.Context, invoice *models.Invoice) {
	logger := p.Logger
	attempts := config.TransientRetryAttempts()

	err := WithTransientRetry(ctx, attempts, p.InitialBackoff, func() error {
		result, err := ScoreInvoice(ctx, invoice)
		if err != nil {
			return err
		}
		_, err = Route(ctx, invoice, result, "system:"+p.WorkerID)
		return err
	})
	if err != nil {
		config.LogError(logger, "InvoiceProcessor.go", "processInvoice", "Score and route", invoice.ID, err)
		// Escalate instead of dropping; the invoice would otherwise be
		// re-claimed and fail the same way forever. AlreadyPosted and
		// AlreadyRouted just mean another worker won.
		if !errors.Is(err, ErrAlreadyPosted) && !errors.Is(err, ErrAlreadyRouted) {
			p.escalateProcessingError(ctx, invoice, err)
		}
	}

	// Release the claim regardless of outcome; a routed or escalated invoice
	// is no longer pending and will not be re-claimed.
	if rerr := p.DB.WithContext(ctx).Model(&models.Invoice{}).
		Where("id = ? AND claimed_by = ?", invoice.ID, p.WorkerID).
		Updates(map[string]interface{}{"claimed_at": nil, "claimed_by": nil}).Error; rerr != nil {
		config.LogError(logger, "InvoiceProcessor.go", "processInvoice", "Release claim", invoice.ID, rerr)
	}
}

// escalateProcessingError puts the invoice on the review queue instead of
// dropping it after the retry budget is spent.
func (p *InvoiceProcessor) escalateProcessingError(ctx context.Context, invoice *models.Invoice, cause error) {
	logger := p.Logger
	suggestion, serr := invoice.Suggestion()
	if serr != nil {
		suggestion = nil
	}
	confidence := 0
	if invoice.AiConfidence != nil {
		confidence = *invoice.AiConfidence
	}
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, cerr := models.CreateReviewQueueItem(tx, &models.NewReviewQueueItem{
			ClientId:           invoice.ClientId,
			Source:             models.SourceRef{SourceKind: models.SourceKindInvoice, SourceId: invoice.ID},
			Priority:           models.ReviewPriorityHigh,
			IssueCategory:      models.IssueCategoryProcessingError,
			CapturedSuggestion: suggestion,
			CapturedConfidence: confidence,
			CapturedReasoning:  "automatic processing failed: " + cause.Error(),
		})
		if cerr != nil {
			return cerr
		}
		return tx.Model(&models.Invoice{}).
			Where("id = ? AND client_id = ? AND ledger_entry_id IS NULL", invoice.ID, invoice.ClientId).
			Update("review_status", models.InvoiceReviewStatusNeedsReview).Error
	})
	if err != nil {
		config.LogError(logger, "InvoiceProcessor.go", "escalateProcessingError", "Escalate to review queue", invoice.ID, err)
	}
}
