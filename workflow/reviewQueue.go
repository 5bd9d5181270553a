package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RouteOutcome is either an auto-booked voucher or a queued review item,
// never both.
type RouteOutcome struct {
	AutoBooked bool
	Voucher    *VoucherResult
	Item       *models.ReviewQueueItem
}

// DerivePriority maps a score onto the worklist priority. A pattern-matched
// suggestion that still fell short carries only residual uncertainty.
func DerivePriority(result *ScoreResult) models.ReviewPriority {
	if result.Breakdown.PatternBoost > 0 {
		return models.ReviewPriorityLow
	}
	switch {
	case result.TotalScore < 25:
		return models.ReviewPriorityUrgent
	case result.TotalScore < 50:
		return models.ReviewPriorityHigh
	default:
		return models.ReviewPriorityMedium
	}
}

// DeriveIssueCategory names the weakest signal so the reviewer knows where to
// look first. Signals that earned at least half their weight are not flagged.
func DeriveIssueCategory(result *ScoreResult, suggestion *models.BookingSuggestion) models.IssueCategory {
	if suggestion.Empty() {
		return models.IssueCategoryManualReviewRequired
	}
	b := result.Breakdown
	category := models.IssueCategoryLowConfidence
	worstLoss := 0

	flag := func(earned, weight int, c models.IssueCategory) {
		if earned >= weight/2 {
			return
		}
		if loss := weight - earned; loss > worstLoss {
			worstLoss = loss
			category = c
		}
	}
	flag(b.VendorFamiliarity, weightVendorFamiliarity, models.IssueCategoryUnknownVendor)
	flag(b.TaxRateValidity, weightTaxRateValidity, models.IssueCategoryMissingVat)
	flag(b.AmountReasonableness, weightAmountReasonableness, models.IssueCategoryUnusualAmount)
	flag(b.HistoricalSimilarity, weightHistoricalSimilarity, models.IssueCategoryUnclearDescription)
	flag(b.AccountValidity, weightAccountValidity, models.IssueCategoryManualReviewRequired)
	return category
}

// checkRoutable rejects invoices that already left the routing stage: posted
// ones, queued ones, and rejected ones. Each invoice is routed at most once.
func checkRoutable(invoice *models.Invoice) error {
	if invoice.LedgerEntryId != nil {
		return ErrAlreadyPosted
	}
	switch invoice.ReviewStatus {
	case models.InvoiceReviewStatusNeedsReview:
		return fmt.Errorf("%w: invoice is already on the review queue", ErrAlreadyRouted)
	case models.InvoiceReviewStatusRejected:
		return fmt.Errorf("%w: invoice was rejected", ErrAlreadyRouted)
	}
	return nil
}

// Route decides the invoice's fate from its confidence result: post directly
// or put it on the human worklist. No review item is created for auto-booked
// invoices. The queue path commits item, invoice status and audit record in
// one transaction; re-routing an already-queued invoice fails AlreadyRouted
// instead of duplicating the item.
func Route(ctx context.Context, invoice *models.Invoice, result *ScoreResult, actor string) (*RouteOutcome, error) {
	logger := config.GetLogger()
	if err := checkRoutable(invoice); err != nil {
		return nil, err
	}

	if result.ShouldAutoApprove {
		voucher, err := CreateFromInvoice(ctx, &PostingInput{
			InvoiceId:     invoice.ID,
			ClientId:      invoice.ClientId,
			Actor:         actor,
			Confidence:    &result.TotalScore,
			Reasoning:     result.Reasoning,
			CorrelationId: correlationIdPtr(ctx),
		})
		if err != nil {
			return nil, err
		}
		if result.Breakdown.PatternBoost > 0 {
			if suggestion, serr := invoice.Suggestion(); serr == nil && suggestion != nil {
				if perr := RecordPatternApplication(ctx, invoice.ClientId, suggestion.VendorName, true); perr != nil {
					config.LogError(logger, "ReviewQueue.go", "Route", "Record pattern application", invoice.ID, perr)
				}
			}
		}
		return &RouteOutcome{AutoBooked: true, Voucher: voucher}, nil
	}

	suggestion, err := invoice.Suggestion()
	if err != nil {
		config.LogError(logger, "ReviewQueue.go", "Route", "Malformed suggestion payload", invoice.ID, err)
		suggestion = nil
	}

	db := config.GetDB()
	var item *models.ReviewQueueItem
	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check under row lock; a concurrent route or posting may have won.
		var current models.Invoice
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND client_id = ?", invoice.ID, invoice.ClientId).
			First(&current).Error; err != nil {
			return err
		}
		if err := checkRoutable(&current); err != nil {
			return err
		}

		var cerr error
		item, cerr = models.CreateReviewQueueItem(tx, &models.NewReviewQueueItem{
			ClientId:           invoice.ClientId,
			Source:             models.SourceRef{SourceKind: models.SourceKindInvoice, SourceId: invoice.ID},
			Priority:           DerivePriority(result),
			IssueCategory:      DeriveIssueCategory(result, suggestion),
			CapturedSuggestion: suggestion,
			CapturedConfidence: result.TotalScore,
			CapturedReasoning:  result.Reasoning,
		})
		if cerr != nil {
			return cerr
		}
		if err := tx.Model(&models.Invoice{}).
			Where("id = ? AND client_id = ? AND ledger_entry_id IS NULL", invoice.ID, invoice.ClientId).
			Update("review_status", models.InvoiceReviewStatusNeedsReview).Error; err != nil {
			return err
		}
		return models.CreateAuditRecord(tx, &models.NewAuditRecord{
			ClientId:    invoice.ClientId,
			Action:      models.AuditActionReviewQueued,
			EntityTable: models.ReviewQueueItem{}.TableName(),
			EntityId:    item.ID,
			Actor:       actor,
			After:       item,
		})
	})
	if txErr != nil {
		if errors.Is(txErr, ErrAlreadyPosted) || errors.Is(txErr, ErrAlreadyRouted) {
			return nil, txErr
		}
		config.LogError(logger, "ReviewQueue.go", "Route", "Queue transaction", invoice.ID, txErr)
		return nil, classifyDbErr(txErr)
	}
	return &RouteOutcome{Item: item}, nil
}

// lockResolvableItem loads the item under FOR UPDATE and verifies it is still
// open. The loser of two concurrent resolutions blocks here until the winner
// commits, then observes a terminal status.
func lockResolvableItem(tx *gorm.DB, clientId string, itemId uuid.UUID) (*models.ReviewQueueItem, error) {
	var item models.ReviewQueueItem
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND client_id = ?", itemId, clientId).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReviewItemNotFound
	}
	if err != nil {
		return nil, classifyDbErr(err)
	}
	if item.Status.Terminal() {
		return nil, fmt.Errorf("%w: already %s", ErrNotPending, item.Status)
	}
	return &item, nil
}

func finalizeItem(tx *gorm.DB, item *models.ReviewQueueItem, next models.ReviewItemStatus, actor string, notes *string) error {
	if !item.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrNotPending, item.Status, next)
	}
	now := time.Now().UTC()
	result := tx.Model(&models.ReviewQueueItem{}).
		Where("id = ? AND client_id = ? AND version = ?", item.ID, item.ClientId, item.Version).
		Updates(map[string]interface{}{
			"status":           next,
			"resolved_at":      now,
			"resolved_by":      actor,
			"resolution_notes": notes,
			"version":          item.Version + 1,
		})
	if result.Error != nil {
		return classifyDbErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}
	item.Status = next
	item.ResolvedAt = &now
	item.ResolvedBy = &actor
	item.ResolutionNotes = notes
	item.Version++
	return nil
}

// postForResolution posts on the resolution's own transaction, so the voucher
// and the item's terminal status commit or roll back together; a posted
// invoice can never coexist with a still-open item.
func postForResolution(ctx context.Context, tx *gorm.DB, input *PostingInput) (*VoucherResult, error) {
	prep, err := preparePosting(ctx, input)
	if err != nil {
		return nil, err
	}
	entry, err := prep.post(tx)
	if err != nil {
		if errors.Is(err, ErrAlreadyPosted) || errors.Is(err, ErrTransientFailure) {
			return nil, err
		}
		return nil, classifyDbErr(err)
	}
	return &VoucherResult{LedgerEntry: entry, VoucherNumber: entry.VoucherNumber}, nil
}

// Approve posts the captured suggestion unchanged. The captured snapshot's
// primary account is passed as the posting override, so a re-score of the
// invoice between queueing and approval cannot change what gets booked. The
// item row stays locked until the resolution commits, so a concurrent
// resolution fails NotPending.
func Approve(ctx context.Context, clientId string, itemId uuid.UUID, actor string, notes *string) (*VoucherResult, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classifyDbErr(tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, err := lockResolvableItem(tx, clientId, itemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	suggestion, err := item.Suggestion()
	if err != nil || suggestion.Empty() {
		tx.Rollback()
		return nil, ErrNoSuggestion
	}
	account, ok := suggestion.PrimaryExpenseAccount()
	if !ok {
		tx.Rollback()
		return nil, ErrNoSuggestion
	}

	voucher, err := postForResolution(ctx, tx, &PostingInput{
		InvoiceId:       item.Source.SourceId,
		ClientId:        clientId,
		Actor:           actor,
		OverrideAccount: &account,
		Confidence:      &item.CapturedConfidence,
		Reasoning:       fmt.Sprintf("approved by %s", actor),
		CorrelationId:   correlationIdPtr(ctx),
	})
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := finalizeItem(tx, item, models.ReviewItemStatusApproved, actor, notes); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.CreateAuditRecord(tx, &models.NewAuditRecord{
		ClientId:    clientId,
		Action:      models.AuditActionReviewApproved,
		EntityTable: models.ReviewQueueItem{}.TableName(),
		EntityId:    item.ID,
		Actor:       actor,
		After:       item,
		Reason:      notes,
	}); err != nil {
		tx.Rollback()
		return nil, classifyDbErr(err)
	}
	if err := tx.Commit().Error; err != nil {
		return nil, classifyDbErr(err)
	}

	recordResolutionFeedback(ctx, item, suggestion, account, account, actor)
	if err := MaybeSynthesizePattern(ctx, clientId, suggestion.VendorName, account); err != nil {
		config.LogError(logger, "ReviewQueue.go", "Approve", "Pattern synthesis", item.ID, err)
	}
	return voucher, nil
}

// Correct posts the reviewer's corrected booking and records which fields the
// AI got wrong.
func Correct(ctx context.Context, clientId string, itemId uuid.UUID, actor string, corrected *models.BookingSuggestion, notes *string) (*VoucherResult, error) {
	logger := config.GetLogger()
	if corrected.Empty() {
		return nil, ErrEmptyBooking
	}
	correctedAccount, ok := corrected.PrimaryExpenseAccount()
	if !ok {
		return nil, fmt.Errorf("%w: no debit line in corrected booking", ErrEmptyBooking)
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classifyDbErr(tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, err := lockResolvableItem(tx, clientId, itemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	captured, err := item.Suggestion()
	if err != nil {
		captured = nil
	}

	voucher, err := postForResolution(ctx, tx, &PostingInput{
		InvoiceId:       item.Source.SourceId,
		ClientId:        clientId,
		Actor:           actor,
		OverrideAccount: &correctedAccount,
		Confidence:      &item.CapturedConfidence,
		Reasoning:       fmt.Sprintf("corrected by %s", actor),
		CorrelationId:   correlationIdPtr(ctx),
	})
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := finalizeItem(tx, item, models.ReviewItemStatusCorrected, actor, notes); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.CreateAuditRecord(tx, &models.NewAuditRecord{
		ClientId:    clientId,
		Action:      models.AuditActionReviewCorrected,
		EntityTable: models.ReviewQueueItem{}.TableName(),
		EntityId:    item.ID,
		Actor:       actor,
		Before:      captured,
		After:       corrected,
		Reason:      notes,
	}); err != nil {
		tx.Rollback()
		return nil, classifyDbErr(err)
	}
	if err := tx.Commit().Error; err != nil {
		return nil, classifyDbErr(err)
	}

	capturedAccount := ""
	if captured != nil {
		capturedAccount, _ = captured.PrimaryExpenseAccount()
	}
	recordResolutionFeedback(ctx, item, corrected, capturedAccount, correctedAccount, actor)
	if err := MaybeSynthesizePattern(ctx, clientId, corrected.VendorName, correctedAccount); err != nil {
		config.LogError(logger, "ReviewQueue.go", "Correct", "Pattern synthesis", item.ID, err)
	}
	return voucher, nil
}

// Reject closes the item with no ledger effect and marks the invoice
// rejected, terminally.
func Reject(ctx context.Context, clientId string, itemId uuid.UUID, actor string, reason string) error {
	if reason == "" {
		return errors.New("rejection reason is mandatory")
	}
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return classifyDbErr(tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	item, err := lockResolvableItem(tx, clientId, itemId)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := finalizeItem(tx, item, models.ReviewItemStatusRejected, actor, &reason); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Model(&models.Invoice{}).
		Where("id = ? AND client_id = ? AND ledger_entry_id IS NULL", item.Source.SourceId, clientId).
		Update("review_status", models.InvoiceReviewStatusRejected).Error; err != nil {
		tx.Rollback()
		return classifyDbErr(err)
	}
	if err := models.CreateAuditRecord(tx, &models.NewAuditRecord{
		ClientId:    clientId,
		Action:      models.AuditActionReviewRejected,
		EntityTable: models.ReviewQueueItem{}.TableName(),
		EntityId:    item.ID,
		Actor:       actor,
		Reason:      &reason,
	}); err != nil {
		tx.Rollback()
		return classifyDbErr(err)
	}
	if err := tx.Commit().Error; err != nil {
		return classifyDbErr(err)
	}
	return nil
}

func recordResolutionFeedback(ctx context.Context, item *models.ReviewQueueItem, final *models.BookingSuggestion, suggestedAccount string, finalAccount string, actor string) {
	logger := config.GetLogger()

	captured, err := item.Suggestion()
	if err != nil {
		captured = nil
	}
	accountCorrect := suggestedAccount != "" && suggestedAccount == finalAccount
	vatCorrect, amountCorrect := diffBookingAmounts(captured, final)
	fully := accountCorrect && vatCorrect && amountCorrect

	invoice, err := models.GetInvoice(ctx, item.ClientId, item.Source.SourceId)
	var vendorId *uuid.UUID
	if err == nil {
		vendorId = invoice.VendorId
	}

	_, err = models.CreateCorrectionFeedback(ctx, &models.CorrectionFeedback{
		ClientId:         item.ClientId,
		ReviewItemId:     item.ID,
		InvoiceId:        item.Source.SourceId,
		VendorId:         vendorId,
		VendorName:       final.VendorName,
		SuggestedAccount: suggestedAccount,
		FinalAccount:     finalAccount,
		AccountCorrect:   &accountCorrect,
		VatCorrect:       &vatCorrect,
		AmountCorrect:    &amountCorrect,
		FullyConfirmed:   &fully,
		Confidence:       item.CapturedConfidence,
		ResolvedBy:       actor,
	})
	if err != nil {
		config.LogError(logger, "ReviewQueue.go", "recordResolutionFeedback", "Create feedback record", item.ID, err)
	}
}

// diffBookingAmounts compares tax and total debits between the captured and
// the final booking. A missing captured suggestion counts as incorrect on
// both fields.
func diffBookingAmounts(captured *models.BookingSuggestion, final *models.BookingSuggestion) (vatCorrect bool, amountCorrect bool) {
	if captured == nil || final == nil {
		return false, false
	}
	capturedDebit, capturedTax := bookingTotals(captured)
	finalDebit, finalTax := bookingTotals(final)
	return capturedTax.Equal(finalTax), capturedDebit.Equal(finalDebit)
}

func correlationIdPtr(ctx context.Context) *string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return &id
	}
	return nil
}

func bookingTotals(s *models.BookingSuggestion) (debitTotal, taxTotal decimal.Decimal) {
	debitTotal = decimal.Zero
	taxTotal = decimal.Zero
	for _, line := range s.Lines {
		debitTotal = debitTotal.Add(line.Debit)
		if line.TaxCode != "" {
			taxTotal = taxTotal.Add(line.Debit)
		}
	}
	return debitTotal, taxTotal
}
