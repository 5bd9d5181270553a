package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/models"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostingInput struct {
	InvoiceId       uuid.UUID
	ClientId        string
	Actor           string
	AccountingDate  *time.Time
	OverrideAccount *string
	Confidence      *int
	Reasoning       string
	CorrelationId   *string
}

type VoucherResult struct {
	LedgerEntry   *models.LedgerEntry
	VoucherNumber string
}

// systemAccountSet is the resolved per-client account triple every automatic
// posting books against.
type systemAccountSet struct {
	Payable  string
	InputTax string
	Expense  string
}

// BuildVoucherLines constructs the standard automatic booking shape: one
// debit line for the tax-exclusive amount, one debit line for the tax against
// the input-tax account when tax > 0, one credit line for the total against
// payables. Pure; no storage access.
func BuildVoucherLines(invoice *models.Invoice, expenseAccount string, accounts systemAccountSet, confidence *int, reasoning string) []models.LedgerLine {
	lines := make([]models.LedgerLine, 0, 3)
	lineNo := 1

	lines = append(lines, models.LedgerLine{
		LineNumber:    lineNo,
		AccountNumber: expenseAccount,
		Debit:         invoice.AmountExclVat,
		Credit:        decimal.Zero,
		Confidence:    confidence,
		Reasoning:     reasoning,
	})
	lineNo++

	if invoice.VatAmount.IsPositive() {
		base := invoice.AmountExclVat
		lines = append(lines, models.LedgerLine{
			LineNumber:    lineNo,
			AccountNumber: accounts.InputTax,
			Debit:         invoice.VatAmount,
			Credit:        decimal.Zero,
			TaxAmount:     &invoice.VatAmount,
			TaxBase:       &base,
			Confidence:    confidence,
			Reasoning:     reasoning,
		})
		lineNo++
	}

	lines = append(lines, models.LedgerLine{
		LineNumber:    lineNo,
		AccountNumber: accounts.Payable,
		Debit:         decimal.Zero,
		Credit:        invoice.TotalAmount,
		Confidence:    confidence,
		Reasoning:     reasoning,
	})
	return lines
}

// ValidateBalanced enforces sum(debit) == sum(credit), zero tolerance.
func ValidateBalanced(lines []models.LedgerLine) error {
	debit, credit := models.Totals(lines)
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s, credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

func isTransientDbErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1205 lock wait timeout, 1213 deadlock.
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	return false
}

func classifyDbErr(err error) error {
	if isTransientDbErr(err) {
		return fmt.Errorf("%w: %v", ErrTransientFailure, err)
	}
	return err
}

// preparedPosting holds everything the atomic persist step needs, resolved
// and validated up front so the transaction itself stays short.
type preparedPosting struct {
	invoice        *models.Invoice
	input          *PostingInput
	accountingDate time.Time
	fiscalYear     int
	seriesCode     string
	lines          []models.LedgerLine
}

// preparePosting runs every read and validation that does not need the
// posting transaction: invoice fetch, linkage pre-check, settings, system
// accounts, expense resolution, line construction, balance check.
func preparePosting(ctx context.Context, input *PostingInput) (*preparedPosting, error) {
	logger := config.GetLogger()

	invoice, err := models.GetInvoice(ctx, input.ClientId, input.InvoiceId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, classifyDbErr(err)
	}
	if invoice.LedgerEntryId != nil {
		return nil, ErrAlreadyPosted
	}

	accountingDate := utils.DateOnly(invoice.InvoiceDate)
	if input.AccountingDate != nil {
		accountingDate = utils.DateOnly(*input.AccountingDate)
	}

	settings, err := models.GetClientSettings(ctx, input.ClientId)
	if err != nil {
		return nil, classifyDbErr(err)
	}

	systemAccounts, err := models.GetSystemAccounts(ctx, input.ClientId)
	if err != nil {
		return nil, classifyDbErr(err)
	}
	accounts := systemAccountSet{
		Payable:  systemAccounts[models.AccountCodeAccountsPayable],
		InputTax: systemAccounts[models.AccountCodeInputTax],
		Expense:  systemAccounts[models.AccountCodeDefaultExpense],
	}
	if accounts.Payable == "" || accounts.InputTax == "" {
		return nil, fmt.Errorf("%w: payable or input-tax system account missing", ErrAccountNotFound)
	}

	expenseAccount, err := resolveExpenseAccount(ctx, invoice, input.OverrideAccount, accounts.Expense)
	if err != nil {
		return nil, err
	}

	reasoning := input.Reasoning
	if reasoning == "" && invoice.AiConfidence != nil {
		reasoning = fmt.Sprintf("automatic booking at confidence %d", *invoice.AiConfidence)
	}
	confidence := input.Confidence
	if confidence == nil {
		confidence = invoice.AiConfidence
	}

	lines := BuildVoucherLines(invoice, expenseAccount, accounts, confidence, reasoning)
	if err := ValidateBalanced(lines); err != nil {
		config.LogError(logger, "VoucherGenerator.go", "preparePosting", "Unbalanced lines", invoice.ID, err)
		return nil, err
	}

	return &preparedPosting{
		invoice:        invoice,
		input:          input,
		accountingDate: accountingDate,
		fiscalYear:     settings.FiscalYearOf(accountingDate),
		seriesCode:     settings.DefaultSeriesCode,
		lines:          lines,
	}, nil
}

// post runs the atomic persist step on the caller's transaction: advisory
// lock, linkage re-check, number allocation, entry + invoice linkage + audit.
// Callers own commit/rollback, so a resolution and its voucher can share one
// transaction.
func (p *preparedPosting) post(tx *gorm.DB) (*models.LedgerEntry, error) {
	input := p.input
	invoice := p.invoice

	// Serialize concurrent allocation for the same key across instances.
	if err := AcquirePostingLock(tx, input.ClientId, p.seriesCode, p.fiscalYear); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientFailure, err)
	}
	defer ReleasePostingLock(tx, input.ClientId, p.seriesCode, p.fiscalYear)

	// Re-check linkage under lock; a concurrent posting may have won.
	var current models.Invoice
	if err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND client_id = ?", invoice.ID, input.ClientId).
		First(&current).Error; err != nil {
		return nil, err
	}
	if current.LedgerEntryId != nil {
		return nil, ErrAlreadyPosted
	}

	sequenceNo, err := models.AllocateVoucherNumber(tx, input.ClientId, p.seriesCode, p.fiscalYear)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		ClientId:       input.ClientId,
		EntryDate:      utils.DateOnly(time.Now()),
		AccountingDate: p.accountingDate,
		Period:         p.accountingDate.Format("2006-01"),
		FiscalYear:     p.fiscalYear,
		VoucherNumber:  models.FormatVoucherNumber(p.fiscalYear, sequenceNo),
		SequenceNo:     sequenceNo,
		SeriesCode:     p.seriesCode,
		Description:    fmt.Sprintf("Invoice %s", invoice.InvoiceNumber),
		Source:         models.SourceRef{SourceKind: models.SourceKindInvoice, SourceId: invoice.ID},
		Status:         models.LedgerEntryStatusPosted,
		Locked:         utils.NewFalse(),
		CreatedBy:      input.Actor,
	}
	for i := range p.lines {
		p.lines[i].ID = uuid.New()
		p.lines[i].LedgerEntryId = entry.ID
	}
	entry.Lines = p.lines

	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reviewStatus := models.InvoiceReviewStatusAutoApproved
	if invoice.ReviewStatus == models.InvoiceReviewStatusNeedsReview {
		// Resolved through the queue; keep that status visible on the invoice.
		reviewStatus = models.InvoiceReviewStatusNeedsReview
	}
	if err := tx.Model(&models.Invoice{}).
		Where("id = ? AND client_id = ? AND ledger_entry_id IS NULL", invoice.ID, input.ClientId).
		Updates(map[string]interface{}{
			"ledger_entry_id": entry.ID,
			"review_status":   reviewStatus,
			"booked_at":       now,
		}).Error; err != nil {
		return nil, err
	}

	if err := models.CreateAuditRecord(tx, &models.NewAuditRecord{
		ClientId:      input.ClientId,
		Action:        models.AuditActionVoucherPosted,
		EntityTable:   models.LedgerEntry{}.TableName(),
		EntityId:      entry.ID,
		Actor:         input.Actor,
		After:         entry,
		CorrelationId: input.CorrelationId,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreateFromInvoice posts one invoice as a balanced voucher, at most once.
// Number allocation, header, lines, invoice linkage and the audit record
// commit in one transaction; a rolled-back attempt leaves no ledger rows and
// the invoice still postable.
func CreateFromInvoice(ctx context.Context, input *PostingInput) (*VoucherResult, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	prep, err := preparePosting(ctx, input)
	if err != nil {
		return nil, err
	}

	// Cancellation may happen up to this point; once the transaction opens it
	// runs to completion or rolls back fully.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientFailure, err)
	}
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(config.PostingCommitTimeoutSeconds())*time.Second)
	defer cancel()

	var entry *models.LedgerEntry
	err = db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		var perr error
		entry, perr = prep.post(tx)
		return perr
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyPosted) || errors.Is(err, ErrTransientFailure) {
			return nil, err
		}
		config.LogError(logger, "VoucherGenerator.go", "CreateFromInvoice", "Posting transaction", prep.invoice.ID, err)
		return nil, classifyDbErr(err)
	}

	return &VoucherResult{LedgerEntry: entry, VoucherNumber: entry.VoucherNumber}, nil
}

// pickExpenseAccount applies the precedence an automatic posting books the
// invoice body against: explicit override first, then the live suggestion's
// primary debit account, then the client's default expense account. Pure.
func pickExpenseAccount(invoice *models.Invoice, override *string, defaultExpense string) string {
	if override != nil && *override != "" {
		return *override
	}
	suggestion, err := invoice.Suggestion()
	if err == nil {
		if primary, ok := suggestion.PrimaryExpenseAccount(); ok {
			return primary
		}
	}
	return defaultExpense
}

func resolveExpenseAccount(ctx context.Context, invoice *models.Invoice, override *string, defaultExpense string) (string, error) {
	account := pickExpenseAccount(invoice, override, defaultExpense)
	if account == "" {
		return "", fmt.Errorf("%w: no expense account resolvable for invoice %s", ErrAccountNotFound, invoice.ID)
	}
	exists, err := models.AccountExists(ctx, invoice.ClientId, account)
	if err != nil {
		return "", classifyDbErr(err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, account)
	}
	return account, nil
}

// ReverseLedgerEntry posts a mirror entry that cancels the original. The
// original row is never edited beyond its status flag; the reversal gets its
// own voucher number from the same series.
func ReverseLedgerEntry(ctx context.Context, clientId string, entryId uuid.UUID, actor string, reason string) (*VoucherResult, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	original, err := models.GetLedgerEntry(ctx, clientId, entryId)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, classifyDbErr(err)
	}
	if original.Status == models.LedgerEntryStatusReversed {
		return nil, ErrAlreadyReversed
	}
	if original.Status != models.LedgerEntryStatusPosted {
		return nil, fmt.Errorf("ledger entry %s is %s, only posted entries can be reversed", entryId, original.Status)
	}
	if reason == "" {
		return nil, errors.New("reversal reason is mandatory")
	}

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(config.PostingCommitTimeoutSeconds())*time.Second)
	defer cancel()

	var reversal *models.LedgerEntry
	err = db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, clientId, original.SeriesCode, original.FiscalYear); err != nil {
			return fmt.Errorf("%w: %v", ErrTransientFailure, err)
		}
		defer ReleasePostingLock(tx, clientId, original.SeriesCode, original.FiscalYear)

		sequenceNo, err := models.AllocateVoucherNumber(tx, clientId, original.SeriesCode, original.FiscalYear)
		if err != nil {
			return err
		}

		reversal = &models.LedgerEntry{
			ID:             uuid.New(),
			ClientId:       clientId,
			EntryDate:      utils.DateOnly(time.Now()),
			AccountingDate: original.AccountingDate,
			Period:         original.Period,
			FiscalYear:     original.FiscalYear,
			VoucherNumber:  models.FormatVoucherNumber(original.FiscalYear, sequenceNo),
			SequenceNo:     sequenceNo,
			SeriesCode:     original.SeriesCode,
			Description:    fmt.Sprintf("Reversal of %s: %s", original.VoucherNumber, reason),
			Source:         original.Source,
			Status:         models.LedgerEntryStatusPosted,
			Locked:         utils.NewFalse(),
			CreatedBy:      actor,
			ReversesId:     &original.ID,
		}
		for i, line := range original.Lines {
			reversal.Lines = append(reversal.Lines, models.LedgerLine{
				ID:            uuid.New(),
				LedgerEntryId: reversal.ID,
				LineNumber:    i + 1,
				AccountNumber: line.AccountNumber,
				Debit:         line.Credit,
				Credit:        line.Debit,
				TaxCode:       line.TaxCode,
				TaxAmount:     line.TaxAmount,
				TaxBase:       line.TaxBase,
				Reasoning:     reason,
			})
		}
		if err := ValidateBalanced(reversal.Lines); err != nil {
			return err
		}

		if err := tx.Create(reversal).Error; err != nil {
			return err
		}
		res := tx.Model(&models.LedgerEntry{}).
			Where("id = ? AND client_id = ? AND status = ?", original.ID, clientId, models.LedgerEntryStatusPosted).
			Update("status", models.LedgerEntryStatusReversed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent reversal flipped the status first.
			return ErrAlreadyReversed
		}
		return models.CreateAuditRecord(tx, &models.NewAuditRecord{
			ClientId:    clientId,
			Action:      models.AuditActionVoucherReversed,
			EntityTable: models.LedgerEntry{}.TableName(),
			EntityId:    original.ID,
			Actor:       actor,
			Before:      original,
			After:       reversal,
			Reason:      &reason,
		})
	})
	if err != nil {
		if errors.Is(err, ErrUnbalanced) || errors.Is(err, ErrAlreadyReversed) || errors.Is(err, ErrTransientFailure) {
			return nil, err
		}
		config.LogError(logger, "VoucherGenerator.go", "ReverseLedgerEntry", "Reversal transaction", entryId, err)
		return nil, classifyDbErr(err)
	}
	return &VoucherResult{LedgerEntry: reversal, VoucherNumber: reversal.VoucherNumber}, nil
}
