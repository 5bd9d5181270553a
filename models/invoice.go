package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Invoice is created by the (out-of-scope) ingestion layer. This pipeline
// mutates it twice: the scorer writes suggestion + confidence, the voucher
// generator writes ledger linkage + status + booked timestamp. Once ledger-
// linked, everything except the status is immutable.
type Invoice struct {
	ID            uuid.UUID           `gorm:"type:char(36);primary_key" json:"id"`
	ClientId      string              `gorm:"size:64;index;not null" json:"client_id" binding:"required"`
	VendorId      *uuid.UUID          `gorm:"type:char(36);index" json:"vendor_id"`
	InvoiceNumber string              `gorm:"size:100" json:"invoice_number"`
	AmountExclVat decimal.Decimal     `gorm:"type:decimal(20,2);not null" json:"amount_excl_vat"`
	VatAmount     decimal.Decimal     `gorm:"type:decimal(20,2);not null" json:"vat_amount"`
	TotalAmount   decimal.Decimal     `gorm:"type:decimal(20,2);not null" json:"total_amount"`
	Currency      string              `gorm:"size:3;not null" json:"currency"`
	InvoiceDate   time.Time           `gorm:"not null" json:"invoice_date"`
	DueDate       *time.Time          `json:"due_date"`
	AiSuggestion  *string             `gorm:"type:text" json:"ai_suggestion"`
	AiConfidence  *int                `json:"ai_confidence"`
	ReviewStatus  InvoiceReviewStatus `gorm:"size:20;not null;default:pending;index" json:"review_status"`
	LedgerEntryId *uuid.UUID          `gorm:"type:char(36);index" json:"ledger_entry_id"`
	BookedAt      *time.Time          `json:"booked_at"`

	// Worker-claim bookkeeping; no two workers may process one invoice.
	ClaimedAt *time.Time `gorm:"index" json:"claimed_at"`
	ClaimedBy *string    `gorm:"size:100" json:"claimed_by"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

func GetInvoice(ctx context.Context, clientId string, id uuid.UUID) (*Invoice, error) {
	return utils.FetchModel[Invoice](ctx, clientId, id)
}

// Suggestion parses the captured AI payload; nil when the invoice has none.
func (inv *Invoice) Suggestion() (*BookingSuggestion, error) {
	return ParseBookingSuggestion(inv.AiSuggestion)
}

// SaveScoringResult writes the suggestion blob + confidence onto the invoice.
func (inv *Invoice) SaveScoringResult(ctx context.Context, suggestion *BookingSuggestion, confidence int) error {
	if inv.LedgerEntryId != nil {
		return errors.New("invoice is ledger-linked and immutable")
	}
	raw, err := suggestion.Marshal()
	if err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Invoice{}).
		Where("id = ? AND client_id = ?", inv.ID, inv.ClientId).
		Updates(map[string]interface{}{
			"ai_suggestion": raw,
			"ai_confidence": confidence,
		}).Error
}

// VendorStats summarizes the confirmed booking history of one vendor for the
// scorer's familiarity and amount-reasonableness signals.
type VendorStats struct {
	ConfirmedBookings int
	AverageAmount     decimal.Decimal
	MinAmount         decimal.Decimal
	MaxAmount         decimal.Decimal
	UsualAccount      string
}

// GetVendorStats aggregates booked invoices for a vendor. A vendor with no
// history yields the zero value, not an error.
func GetVendorStats(ctx context.Context, clientId string, vendorId *uuid.UUID) (*VendorStats, error) {
	stats := &VendorStats{}
	if vendorId == nil {
		return stats, nil
	}
	db := config.GetDB()

	type row struct {
		Cnt int
		Avg decimal.Decimal
		Min decimal.Decimal
		Max decimal.Decimal
	}
	var r row
	err := db.WithContext(ctx).Model(&Invoice{}).
		Select("COUNT(*) AS cnt, COALESCE(AVG(total_amount),0) AS avg, COALESCE(MIN(total_amount),0) AS min, COALESCE(MAX(total_amount),0) AS max").
		Where("client_id = ? AND vendor_id = ? AND ledger_entry_id IS NOT NULL", clientId, vendorId).
		Scan(&r).Error
	if err != nil {
		return nil, err
	}
	stats.ConfirmedBookings = r.Cnt
	stats.AverageAmount = r.Avg
	stats.MinAmount = r.Min
	stats.MaxAmount = r.Max

	// Most frequent expense account over the vendor's booked lines.
	var usual string
	err = db.WithContext(ctx).
		Table("ledger_lines").
		Select("ledger_lines.account_number").
		Joins("JOIN ledger_entries ON ledger_entries.id = ledger_lines.ledger_entry_id").
		Joins("JOIN invoices ON invoices.ledger_entry_id = ledger_entries.id").
		Where("invoices.client_id = ? AND invoices.vendor_id = ? AND ledger_lines.debit > 0", clientId, vendorId).
		Group("ledger_lines.account_number").
		Order("COUNT(*) DESC").
		Limit(1).
		Scan(&usual).Error
	if err == nil {
		stats.UsualAccount = usual
	}
	return stats, nil
}
