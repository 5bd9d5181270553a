package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SourceRef is the tagged back-reference both ledger entries and review items
// carry to the document that triggered them.
type SourceRef struct {
	SourceKind SourceKind `gorm:"size:20;not null" json:"source_kind"`
	SourceId   uuid.UUID  `gorm:"type:char(36);not null;index" json:"source_id"`
}

// LedgerEntry is one balanced double-entry voucher. Append-only: entries are
// never edited after posting; a reversal creates a new entry pointing back at
// the original.
type LedgerEntry struct {
	ID             uuid.UUID         `gorm:"type:char(36);primary_key" json:"id"`
	ClientId       string            `gorm:"size:64;not null;index" json:"client_id" binding:"required"`
	EntryDate      time.Time         `gorm:"not null" json:"entry_date"`
	AccountingDate time.Time         `gorm:"not null" json:"accounting_date"`
	Period         string            `gorm:"size:7;not null;index" json:"period"`
	FiscalYear     int               `gorm:"not null" json:"fiscal_year"`
	VoucherNumber  string            `gorm:"size:20;not null" json:"voucher_number"`
	SequenceNo     int64             `gorm:"not null" json:"sequence_no"`
	SeriesCode     string            `gorm:"size:10;not null" json:"series_code"`
	Description    string            `gorm:"size:255" json:"description"`
	Source         SourceRef         `gorm:"embedded" json:"source"`
	Status         LedgerEntryStatus `gorm:"size:20;not null;default:posted" json:"status"`
	Locked         *bool             `gorm:"default:false" json:"locked"`
	CreatedBy      string            `gorm:"size:100;not null" json:"created_by"`
	ReversesId     *uuid.UUID        `gorm:"type:char(36)" json:"reverses_id"`
	Lines          []LedgerLine      `gorm:"foreignKey:LedgerEntryId" json:"lines"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerLine is one debit or credit row. Exactly one of Debit/Credit is
// positive, the other exactly zero.
type LedgerLine struct {
	ID            uuid.UUID        `gorm:"type:char(36);primary_key" json:"id"`
	LedgerEntryId uuid.UUID        `gorm:"type:char(36);not null;index:uniq_line,unique" json:"ledger_entry_id"`
	LineNumber    int              `gorm:"not null;index:uniq_line,unique" json:"line_number"`
	AccountNumber string           `gorm:"size:20;not null" json:"account_number"`
	Debit         decimal.Decimal  `gorm:"type:decimal(20,2);default:0" json:"debit"`
	Credit        decimal.Decimal  `gorm:"type:decimal(20,2);default:0" json:"credit"`
	TaxCode       *string          `gorm:"size:10" json:"tax_code"`
	TaxAmount     *decimal.Decimal `gorm:"type:decimal(20,2)" json:"tax_amount"`
	TaxBase       *decimal.Decimal `gorm:"type:decimal(20,2)" json:"tax_base"`
	Confidence    *int             `json:"confidence"`
	Reasoning     string           `gorm:"size:255" json:"reasoning"`
}

func (LedgerLine) TableName() string { return "ledger_lines" }

// FormatVoucherNumber renders the per-year sequence as "YYYY-NNNN".
func FormatVoucherNumber(fiscalYear int, sequenceNo int64) string {
	return fmt.Sprintf("%d-%04d", fiscalYear, sequenceNo)
}

// Totals sums debits and credits across the lines.
func Totals(lines []LedgerLine) (debit decimal.Decimal, credit decimal.Decimal) {
	debit = decimal.Zero
	credit = decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// Balanced reports whether sum(debit) == sum(credit), zero tolerance.
func (e *LedgerEntry) Balanced() bool {
	debit, credit := Totals(e.Lines)
	return debit.Equal(credit)
}

func GetLedgerEntry(ctx context.Context, clientId string, id uuid.UUID) (*LedgerEntry, error) {
	return utils.FetchModel[LedgerEntry](ctx, clientId, id, "Lines")
}
