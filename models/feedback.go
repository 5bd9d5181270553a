package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"github.com/google/uuid"
)

// CorrectionFeedback is the write-once training record produced whenever a
// reviewer resolves an item. It compares what the AI proposed against what the
// human finally booked, field by field. Rows are never updated or deleted.
type CorrectionFeedback struct {
	ID               uuid.UUID  `gorm:"type:char(36);primary_key" json:"id"`
	ClientId         string     `gorm:"size:64;not null;index" json:"client_id"`
	ReviewItemId     uuid.UUID  `gorm:"type:char(36);not null;index" json:"review_item_id"`
	InvoiceId        uuid.UUID  `gorm:"type:char(36);not null;index" json:"invoice_id"`
	VendorId         *uuid.UUID `gorm:"type:char(36);index" json:"vendor_id"`
	VendorName       string     `gorm:"size:255" json:"vendor_name"`
	SuggestedAccount string     `gorm:"size:20" json:"suggested_account"`
	FinalAccount     string     `gorm:"size:20" json:"final_account"`
	AccountCorrect   *bool      `gorm:"not null" json:"account_correct"`
	VatCorrect       *bool      `gorm:"not null" json:"vat_correct"`
	AmountCorrect    *bool      `gorm:"not null" json:"amount_correct"`
	FullyConfirmed   *bool      `gorm:"not null;index" json:"fully_confirmed"`
	Confidence       int        `gorm:"not null" json:"confidence"`
	ResolvedBy       string     `gorm:"size:100;not null" json:"resolved_by"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (CorrectionFeedback) TableName() string { return "correction_feedbacks" }

func CreateCorrectionFeedback(ctx context.Context, feedback *CorrectionFeedback) (*CorrectionFeedback, error) {
	feedback.ID = uuid.New()
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(feedback).Error; err != nil {
		return nil, err
	}
	return feedback, nil
}

// FeedbackOutcome is the slice of a feedback row the confirmation streak
// walks over, newest first.
type FeedbackOutcome struct {
	FinalAccount   string
	FullyConfirmed *bool
}

// ConfirmationStreak counts the leading run of fully-confirmed resolutions on
// one account, newest first. Any intervening correction, partial confirmation
// or booking on a different account ends the streak.
func ConfirmationStreak(outcomes []FeedbackOutcome, account string) int64 {
	var streak int64
	for _, o := range outcomes {
		if o.FullyConfirmed == nil || !*o.FullyConfirmed || o.FinalAccount != account {
			break
		}
		streak++
	}
	return streak
}

// CountVendorConfirmations returns the vendor's current streak of consecutive
// fully-confirmed resolutions on one account, the signal pattern synthesis
// keys on. vendorName must be normalized (see NormalizeVendorTrigger).
func CountVendorConfirmations(ctx context.Context, clientId string, vendorName string, account string) (int64, error) {
	db := config.GetDB()
	// The streak is only ever compared against the synthesis threshold, so
	// reading that many recent rows is enough.
	limit := config.PatternMinConfirmations()
	var outcomes []FeedbackOutcome
	err := db.WithContext(ctx).Model(&CorrectionFeedback{}).
		Select("final_account, fully_confirmed").
		Where("client_id = ? AND LOWER(TRIM(vendor_name)) = ?", clientId, vendorName).
		Order("created_at DESC").
		Limit(limit).
		Find(&outcomes).Error
	if err != nil {
		return 0, err
	}
	return ConfirmationStreak(outcomes, account), nil
}
