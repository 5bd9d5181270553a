package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"bitbucket.org/mmdatafocus/autobooks_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LearnedPattern is a per-client booking rule distilled from repeated
// confirmations: "invoices from this vendor book to this account". Patterns
// boost the scorer, they never post on their own.
type LearnedPattern struct {
	ID               uuid.UUID       `gorm:"type:char(36);primary_key" json:"id"`
	ClientId         string          `gorm:"size:64;not null;index:uniq_pattern,unique" json:"client_id"`
	PatternType      PatternType     `gorm:"size:30;not null;index:uniq_pattern,unique" json:"pattern_type"`
	TriggerVendor    string          `gorm:"size:255;not null;index:uniq_pattern,unique" json:"trigger_vendor"`
	SuggestedAccount string          `gorm:"size:20;not null" json:"suggested_account"`
	Boost            int             `gorm:"not null;default:15" json:"boost"`
	Confirmations    int             `gorm:"not null;default:0" json:"confirmations"`
	Applications     int             `gorm:"not null;default:0" json:"applications"`
	Successes        int             `gorm:"not null;default:0" json:"successes"`
	SuccessRate      decimal.Decimal `gorm:"type:decimal(5,4);default:0" json:"success_rate"`
	IsActive         *bool           `gorm:"default:true;index" json:"is_active"`
	LastConfirmedAt  *time.Time      `json:"last_confirmed_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LearnedPattern) TableName() string { return "learned_patterns" }

// NormalizeVendorTrigger folds case and surrounding whitespace so "ACME AB"
// and " acme ab " match the same pattern.
func NormalizeVendorTrigger(vendorName string) string {
	return strings.ToLower(strings.TrimSpace(vendorName))
}

// FindActivePattern looks up the active booking rule for a vendor, if any.
func FindActivePattern(ctx context.Context, clientId string, vendorName string) (*LearnedPattern, error) {
	trigger := NormalizeVendorTrigger(vendorName)
	if trigger == "" {
		return nil, nil
	}
	db := config.GetDB()
	var pattern LearnedPattern
	err := db.WithContext(ctx).
		Where("client_id = ? AND pattern_type = ? AND trigger_vendor = ? AND is_active = true",
			clientId, PatternTypeVendorBooking, trigger).
		First(&pattern).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pattern, nil
}

func GetLearnedPattern(ctx context.Context, clientId string, id uuid.UUID) (*LearnedPattern, error) {
	db := config.GetDB()
	var pattern LearnedPattern
	err := db.WithContext(ctx).
		Where("id = ? AND client_id = ?", id, clientId).
		First(&pattern).Error
	if err != nil {
		return nil, err
	}
	return &pattern, nil
}

// UpsertPattern creates the vendor rule or, when a concurrent synthesis won
// the creation race, bumps the existing row instead. One rule per
// (client, type, vendor) is enforced by the unique key.
func UpsertPattern(ctx context.Context, clientId string, vendorName string, account string, confirmations int) (*LearnedPattern, error) {
	trigger := NormalizeVendorTrigger(vendorName)
	if trigger == "" {
		return nil, errors.New("pattern trigger vendor is empty")
	}
	now := time.Now().UTC()
	pattern := LearnedPattern{
		ID:               uuid.New(),
		ClientId:         clientId,
		PatternType:      PatternTypeVendorBooking,
		TriggerVendor:    trigger,
		SuggestedAccount: account,
		Boost:            config.DefaultPatternBoost,
		Confirmations:    confirmations,
		SuccessRate:      decimal.NewFromInt(1),
		LastConfirmedAt:  &now,
	}
	db := config.GetDB()
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "client_id"}, {Name: "pattern_type"}, {Name: "trigger_vendor"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"suggested_account": account,
				"confirmations":     confirmations,
				"last_confirmed_at": now,
			}),
		}).
		Create(&pattern).Error
	if err != nil {
		return nil, err
	}
	return FindActivePattern(ctx, clientId, vendorName)
}

// RecordApplication bumps the usage counters after a pattern influenced a
// scored invoice and the outcome is known. Recomputes the success rate and
// deactivates the pattern when it falls below the configured floor.
func (p *LearnedPattern) RecordApplication(ctx context.Context, success bool) error {
	p.Applications++
	if success {
		p.Successes++
	}
	p.SuccessRate = decimal.NewFromInt(int64(p.Successes)).
		Div(decimal.NewFromInt(int64(p.Applications))).
		Round(4)

	updates := map[string]interface{}{
		"applications": p.Applications,
		"successes":    p.Successes,
		"success_rate": p.SuccessRate,
	}
	if p.Applications >= config.PatternMinApplications() &&
		p.SuccessRate.LessThan(config.PatternMinSuccessRate()) {
		updates["is_active"] = false
		p.IsActive = utils.NewFalse()
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&LearnedPattern{}).
		Where("id = ? AND client_id = ?", p.ID, p.ClientId).
		Updates(updates).Error
}

// SetActive flips the activation flag; used by the manual pattern API.
func (p *LearnedPattern) SetActive(ctx context.Context, active bool) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&LearnedPattern{}).
		Where("id = ? AND client_id = ?", p.ID, p.ClientId).
		Update("is_active", active).Error
	if err != nil {
		return err
	}
	p.IsActive = &active
	return nil
}
