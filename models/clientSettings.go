package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"gorm.io/gorm"
)

// ClientSettings carries per-client pipeline configuration. Absent rows fall
// back to the environment defaults in config.
type ClientSettings struct {
	ID                   int       `gorm:"primary_key" json:"id"`
	ClientId             string    `gorm:"size:64;not null;unique" json:"client_id" binding:"required"`
	AutoApproveThreshold *int      `json:"auto_approve_threshold"`
	DefaultSeriesCode    string    `gorm:"size:10;not null;default:AI" json:"default_series_code"`
	FiscalYearStartMonth int       `gorm:"not null;default:1" json:"fiscal_year_start_month"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ClientSettings) TableName() string { return "client_settings" }

// GetClientSettings loads the client's row, redis-cached. Clients without a
// row get the defaults.
func GetClientSettings(ctx context.Context, clientId string) (*ClientSettings, error) {
	cacheKey := clientId + "-client_settings"
	var cached ClientSettings
	if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok && cached.ClientId != "" {
		return &cached, nil
	}

	db := config.GetDB()
	var settings ClientSettings
	err := db.WithContext(ctx).Where("client_id = ?", clientId).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = ClientSettings{
			ClientId:             clientId,
			DefaultSeriesCode:    "AI",
			FiscalYearStartMonth: 1,
		}
	} else if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(cacheKey, settings, time.Hour)
	return &settings, nil
}

// ApproveThreshold resolves the effective auto-approve cutoff for the client.
func (s *ClientSettings) ApproveThreshold() int {
	if s.AutoApproveThreshold != nil {
		return *s.AutoApproveThreshold
	}
	return config.AutoApproveThreshold()
}

// FiscalYearOf maps an accounting date to the fiscal year label. For start
// months other than January the label is the calendar year the fiscal year
// starts in.
func (s *ClientSettings) FiscalYearOf(date time.Time) int {
	if s.FiscalYearStartMonth <= 1 {
		return date.Year()
	}
	if int(date.Month()) >= s.FiscalYearStartMonth {
		return date.Year()
	}
	return date.Year() - 1
}
