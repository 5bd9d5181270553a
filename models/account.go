package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"github.com/google/uuid"
)

type AccountMainType string

const (
	AccountMainTypeAsset     AccountMainType = "Asset"
	AccountMainTypeLiability AccountMainType = "Liability"
	AccountMainTypeEquity    AccountMainType = "Equity"
	AccountMainTypeIncome    AccountMainType = "Income"
	AccountMainTypeExpense   AccountMainType = "Expense"
)

// System account codes resolved per client at posting time.
const (
	AccountCodeAccountsPayable = "AccountsPayable"
	AccountCodeInputTax        = "InputTax"
	AccountCodeDefaultExpense  = "DefaultExpense"
)

type Account struct {
	ID            uuid.UUID       `gorm:"type:char(36);primary_key" json:"id"`
	ClientId      string          `gorm:"size:64;not null;index:uniq_account,unique" json:"client_id" binding:"required"`
	AccountNumber string          `gorm:"size:20;not null;index:uniq_account,unique" json:"account_number" binding:"required"`
	Name          string          `gorm:"size:255;not null" json:"name" binding:"required"`
	MainType      AccountMainType `gorm:"size:20;not null" json:"main_type"`
	SystemCode    *string         `gorm:"size:50;index" json:"system_code"`
	IsActive      *bool           `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// GetSystemAccounts returns the system-code -> account-number map for one
// client, redis-cached.
func GetSystemAccounts(ctx context.Context, clientId string) (map[string]string, error) {
	cacheKey := clientId + "-system_accounts"
	cached := make(map[string]string)
	if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok && len(cached) > 0 {
		return cached, nil
	}

	db := config.GetDB()
	var accounts []Account
	if err := db.WithContext(ctx).
		Where("client_id = ? AND system_code IS NOT NULL", clientId).
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	result := make(map[string]string, len(accounts))
	for _, acc := range accounts {
		if acc.SystemCode != nil {
			result[*acc.SystemCode] = acc.AccountNumber
		}
	}
	if len(result) == 0 {
		return nil, errors.New("system accounts not configured for client " + clientId)
	}
	_ = config.SetRedisObject(cacheKey, result, time.Hour)
	return result, nil
}

// AccountExists reports whether the account number is part of the client's
// active chart of accounts.
func AccountExists(ctx context.Context, clientId string, accountNumber string) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&Account{}).
		Where("client_id = ? AND account_number = ? AND is_active = 1", clientId, accountNumber).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
