package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquirePostingLock serializes voucher posting per (client, series, fiscal year)
// across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the posting transaction.
func AcquirePostingLock(tx *gorm.DB, clientId string, seriesCode string, fiscalYear int) error {
	lockName := fmt.Sprintf("posting:%s:%s:%d", clientId, seriesCode, fiscalYear)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for client_id=%s series=%s fiscal_year=%d", clientId, seriesCode, fiscalYear)
	}
	return nil
}

func ReleasePostingLock(tx *gorm.DB, clientId string, seriesCode string, fiscalYear int) {
	lockName := fmt.Sprintf("posting:%s:%s:%d", clientId, seriesCode, fiscalYear)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
