package models

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VoucherSequence is the sole write-contention point of the pipeline: one row
// per (client, series, fiscal year) holding the next voucher number.
// Allocation happens under FOR UPDATE inside the posting transaction, so
// concurrent postings for the same key serialize and numbers strictly
// increase. Gaps after rolled-back transactions are acceptable.
type VoucherSequence struct {
	ID         int       `gorm:"primary_key" json:"id"`
	ClientId   string    `gorm:"size:64;not null;index:uniq_seq,unique" json:"client_id"`
	SeriesCode string    `gorm:"size:10;not null;index:uniq_seq,unique" json:"series_code"`
	FiscalYear int       `gorm:"not null;index:uniq_seq,unique" json:"fiscal_year"`
	NextNumber int64     `gorm:"not null;default:1" json:"next_number"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VoucherSequence) TableName() string { return "voucher_sequences" }

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// AllocateVoucherNumber hands out the next sequence number for the key and
// advances the counter, all inside the caller's transaction. The row lock is
// held until that transaction commits or rolls back.
func AllocateVoucherNumber(tx *gorm.DB, clientId string, seriesCode string, fiscalYear int) (int64, error) {
	var seq VoucherSequence
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("client_id = ? AND series_code = ? AND fiscal_year = ?", clientId, seriesCode, fiscalYear).
		First(&seq).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		seq = VoucherSequence{
			ClientId:   clientId,
			SeriesCode: seriesCode,
			FiscalYear: fiscalYear,
			NextNumber: 1,
		}
		if cerr := tx.Create(&seq).Error; cerr != nil {
			if !isDuplicateKeyErr(cerr) {
				return 0, cerr
			}
			// Lost the creation race; lock the winner's row.
			if lerr := tx.
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("client_id = ? AND series_code = ? AND fiscal_year = ?", clientId, seriesCode, fiscalYear).
				First(&seq).Error; lerr != nil {
				return 0, lerr
			}
		}
	} else if err != nil {
		return 0, err
	}

	allocated := seq.NextNumber
	if uerr := tx.Model(&VoucherSequence{}).
		Where("id = ?", seq.ID).
		Update("next_number", allocated+1).Error; uerr != nil {
		return 0, uerr
	}
	return allocated, nil
}
