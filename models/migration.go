package models

import (
	"log"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Account{}, &ClientSettings{},
		&Invoice{},
		&LedgerEntry{}, &LedgerLine{}, &VoucherSequence{},
		&ReviewQueueItem{},
		&CorrectionFeedback{}, &LearnedPattern{},
		&AuditRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
