package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditRecord is the append-only trail of every financially significant
// action. Written inside the same transaction as the action it describes, so
// an action and its audit row commit or roll back together.
type AuditRecord struct {
	ID            uuid.UUID   `gorm:"type:char(36);primary_key" json:"id"`
	ClientId      string      `gorm:"size:64;not null;index" json:"client_id"`
	Action        AuditAction `gorm:"size:30;not null;index" json:"action"`
	EntityTable   string      `gorm:"size:50;not null" json:"entity_table"`
	EntityId      uuid.UUID   `gorm:"type:char(36);not null;index" json:"entity_id"`
	Actor         string      `gorm:"size:100;not null" json:"actor"`
	BeforeState   *string     `gorm:"type:text" json:"before_state"`
	AfterState    *string     `gorm:"type:text" json:"after_state"`
	Reason        *string     `gorm:"size:255" json:"reason"`
	CorrelationId *string     `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

func (AuditRecord) TableName() string { return "audit_records" }

type NewAuditRecord struct {
	ClientId      string
	Action        AuditAction
	EntityTable   string
	EntityId      uuid.UUID
	Actor         string
	Before        interface{}
	After         interface{}
	Reason        *string
	CorrelationId *string
}

// CreateAuditRecord writes the trail row on the caller's transaction.
func CreateAuditRecord(tx *gorm.DB, input *NewAuditRecord) error {
	if err := input.Action.Valid(); err != nil {
		return err
	}
	record := AuditRecord{
		ID:            uuid.New(),
		ClientId:      input.ClientId,
		Action:        input.Action,
		EntityTable:   input.EntityTable,
		EntityId:      input.EntityId,
		Actor:         input.Actor,
		Reason:        input.Reason,
		CorrelationId: input.CorrelationId,
	}
	if input.Before != nil {
		b, err := json.Marshal(input.Before)
		if err != nil {
			return err
		}
		s := string(b)
		record.BeforeState = &s
	}
	if input.After != nil {
		b, err := json.Marshal(input.After)
		if err != nil {
			return err
		}
		s := string(b)
		record.AfterState = &s
	}
	return tx.Create(&record).Error
}
