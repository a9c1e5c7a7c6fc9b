package models

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAppendOnly is returned when code attempts to change a fraud audit row.
var ErrAppendOnly = errors.New("fraud audit records are append-only")

// FraudAudit records one risk assessment. IDs are ULIDs so rows sort by creation.
type FraudAudit struct {
	ID        string         `gorm:"primaryKey;size:26" json:"id"`
	UserID    string         `gorm:"type:uuid;not null;index" json:"user_id"`
	IPAddress string         `json:"ip_address"`
	DeviceID  string         `json:"device_id"`
	RiskScore int            `gorm:"not null" json:"risk_score"`
	RiskLevel string         `gorm:"size:16;not null;index" json:"risk_level"`
	Reasons   datatypes.JSON `json:"reasons"`
	Location  datatypes.JSON `json:"location"`
	UserAgent string         `json:"user_agent"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

func (f *FraudAudit) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = ulid.Make().String()
	}
	return nil
}

func (f *FraudAudit) BeforeUpdate(tx *gorm.DB) error {
	return ErrAppendOnly
}

func (f *FraudAudit) BeforeDelete(tx *gorm.DB) error {
	return ErrAppendOnly
}
