package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/utils"
)

// DeliveryStatus enumerates the outcome of one delivery attempt
type DeliveryStatus string

const (
	DeliveryStatusPending     DeliveryStatus = "pending"
	DeliveryStatusSent        DeliveryStatus = "sent"
	DeliveryStatusFailed      DeliveryStatus = "failed"
	DeliveryStatusRateLimited DeliveryStatus = "rate_limited"
)

// String returns the string representation of the status
func (s DeliveryStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusFailed,
		DeliveryStatusRateLimited:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for DeliveryStatus
func (s *DeliveryStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = DeliveryStatus(v)
	case []byte:
		*s = DeliveryStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into DeliveryStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for DeliveryStatus
func (s DeliveryStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid DeliveryStatus: %s", s)
	}
	return string(s), nil
}

// DeliveryLog records a single delivery attempt for one contact. The log is
// append-only: a retry pass appends fresh rows instead of rewriting earlier
// outcomes. Rows start as pending and receive their terminal status once the
// attempt resolves; rows left pending mark attempts interrupted mid-flight.
// ExecutionID groups all rows of one run, retry passes included, so "already
// sent in this run" queries survive restarts. ScheduleID is null for
// immediate sends.
type DeliveryLog struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	ScheduleID       *uint          `gorm:"index:idx_delivery_logs_schedule_id" json:"schedule_id,omitempty"`
	ExecutionID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_delivery_logs_execution_id" json:"execution_id"`
	ContactID        uint           `gorm:"not null;index:idx_delivery_logs_contact_id" json:"contact_id"`
	Attempt          int            `gorm:"not null;default:0" json:"attempt"`
	Status           DeliveryStatus `gorm:"type:delivery_status;not null;default:'pending';index:idx_delivery_logs_status" json:"status"`
	VariationUsed    int            `gorm:"not null;default:0" json:"variation_used"`
	GatewayMessageID *string        `gorm:"size:64" json:"gateway_message_id,omitempty"`
	ErrorCode        *string        `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage     *string        `gorm:"type:text" json:"error_message,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	CreatedAt        time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_delivery_logs_created_at" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`

	// Relations
	Schedule *Schedule `gorm:"foreignKey:ScheduleID;references:ID" json:"schedule,omitempty"`
	Contact  *Contact  `gorm:"foreignKey:ContactID;references:ID" json:"contact,omitempty"`
}

// TableName returns the table name for the model
func (DeliveryLog) TableName() string {
	return "delivery_logs"
}

// BeforeCreate is called before creating a new record
func (d *DeliveryLog) BeforeCreate(tx *gorm.DB) error {
	if d.Status == "" {
		d.Status = DeliveryStatusPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = utils.UTCNow()
	}
	return nil
}

// DeliveryLogFilter provides filter fields for repository queries
type DeliveryLogFilter struct {
	ID            *uint           `json:"id,omitempty"`
	ScheduleID    *uint           `json:"schedule_id,omitempty"`
	ExecutionID   *uuid.UUID      `json:"execution_id,omitempty"`
	ContactID     *uint           `json:"contact_id,omitempty"`
	Status        *DeliveryStatus `json:"status,omitempty"`
	CreatedAfter  *time.Time      `json:"created_after,omitempty"`
	CreatedBefore *time.Time      `json:"created_before,omitempty"`
}

// DeliveryStats aggregates delivery outcomes per schedule
type DeliveryStats struct {
	Pending     int64 `json:"pending"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Total       int64 `json:"total"`
}
