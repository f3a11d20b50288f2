package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/utils"
)

// ScheduleType represents when and how often a schedule fires
type ScheduleType string

const (
	ScheduleTypeImmediate ScheduleType = "immediate"
	ScheduleTypeFuture    ScheduleType = "future"
	ScheduleTypeRecurring ScheduleType = "recurring"
)

// String returns the string representation of the type
func (t ScheduleType) String() string {
	return string(t)
}

// Valid checks if the type is valid
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleTypeImmediate, ScheduleTypeFuture, ScheduleTypeRecurring:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for ScheduleType
func (t *ScheduleType) Scan(value any) error {
	if value == nil {
		*t = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*t = ScheduleType(v)
	case []byte:
		*t = ScheduleType(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ScheduleType", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for ScheduleType
func (t ScheduleType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid ScheduleType: %s", t)
	}
	return string(t), nil
}

// ScheduleStatus represents the lifecycle state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusPending    ScheduleStatus = "pending"
	ScheduleStatusProcessing ScheduleStatus = "processing"
	ScheduleStatusCompleted  ScheduleStatus = "completed"
	ScheduleStatusFailed     ScheduleStatus = "failed"
	ScheduleStatusCancelled  ScheduleStatus = "cancelled"
)

// String returns the string representation of the status
func (s ScheduleStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleStatusPending, ScheduleStatusProcessing, ScheduleStatusCompleted,
		ScheduleStatusFailed, ScheduleStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from the status
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusFailed, ScheduleStatusCancelled:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for ScheduleStatus
func (s *ScheduleStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = ScheduleStatus(v)
	case []byte:
		*s = ScheduleStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ScheduleStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for ScheduleStatus
func (s ScheduleStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ScheduleStatus: %s", s)
	}
	return string(s), nil
}

// Schedule represents a planned message dispatch in the database.
// Target columns use PostgreSQL bigint[] and reference contacts and
// contact groups by internal ID; the union of both, deduplicated, forms
// the recipient set of each run.
type Schedule struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	UUID        uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_schedules_uuid" json:"uuid"`
	MessageID   uint           `gorm:"not null;index:idx_schedules_message_id" json:"message_id"`
	Type        ScheduleType   `gorm:"type:schedule_type;not null;index:idx_schedules_type" json:"type"`
	Status      ScheduleStatus `gorm:"type:schedule_status;not null;default:'pending';index:idx_schedules_status" json:"status"`
	CronExpr    *string        `gorm:"size:128" json:"cron_expr,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	NextRun     *time.Time     `gorm:"index:idx_schedules_next_run" json:"next_run,omitempty"`
	LastRun     *time.Time     `json:"last_run,omitempty"`
	RunCount    int            `gorm:"not null;default:0" json:"run_count"`
	MaxRuns     int            `gorm:"not null;default:0" json:"max_runs"` // 0 = unlimited
	RetryCount  int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries  int            `gorm:"not null;default:0" json:"max_retries"`
	LastError   *string        `gorm:"type:text" json:"last_error,omitempty"`
	ContactIDs  pq.Int64Array  `gorm:"type:bigint[]" json:"contact_ids"`
	GroupIDs    pq.Int64Array  `gorm:"type:bigint[]" json:"group_ids"`
	CreatedAt   time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_schedules_created_at" json:"created_at"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`

	// Relations
	Message *Message `gorm:"foreignKey:MessageID;references:ID" json:"message,omitempty"`
}

// TableName returns the table name for the model
func (Schedule) TableName() string {
	return "schedules"
}

// BeforeCreate is called before creating a new record
func (s *Schedule) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == uuid.Nil {
		s.UUID = uuid.New()
	}
	if s.Status == "" {
		s.Status = ScheduleStatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (s *Schedule) BeforeUpdate(tx *gorm.DB) error {
	now := utils.UTCNow()
	s.UpdatedAt = &now
	return nil
}

// IsRecurring reports whether the schedule re-arms after successful runs
func (s *Schedule) IsRecurring() bool {
	return s.Type == ScheduleTypeRecurring
}

// IsCancellable checks if the schedule can still be cancelled
func (s *Schedule) IsCancellable() bool {
	return s.Status == ScheduleStatusPending || s.Status == ScheduleStatusProcessing
}

// CanTransitionTo checks if the schedule can transition to the given status
func (s *Schedule) CanTransitionTo(newStatus ScheduleStatus) bool {
	switch s.Status {
	case ScheduleStatusPending:
		return newStatus == ScheduleStatusProcessing ||
			newStatus == ScheduleStatusCancelled
	case ScheduleStatusProcessing:
		// Back to pending covers both retry re-queue and recurring re-arm.
		return newStatus == ScheduleStatusPending ||
			newStatus == ScheduleStatusCompleted ||
			newStatus == ScheduleStatusFailed ||
			newStatus == ScheduleStatusCancelled
	default:
		return false
	}
}

// RunsRemaining reports whether another run is allowed under MaxRuns
func (s *Schedule) RunsRemaining() bool {
	return s.MaxRuns == 0 || s.RunCount < s.MaxRuns
}

// RetriesRemaining reports whether another retry is allowed under MaxRetries
func (s *Schedule) RetriesRemaining() bool {
	return s.RetryCount < s.MaxRetries
}

// ScheduleFilter represents filter criteria for schedules
type ScheduleFilter struct {
	ID            *uint           `json:"id,omitempty"`
	UUID          *uuid.UUID      `json:"uuid,omitempty"`
	MessageID     *uint           `json:"message_id,omitempty"`
	Type          *ScheduleType   `json:"type,omitempty"`
	Status        *ScheduleStatus `json:"status,omitempty"`
	NextRunBefore *time.Time      `json:"next_run_before,omitempty"`
	NextRunAfter  *time.Time      `json:"next_run_after,omitempty"`
	CreatedAfter  *time.Time      `json:"created_after,omitempty"`
	CreatedBefore *time.Time      `json:"created_before,omitempty"`
}
