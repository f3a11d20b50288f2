// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mercatorhq/herald/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// ScheduleRepository defines operations for schedules
type ScheduleRepository interface {
	Repository[models.Schedule, models.ScheduleFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Schedule, error)
	Update(ctx context.Context, schedule models.Schedule) error
	// TransitionStatus flips status from one state to another atomically and
	// reports whether the row was claimed. Fire and cancel race through this.
	TransitionStatus(ctx context.Context, id uint, from, to models.ScheduleStatus) (bool, error)
	// ListDue returns pending schedules whose next run is at or before the
	// given instant, oldest first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.Schedule, error)
	// ListArmed returns every pending schedule carrying a next run time,
	// used for startup recovery.
	ListArmed(ctx context.Context) ([]*models.Schedule, error)
	CountByStatus(ctx context.Context, status models.ScheduleStatus) (int64, error)
	CountByType(ctx context.Context, scheduleType models.ScheduleType) (int64, error)
}

// MessageRepository defines operations for message templates
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Message, error)
	ListActive(ctx context.Context, limit, offset int) ([]*models.Message, error)
}

// ContactRepository defines operations for directory contacts
type ContactRepository interface {
	Repository[models.Contact, models.ContactFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Contact, error)
	ListByIDs(ctx context.Context, ids []uint) ([]*models.Contact, error)
}

// ContactGroupRepository defines operations for contact groups
type ContactGroupRepository interface {
	Repository[models.ContactGroup, models.ContactGroupFilter]
	ByUUID(ctx context.Context, uuid string) (*models.ContactGroup, error)
	// MemberContactIDs returns the contact IDs in a group in insertion order.
	MemberContactIDs(ctx context.Context, groupID uint) ([]uint, error)
	AddMember(ctx context.Context, groupID, contactID uint) error
}

// DeliveryLogRepository defines operations for the append-only delivery log
type DeliveryLogRepository interface {
	Repository[models.DeliveryLog, models.DeliveryLogFilter]
	// MarkOutcome resolves a pending attempt row with its terminal status.
	// Earlier rows are never touched; retries append new rows instead.
	MarkOutcome(ctx context.Context, id uint, status models.DeliveryStatus, gatewayMessageID, errorCode, errorMessage *string, sentAt *time.Time) error
	// SentContactIDs returns the contacts with a sent row in the given
	// execution. Retry passes of a run consult this to skip them.
	SentContactIDs(ctx context.Context, executionID uuid.UUID) ([]uint, error)
	StatsBySchedule(ctx context.Context, scheduleID uint) (*models.DeliveryStats, error)
	ListBySchedule(ctx context.Context, scheduleID uint, limit, offset int) ([]*models.DeliveryLog, error)
}
