package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/utils"
)

// DeliveryLogRepositoryImpl implements the DeliveryLogRepository interface
type DeliveryLogRepositoryImpl struct {
	*BaseRepository[models.DeliveryLog, models.DeliveryLogFilter]
}

// NewDeliveryLogRepository creates a new delivery log repository
func NewDeliveryLogRepository(db *gorm.DB) DeliveryLogRepository {
	return &DeliveryLogRepositoryImpl{
		BaseRepository: NewBaseRepository[models.DeliveryLog, models.DeliveryLogFilter](db),
	}
}

// MarkOutcome resolves a pending attempt row with its terminal status. Only
// the attempt being resolved is touched; earlier rows stay as written.
func (r *DeliveryLogRepositoryImpl) MarkOutcome(ctx context.Context, id uint, status models.DeliveryStatus, gatewayMessageID, errorCode, errorMessage *string, sentAt *time.Time) error {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}

	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	now := utils.UTCNow()
	err = db.Model(&models.DeliveryLog{}).
		Where("id = ? AND status = ?", id, models.DeliveryStatusPending).
		Updates(map[string]interface{}{
			"status":             status,
			"gateway_message_id": gatewayMessageID,
			"error_code":         errorCode,
			"error_message":      errorMessage,
			"sent_at":            sentAt,
			"updated_at":         now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark delivery outcome: %w", err)
	}

	return nil
}

// SentContactIDs returns the contacts with a sent row in the given execution
func (r *DeliveryLogRepositoryImpl) SentContactIDs(ctx context.Context, executionID uuid.UUID) ([]uint, error) {
	db := r.getDB(ctx)

	var ids []uint
	err := db.Model(&models.DeliveryLog{}).
		Where("execution_id = ? AND status = ?", executionID, models.DeliveryStatusSent).
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sent contact IDs: %w", err)
	}
	return ids, nil
}

// StatsBySchedule aggregates delivery outcomes for one schedule
func (r *DeliveryLogRepositoryImpl) StatsBySchedule(ctx context.Context, scheduleID uint) (*models.DeliveryStats, error) {
	db := r.getDB(ctx)

	var rows []struct {
		Status models.DeliveryStatus
		Count  int64
	}
	err := db.Model(&models.DeliveryLog{}).
		Select("status, COUNT(*) as count").
		Where("schedule_id = ?", scheduleID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate delivery stats: %w", err)
	}

	stats := &models.DeliveryStats{}
	for _, row := range rows {
		switch row.Status {
		case models.DeliveryStatusPending:
			stats.Pending = row.Count
		case models.DeliveryStatusSent:
			stats.Sent = row.Count
		case models.DeliveryStatusFailed:
			stats.Failed = row.Count
		case models.DeliveryStatusRateLimited:
			stats.RateLimited = row.Count
		}
		stats.Total += row.Count
	}
	return stats, nil
}

// ListBySchedule returns the delivery rows of one schedule, oldest first
func (r *DeliveryLogRepositoryImpl) ListBySchedule(ctx context.Context, scheduleID uint, limit, offset int) ([]*models.DeliveryLog, error) {
	filter := models.DeliveryLogFilter{ScheduleID: &scheduleID}
	return r.ByFilter(ctx, filter, "id ASC", limit, offset)
}

func (r *DeliveryLogRepositoryImpl) applyFilter(db *gorm.DB, f models.DeliveryLogFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.ScheduleID != nil {
		db = db.Where("schedule_id = ?", *f.ScheduleID)
	}
	if f.ExecutionID != nil {
		db = db.Where("execution_id = ?", *f.ExecutionID)
	}
	if f.ContactID != nil {
		db = db.Where("contact_id = ?", *f.ContactID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *DeliveryLogRepositoryImpl) ByFilter(ctx context.Context, filter models.DeliveryLogFilter, orderBy string, limit, offset int) ([]*models.DeliveryLog, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.DeliveryLog{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.DeliveryLog
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DeliveryLogRepositoryImpl) Count(ctx context.Context, filter models.DeliveryLogFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.DeliveryLog{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *DeliveryLogRepositoryImpl) Exists(ctx context.Context, filter models.DeliveryLogFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
