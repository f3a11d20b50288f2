package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/utils"
)

// ScheduleRepositoryImpl implements the ScheduleRepository interface
type ScheduleRepositoryImpl struct {
	*BaseRepository[models.Schedule, models.ScheduleFilter]
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &ScheduleRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Schedule, models.ScheduleFilter](db),
	}
}

// ByUUID retrieves a schedule by its public UUID
func (r *ScheduleRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Schedule, error) {
	db := r.getDB(ctx)

	var row models.Schedule
	err := db.Where("uuid = ?", uuid).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find schedule by UUID %s: %w", uuid, err)
	}

	return &row, nil
}

// Update persists the full schedule row
func (r *ScheduleRepositoryImpl) Update(ctx context.Context, schedule models.Schedule) error {
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
	schedule.UpdatedAt = &now

	err = db.Save(&schedule).Error
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	return nil
}

// TransitionStatus flips status from one state to another atomically.
// Returns false when the row was no longer in the expected state, which is
// how concurrent fire and cancel resolve their race.
func (r *ScheduleRepositoryImpl) TransitionStatus(ctx context.Context, id uint, from, to models.ScheduleStatus) (bool, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
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
	res := db.Model(&models.Schedule{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": now,
		})
	if res.Error != nil {
		err = fmt.Errorf("failed to transition schedule status: %w", res.Error)
		return false, err
	}

	return res.RowsAffected > 0, nil
}

// ListDue returns pending schedules whose next run is at or before the given
// instant, oldest first
func (r *ScheduleRepositoryImpl) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.Schedule, error) {
	db := r.getDB(ctx)

	query := db.Model(&models.Schedule{}).
		Where("status = ? AND next_run IS NOT NULL AND next_run <= ?", models.ScheduleStatusPending, before).
		Order("next_run ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []*models.Schedule
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return rows, nil
}

// ListArmed returns every pending schedule carrying a next run time
func (r *ScheduleRepositoryImpl) ListArmed(ctx context.Context) ([]*models.Schedule, error) {
	db := r.getDB(ctx)

	var rows []*models.Schedule
	err := db.Model(&models.Schedule{}).
		Where("status = ? AND next_run IS NOT NULL", models.ScheduleStatusPending).
		Order("next_run ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list armed schedules: %w", err)
	}
	return rows, nil
}

// CountByStatus counts schedules in the given status
func (r *ScheduleRepositoryImpl) CountByStatus(ctx context.Context, status models.ScheduleStatus) (int64, error) {
	filter := models.ScheduleFilter{Status: &status}
	return r.Count(ctx, filter)
}

// CountByType counts schedules of the given type
func (r *ScheduleRepositoryImpl) CountByType(ctx context.Context, scheduleType models.ScheduleType) (int64, error) {
	filter := models.ScheduleFilter{Type: &scheduleType}
	return r.Count(ctx, filter)
}

func (r *ScheduleRepositoryImpl) applyFilter(db *gorm.DB, f models.ScheduleFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.MessageID != nil {
		db = db.Where("message_id = ?", *f.MessageID)
	}
	if f.Type != nil {
		db = db.Where("type = ?", *f.Type)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.NextRunBefore != nil {
		db = db.Where("next_run <= ?", *f.NextRunBefore)
	}
	if f.NextRunAfter != nil {
		db = db.Where("next_run >= ?", *f.NextRunAfter)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *ScheduleRepositoryImpl) ByFilter(ctx context.Context, filter models.ScheduleFilter, orderBy string, limit, offset int) ([]*models.Schedule, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Schedule{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Schedule
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepositoryImpl) Count(ctx context.Context, filter models.ScheduleFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Schedule{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *ScheduleRepositoryImpl) Exists(ctx context.Context, filter models.ScheduleFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
