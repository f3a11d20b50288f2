package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mercatorhq/herald/models"
)

// ContactGroupRepositoryImpl implements the ContactGroupRepository interface
type ContactGroupRepositoryImpl struct {
	*BaseRepository[models.ContactGroup, models.ContactGroupFilter]
}

// NewContactGroupRepository creates a new contact group repository
func NewContactGroupRepository(db *gorm.DB) ContactGroupRepository {
	return &ContactGroupRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ContactGroup, models.ContactGroupFilter](db),
	}
}

// ByUUID retrieves a contact group by its public UUID
func (r *ContactGroupRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.ContactGroup, error) {
	db := r.getDB(ctx)

	var row models.ContactGroup
	err := db.Where("uuid = ?", uuid).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find contact group by UUID %s: %w", uuid, err)
	}

	return &row, nil
}

// MemberContactIDs returns the contact IDs in a group in insertion order
func (r *ContactGroupRepositoryImpl) MemberContactIDs(ctx context.Context, groupID uint) ([]uint, error) {
	db := r.getDB(ctx)

	var ids []uint
	err := db.Model(&models.ContactGroupMember{}).
		Where("group_id = ?", groupID).
		Order("id ASC").
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list group member contact IDs: %w", err)
	}
	return ids, nil
}

// AddMember links a contact into a group; adding an existing member is a no-op
func (r *ContactGroupRepositoryImpl) AddMember(ctx context.Context, groupID, contactID uint) error {
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

	member := models.ContactGroupMember{GroupID: groupID, ContactID: contactID}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "contact_id"}},
		DoNothing: true,
	}).Create(&member).Error
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}

	return nil
}

func (r *ContactGroupRepositoryImpl) applyFilter(db *gorm.DB, f models.ContactGroupFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.Name != nil {
		db = db.Where("name = ?", *f.Name)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *ContactGroupRepositoryImpl) ByFilter(ctx context.Context, filter models.ContactGroupFilter, orderBy string, limit, offset int) ([]*models.ContactGroup, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.ContactGroup{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.ContactGroup
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ContactGroupRepositoryImpl) Count(ctx context.Context, filter models.ContactGroupFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.ContactGroup{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *ContactGroupRepositoryImpl) Exists(ctx context.Context, filter models.ContactGroupFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
