package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/utils"
)

// ContactGroup represents a named set of contacts targetable by schedules
type ContactGroup struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UUID        uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uk_contact_groups_uuid" json:"uuid"`
	Name        string     `gorm:"size:120;not null;uniqueIndex:uk_contact_groups_name" json:"name"`
	Description *string    `gorm:"type:text" json:"description,omitempty"`
	CreatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	// Relations
	Members []ContactGroupMember `gorm:"foreignKey:GroupID;references:ID" json:"members,omitempty"`
}

// TableName returns the table name for the model
func (ContactGroup) TableName() string {
	return "contact_groups"
}

// BeforeCreate is called before creating a new record
func (g *ContactGroup) BeforeCreate(tx *gorm.DB) error {
	if g.UUID == uuid.Nil {
		g.UUID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (g *ContactGroup) BeforeUpdate(tx *gorm.DB) error {
	now := utils.UTCNow()
	g.UpdatedAt = &now
	return nil
}

// ContactGroupMember links a contact into a group
type ContactGroupMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	GroupID   uint      `gorm:"not null;uniqueIndex:uk_group_members_group_contact;index:idx_group_members_group_id" json:"group_id"`
	ContactID uint      `gorm:"not null;uniqueIndex:uk_group_members_group_contact;index:idx_group_members_contact_id" json:"contact_id"`
	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`

	// Relations
	Contact *Contact `gorm:"foreignKey:ContactID;references:ID" json:"contact,omitempty"`
}

// TableName returns the table name for the model
func (ContactGroupMember) TableName() string {
	return "contact_group_members"
}

// ContactGroupFilter represents filter criteria for contact groups
type ContactGroupFilter struct {
	ID            *uint      `json:"id,omitempty"`
	UUID          *uuid.UUID `json:"uuid,omitempty"`
	Name          *string    `json:"name,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
