package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/utils"
)

// Contact represents a message recipient in the directory.
// Phone is the gateway address; Name, City and Nickname feed placeholder
// substitution at dispatch time.
type Contact struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UUID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uk_contacts_uuid" json:"uuid"`
	Name      string     `gorm:"size:120;not null" json:"name"`
	Phone     string     `gorm:"size:20;not null;uniqueIndex:uk_contacts_phone" json:"phone"`
	City      string     `gorm:"size:80" json:"city"`
	Nickname  *string    `gorm:"size:80" json:"nickname,omitempty"`
	Active    bool       `gorm:"not null;default:true;index:idx_contacts_active" json:"active"`
	CreatedAt time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (Contact) TableName() string {
	return "contacts"
}

// BeforeCreate is called before creating a new record
func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (c *Contact) BeforeUpdate(tx *gorm.DB) error {
	now := utils.UTCNow()
	c.UpdatedAt = &now
	return nil
}

// ContactFilter represents filter criteria for contacts
type ContactFilter struct {
	ID            *uint      `json:"id,omitempty"`
	UUID          *uuid.UUID `json:"uuid,omitempty"`
	Name          *string    `json:"name,omitempty"`
	Phone         *string    `json:"phone,omitempty"`
	City          *string    `json:"city,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
