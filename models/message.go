package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/utils"
)

// Message represents a reusable message template in the database.
// Body is the primary text; Variations holds up to five alternative
// phrasings stored as PostgreSQL text[]. Dispatch picks uniformly among
// body and variations per delivery, and the chosen index is recorded in
// the delivery log (0 = body, n = Variations[n-1]).
type Message struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_messages_uuid" json:"uuid"`
	Title      string         `gorm:"size:120;not null" json:"title"`
	Body       string         `gorm:"type:text;not null" json:"body"`
	Variations pq.StringArray `gorm:"type:text[]" json:"variations"`
	Active     bool           `gorm:"not null;default:true;index:idx_messages_active" json:"active"`
	CreatedAt  time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_messages_created_at" json:"created_at"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate is called before creating a new record
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (m *Message) BeforeUpdate(tx *gorm.DB) error {
	now := utils.UTCNow()
	m.UpdatedAt = &now
	return nil
}

// VariantCount returns the number of selectable texts (body included)
func (m *Message) VariantCount() int {
	return 1 + len(m.Variations)
}

// BodyForVariation returns the text for the given variation index.
// Index 0 is the body; out-of-range indices fall back to the body.
func (m *Message) BodyForVariation(idx int) string {
	if idx <= 0 || idx > len(m.Variations) {
		return m.Body
	}
	return m.Variations[idx-1]
}

// HasContent reports whether the message has a non-blank body
func (m *Message) HasContent() bool {
	return strings.TrimSpace(m.Body) != ""
}

// MessageFilter represents filter criteria for messages
type MessageFilter struct {
	ID            *uint      `json:"id,omitempty"`
	UUID          *uuid.UUID `json:"uuid,omitempty"`
	Title         *string    `json:"title,omitempty"`
	Active        *bool      `json:"active,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
