package testing

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/mercatorhq/herald/models"
)

// Fixtures bundles the in-memory stores with helpers for seeding test data
type Fixtures struct {
	Schedules *MemoryScheduleRepository
	Messages  *MemoryMessageRepository
	Contacts  *MemoryContactRepository
	Groups    *MemoryContactGroupRepository
	Logs      *MemoryDeliveryLogRepository
}

// NewFixtures creates a fresh set of empty stores
func NewFixtures() *Fixtures {
	return &Fixtures{
		Schedules: NewMemoryScheduleRepository(),
		Messages:  NewMemoryMessageRepository(),
		Contacts:  NewMemoryContactRepository(),
		Groups:    NewMemoryContactGroupRepository(),
		Logs:      NewMemoryDeliveryLogRepository(),
	}
}

// CreateTestContact seeds an active contact
func (f *Fixtures) CreateTestContact(name, phone, city string) (*models.Contact, error) {
	contact := &models.Contact{
		Name:   name,
		Phone:  phone,
		City:   city,
		Active: true,
	}
	if err := f.Contacts.Save(context.Background(), contact); err != nil {
		return nil, fmt.Errorf("failed to seed contact %s: %w", name, err)
	}
	return contact, nil
}

// CreateTestMessage seeds an active message with optional variations
func (f *Fixtures) CreateTestMessage(title, body string, variations ...string) (*models.Message, error) {
	message := &models.Message{
		Title:      title,
		Body:       body,
		Variations: pq.StringArray(variations),
		Active:     true,
	}
	if err := f.Messages.Save(context.Background(), message); err != nil {
		return nil, fmt.Errorf("failed to seed message %s: %w", title, err)
	}
	return message, nil
}

// CreateTestGroup seeds a group containing the given contacts
func (f *Fixtures) CreateTestGroup(name string, contactIDs ...uint) (*models.ContactGroup, error) {
	group := &models.ContactGroup{Name: name}
	if err := f.Groups.Save(context.Background(), group); err != nil {
		return nil, fmt.Errorf("failed to seed group %s: %w", name, err)
	}
	for _, id := range contactIDs {
		if err := f.Groups.AddMember(context.Background(), group.ID, id); err != nil {
			return nil, fmt.Errorf("failed to add contact %d to group %s: %w", id, name, err)
		}
	}
	return group, nil
}

// CreateTestSchedule seeds a schedule, filling in pending status and UUID
func (f *Fixtures) CreateTestSchedule(schedule *models.Schedule) (*models.Schedule, error) {
	if err := f.Schedules.Save(context.Background(), schedule); err != nil {
		return nil, fmt.Errorf("failed to seed schedule: %w", err)
	}
	return schedule, nil
}

// ContactIDs converts contact IDs to the array type schedules store
func ContactIDs(ids ...uint) pq.Int64Array {
	out := make(pq.Int64Array, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}
