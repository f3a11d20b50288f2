package services

import (
	"context"

	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
)

// DirectoryService resolves recipients from the contact and group
// repositories. Inactive contacts are dropped here so no schedule or
// immediate send can reach them.
type DirectoryService struct {
	contacts repository.ContactRepository
	groups   repository.ContactGroupRepository
}

// NewDirectoryService creates a directory backed by the repositories
func NewDirectoryService(contacts repository.ContactRepository, groups repository.ContactGroupRepository) *DirectoryService {
	return &DirectoryService{
		contacts: contacts,
		groups:   groups,
	}
}

// ContactsByIDs loads the given contacts, active ones only
func (d *DirectoryService) ContactsByIDs(ctx context.Context, ids []uint) ([]*models.Contact, error) {
	contacts, err := d.contacts.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := make([]*models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

// GroupMemberIDs returns the contact IDs belonging to a group
func (d *DirectoryService) GroupMemberIDs(ctx context.Context, groupID uint) ([]uint, error) {
	return d.groups.MemberContactIDs(ctx, groupID)
}
