// Package testing provides in-memory repository implementations and fixture
// builders for exercising dispatch and scheduling logic without a database,
// plus a disposable PostgreSQL harness for the repository integration tests.
package testing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/utils"
)

// MemoryScheduleRepository implements repository.ScheduleRepository in memory.
type MemoryScheduleRepository struct {
	mu     sync.Mutex
	rows   map[uint]*models.Schedule
	nextID uint
}

// NewMemoryScheduleRepository creates an empty schedule store
func NewMemoryScheduleRepository() *MemoryScheduleRepository {
	return &MemoryScheduleRepository{rows: make(map[uint]*models.Schedule)}
}

func cloneSchedule(s *models.Schedule) *models.Schedule {
	cp := *s
	cp.ContactIDs = append(pq.Int64Array(nil), s.ContactIDs...)
	cp.GroupIDs = append(pq.Int64Array(nil), s.GroupIDs...)
	return &cp
}

func (r *MemoryScheduleRepository) ByID(ctx context.Context, id uint) (*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneSchedule(row), nil
}

func (r *MemoryScheduleRepository) ByUUID(ctx context.Context, id string) (*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UUID.String() == id {
			return cloneSchedule(row), nil
		}
	}
	return nil, nil
}

func (r *MemoryScheduleRepository) Save(ctx context.Context, s *models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		r.nextID++
		s.ID = r.nextID
	} else if s.ID > r.nextID {
		r.nextID = s.ID
	}
	if err := s.BeforeCreate(nil); err != nil {
		return err
	}
	r.rows[s.ID] = cloneSchedule(s)
	return nil
}

func (r *MemoryScheduleRepository) SaveBatch(ctx context.Context, entities []*models.Schedule) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryScheduleRepository) Update(ctx context.Context, s models.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := utils.UTCNow()
	s.UpdatedAt = &now
	r.rows[s.ID] = cloneSchedule(&s)
	return nil
}

func (r *MemoryScheduleRepository) TransitionStatus(ctx context.Context, id uint, from, to models.ScheduleStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	now := utils.UTCNow()
	row.UpdatedAt = &now
	return true, nil
}

func (r *MemoryScheduleRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Schedule
	for _, row := range r.rows {
		if row.Status == models.ScheduleStatusPending && row.NextRun != nil && !row.NextRun.After(before) {
			out = append(out, cloneSchedule(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryScheduleRepository) ListArmed(ctx context.Context) ([]*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Schedule
	for _, row := range r.rows {
		if row.Status == models.ScheduleStatusPending && row.NextRun != nil {
			out = append(out, cloneSchedule(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	return out, nil
}

func (r *MemoryScheduleRepository) matches(row *models.Schedule, f models.ScheduleFilter) bool {
	if f.ID != nil && row.ID != *f.ID {
		return false
	}
	if f.UUID != nil && row.UUID != *f.UUID {
		return false
	}
	if f.MessageID != nil && row.MessageID != *f.MessageID {
		return false
	}
	if f.Type != nil && row.Type != *f.Type {
		return false
	}
	if f.Status != nil && row.Status != *f.Status {
		return false
	}
	if f.NextRunBefore != nil && (row.NextRun == nil || row.NextRun.After(*f.NextRunBefore)) {
		return false
	}
	if f.NextRunAfter != nil && (row.NextRun == nil || row.NextRun.Before(*f.NextRunAfter)) {
		return false
	}
	if f.CreatedAfter != nil && row.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !row.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (r *MemoryScheduleRepository) ByFilter(ctx context.Context, filter models.ScheduleFilter, orderBy string, limit, offset int) ([]*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Schedule
	for _, row := range r.rows {
		if r.matches(row, filter) {
			out = append(out, cloneSchedule(row))
		}
	}
	switch orderBy {
	case "created_at DESC":
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID > out[j].ID
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	case "next_run ASC":
		sort.Slice(out, func(i, j int) bool {
			if out[i].NextRun == nil || out[j].NextRun == nil {
				return out[i].ID < out[j].ID
			}
			return out[i].NextRun.Before(*out[j].NextRun)
		})
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return page(out, limit, offset), nil
}

func (r *MemoryScheduleRepository) Count(ctx context.Context, filter models.ScheduleFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (r *MemoryScheduleRepository) Exists(ctx context.Context, filter models.ScheduleFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

func (r *MemoryScheduleRepository) CountByStatus(ctx context.Context, status models.ScheduleStatus) (int64, error) {
	return r.Count(ctx, models.ScheduleFilter{Status: &status})
}

func (r *MemoryScheduleRepository) CountByType(ctx context.Context, scheduleType models.ScheduleType) (int64, error) {
	return r.Count(ctx, models.ScheduleFilter{Type: &scheduleType})
}

// MemoryMessageRepository implements repository.MessageRepository in memory.
type MemoryMessageRepository struct {
	mu     sync.Mutex
	rows   map[uint]*models.Message
	nextID uint
}

// NewMemoryMessageRepository creates an empty message store
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{rows: make(map[uint]*models.Message)}
}

func cloneMessage(m *models.Message) *models.Message {
	cp := *m
	cp.Variations = append(pq.StringArray(nil), m.Variations...)
	return &cp
}

func (r *MemoryMessageRepository) ByID(ctx context.Context, id uint) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneMessage(row), nil
}

func (r *MemoryMessageRepository) ByUUID(ctx context.Context, id string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UUID.String() == id {
			return cloneMessage(row), nil
		}
	}
	return nil, nil
}

func (r *MemoryMessageRepository) Save(ctx context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == 0 {
		r.nextID++
		m.ID = r.nextID
	} else if m.ID > r.nextID {
		r.nextID = m.ID
	}
	if err := m.BeforeCreate(nil); err != nil {
		return err
	}
	r.rows[m.ID] = cloneMessage(m)
	return nil
}

func (r *MemoryMessageRepository) SaveBatch(ctx context.Context, entities []*models.Message) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryMessageRepository) matches(row *models.Message, f models.MessageFilter) bool {
	if f.ID != nil && row.ID != *f.ID {
		return false
	}
	if f.UUID != nil && row.UUID != *f.UUID {
		return false
	}
	if f.Title != nil && row.Title != *f.Title {
		return false
	}
	if f.Active != nil && row.Active != *f.Active {
		return false
	}
	return true
}

func (r *MemoryMessageRepository) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for _, row := range r.rows {
		if r.matches(row, filter) {
			out = append(out, cloneMessage(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (r *MemoryMessageRepository) ListActive(ctx context.Context, limit, offset int) ([]*models.Message, error) {
	active := true
	return r.ByFilter(ctx, models.MessageFilter{Active: &active}, "id ASC", limit, offset)
}

func (r *MemoryMessageRepository) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (r *MemoryMessageRepository) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

// MemoryContactRepository implements repository.ContactRepository in memory.
type MemoryContactRepository struct {
	mu     sync.Mutex
	rows   map[uint]*models.Contact
	nextID uint
}

// NewMemoryContactRepository creates an empty contact store
func NewMemoryContactRepository() *MemoryContactRepository {
	return &MemoryContactRepository{rows: make(map[uint]*models.Contact)}
}

func cloneContact(c *models.Contact) *models.Contact {
	cp := *c
	return &cp
}

func (r *MemoryContactRepository) ByID(ctx context.Context, id uint) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneContact(row), nil
}

func (r *MemoryContactRepository) ByUUID(ctx context.Context, id string) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UUID.String() == id {
			return cloneContact(row), nil
		}
	}
	return nil, nil
}

func (r *MemoryContactRepository) Save(ctx context.Context, c *models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == 0 {
		r.nextID++
		c.ID = r.nextID
	} else if c.ID > r.nextID {
		r.nextID = c.ID
	}
	if err := c.BeforeCreate(nil); err != nil {
		return err
	}
	r.rows[c.ID] = cloneContact(c)
	return nil
}

func (r *MemoryContactRepository) SaveBatch(ctx context.Context, entities []*models.Contact) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryContactRepository) ListByIDs(ctx context.Context, ids []uint) ([]*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Contact
	for _, id := range ids {
		if row, ok := r.rows[id]; ok {
			out = append(out, cloneContact(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryContactRepository) matches(row *models.Contact, f models.ContactFilter) bool {
	if f.ID != nil && row.ID != *f.ID {
		return false
	}
	if f.UUID != nil && row.UUID != *f.UUID {
		return false
	}
	if f.Name != nil && row.Name != *f.Name {
		return false
	}
	if f.Phone != nil && row.Phone != *f.Phone {
		return false
	}
	if f.City != nil && row.City != *f.City {
		return false
	}
	if f.Active != nil && row.Active != *f.Active {
		return false
	}
	return true
}

func (r *MemoryContactRepository) ByFilter(ctx context.Context, filter models.ContactFilter, orderBy string, limit, offset int) ([]*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Contact
	for _, row := range r.rows {
		if r.matches(row, filter) {
			out = append(out, cloneContact(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (r *MemoryContactRepository) Count(ctx context.Context, filter models.ContactFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (r *MemoryContactRepository) Exists(ctx context.Context, filter models.ContactFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

// MemoryContactGroupRepository implements repository.ContactGroupRepository
// in memory.
type MemoryContactGroupRepository struct {
	mu      sync.Mutex
	rows    map[uint]*models.ContactGroup
	members map[uint][]uint
	nextID  uint
}

// NewMemoryContactGroupRepository creates an empty group store
func NewMemoryContactGroupRepository() *MemoryContactGroupRepository {
	return &MemoryContactGroupRepository{
		rows:    make(map[uint]*models.ContactGroup),
		members: make(map[uint][]uint),
	}
}

func cloneGroup(g *models.ContactGroup) *models.ContactGroup {
	cp := *g
	cp.Members = append([]models.ContactGroupMember(nil), g.Members...)
	return &cp
}

func (r *MemoryContactGroupRepository) ByID(ctx context.Context, id uint) (*models.ContactGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneGroup(row), nil
}

func (r *MemoryContactGroupRepository) ByUUID(ctx context.Context, id string) (*models.ContactGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.UUID.String() == id {
			return cloneGroup(row), nil
		}
	}
	return nil, nil
}

func (r *MemoryContactGroupRepository) Save(ctx context.Context, g *models.ContactGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.ID == 0 {
		r.nextID++
		g.ID = r.nextID
	} else if g.ID > r.nextID {
		r.nextID = g.ID
	}
	if err := g.BeforeCreate(nil); err != nil {
		return err
	}
	r.rows[g.ID] = cloneGroup(g)
	return nil
}

func (r *MemoryContactGroupRepository) SaveBatch(ctx context.Context, entities []*models.ContactGroup) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryContactGroupRepository) AddMember(ctx context.Context, groupID, contactID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.members[groupID] {
		if id == contactID {
			return nil
		}
	}
	r.members[groupID] = append(r.members[groupID], contactID)
	return nil
}

func (r *MemoryContactGroupRepository) MemberContactIDs(ctx context.Context, groupID uint) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.members[groupID]...), nil
}

func (r *MemoryContactGroupRepository) matches(row *models.ContactGroup, f models.ContactGroupFilter) bool {
	if f.ID != nil && row.ID != *f.ID {
		return false
	}
	if f.UUID != nil && row.UUID != *f.UUID {
		return false
	}
	if f.Name != nil && row.Name != *f.Name {
		return false
	}
	return true
}

func (r *MemoryContactGroupRepository) ByFilter(ctx context.Context, filter models.ContactGroupFilter, orderBy string, limit, offset int) ([]*models.ContactGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ContactGroup
	for _, row := range r.rows {
		if r.matches(row, filter) {
			out = append(out, cloneGroup(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (r *MemoryContactGroupRepository) Count(ctx context.Context, filter models.ContactGroupFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (r *MemoryContactGroupRepository) Exists(ctx context.Context, filter models.ContactGroupFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

// MemoryDeliveryLogRepository implements repository.DeliveryLogRepository in
// memory, preserving the append-only discipline of the real table.
type MemoryDeliveryLogRepository struct {
	mu     sync.Mutex
	rows   map[uint]*models.DeliveryLog
	nextID uint
}

// NewMemoryDeliveryLogRepository creates an empty delivery log
func NewMemoryDeliveryLogRepository() *MemoryDeliveryLogRepository {
	return &MemoryDeliveryLogRepository{rows: make(map[uint]*models.DeliveryLog)}
}

func cloneDeliveryLog(d *models.DeliveryLog) *models.DeliveryLog {
	cp := *d
	return &cp
}

func (r *MemoryDeliveryLogRepository) ByID(ctx context.Context, id uint) (*models.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return cloneDeliveryLog(row), nil
}

func (r *MemoryDeliveryLogRepository) Save(ctx context.Context, d *models.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == 0 {
		r.nextID++
		d.ID = r.nextID
	} else if d.ID > r.nextID {
		r.nextID = d.ID
	}
	if err := d.BeforeCreate(nil); err != nil {
		return err
	}
	r.rows[d.ID] = cloneDeliveryLog(d)
	return nil
}

func (r *MemoryDeliveryLogRepository) SaveBatch(ctx context.Context, entities []*models.DeliveryLog) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryDeliveryLogRepository) MarkOutcome(ctx context.Context, id uint, status models.DeliveryStatus, gatewayMessageID, errorCode, errorMessage *string, sentAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != models.DeliveryStatusPending {
		return nil
	}
	row.Status = status
	row.GatewayMessageID = gatewayMessageID
	row.ErrorCode = errorCode
	row.ErrorMessage = errorMessage
	row.SentAt = sentAt
	row.UpdatedAt = utils.UTCNow()
	return nil
}

func (r *MemoryDeliveryLogRepository) SentContactIDs(ctx context.Context, executionID uuid.UUID) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type pair struct {
		rowID     uint
		contactID uint
	}
	var hits []pair
	for _, row := range r.rows {
		if row.ExecutionID == executionID && row.Status == models.DeliveryStatusSent {
			hits = append(hits, pair{rowID: row.ID, contactID: row.ContactID})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].rowID < hits[j].rowID })
	out := make([]uint, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.contactID)
	}
	return out, nil
}

func (r *MemoryDeliveryLogRepository) StatsBySchedule(ctx context.Context, scheduleID uint) (*models.DeliveryStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &models.DeliveryStats{}
	for _, row := range r.rows {
		if row.ScheduleID == nil || *row.ScheduleID != scheduleID {
			continue
		}
		switch row.Status {
		case models.DeliveryStatusPending:
			stats.Pending++
		case models.DeliveryStatusSent:
			stats.Sent++
		case models.DeliveryStatusFailed:
			stats.Failed++
		case models.DeliveryStatusRateLimited:
			stats.RateLimited++
		}
		stats.Total++
	}
	return stats, nil
}

func (r *MemoryDeliveryLogRepository) ListBySchedule(ctx context.Context, scheduleID uint, limit, offset int) ([]*models.DeliveryLog, error) {
	return r.ByFilter(ctx, models.DeliveryLogFilter{ScheduleID: &scheduleID}, "id ASC", limit, offset)
}

func (r *MemoryDeliveryLogRepository) matches(row *models.DeliveryLog, f models.DeliveryLogFilter) bool {
	if f.ID != nil && row.ID != *f.ID {
		return false
	}
	if f.ScheduleID != nil && (row.ScheduleID == nil || *row.ScheduleID != *f.ScheduleID) {
		return false
	}
	if f.ExecutionID != nil && row.ExecutionID != *f.ExecutionID {
		return false
	}
	if f.ContactID != nil && row.ContactID != *f.ContactID {
		return false
	}
	if f.Status != nil && row.Status != *f.Status {
		return false
	}
	return true
}

func (r *MemoryDeliveryLogRepository) ByFilter(ctx context.Context, filter models.DeliveryLogFilter, orderBy string, limit, offset int) ([]*models.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.DeliveryLog
	for _, row := range r.rows {
		if r.matches(row, filter) {
			out = append(out, cloneDeliveryLog(row))
		}
	}
	switch orderBy {
	case "id DESC":
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return page(out, limit, offset), nil
}

func (r *MemoryDeliveryLogRepository) Count(ctx context.Context, filter models.DeliveryLogFilter) (int64, error) {
	rows, err := r.ByFilter(ctx, filter, "", 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (r *MemoryDeliveryLogRepository) Exists(ctx context.Context, filter models.DeliveryLogFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	return c > 0, err
}

func page[T any](rows []*T, limit, offset int) []*T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
