// Package businessflow contains the core business logic and use cases for schedule workflows
package businessflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/app/breaker"
	"github.com/mercatorhq/herald/app/dispatch"
	"github.com/mercatorhq/herald/app/dto"
	"github.com/mercatorhq/herald/app/ratelimit"
	"github.com/mercatorhq/herald/app/scheduler"
	"github.com/mercatorhq/herald/cache"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
	"github.com/mercatorhq/herald/utils"
)

// ScheduleFlow handles the schedule lifecycle business logic
type ScheduleFlow interface {
	CreateSchedule(ctx context.Context, req *dto.CreateScheduleRequest, metadata *ClientMetadata) (*dto.CreateScheduleResponse, error)
	CancelSchedule(ctx context.Context, req *dto.CancelScheduleRequest, metadata *ClientMetadata) (*dto.CancelScheduleResponse, error)
	GetScheduleStatus(ctx context.Context, req *dto.GetScheduleStatusRequest, metadata *ClientMetadata) (*dto.GetScheduleStatusResponse, error)
	ListSchedulesStatus(ctx context.Context, metadata *ClientMetadata) (*dto.ListSchedulesStatusResponse, error)
	SendImmediate(ctx context.Context, req *dto.SendImmediateRequest, metadata *ClientMetadata) (*dto.SendImmediateResponse, error)
	ResetRecipientLimit(ctx context.Context, contactUUID string, metadata *ClientMetadata) (*dto.ResetRateLimitResponse, error)
}

// ScheduleEngine is the slice of the scheduler the flows drive: arming
// freshly created schedules, tearing down cancelled ones, and reporting
// what is currently armed.
type ScheduleEngine interface {
	Arm(schedule *models.Schedule) error
	Cancel(scheduleID uint) bool
	ActiveTriggers() []scheduler.TriggerInfo
}

// ImmediateSender dispatches one message to a set of contacts without a
// schedule row, implemented by the dispatcher.
type ImmediateSender interface {
	SendImmediate(ctx context.Context, message *models.Message, contactIDs []uint) (*dispatch.Result, error)
}

// ScheduleFlowImpl implements the schedule business flow
type ScheduleFlowImpl struct {
	schedules   repository.ScheduleRepository
	messages    repository.MessageRepository
	contacts    repository.ContactRepository
	logs        repository.DeliveryLogRepository
	engine      ScheduleEngine
	sender      ImmediateSender
	limiter     *ratelimit.Limiter
	brk         *breaker.Breaker
	statusCache *cache.ScheduleStatusCache
	schedCfg    config.SchedulerConfig
	dispatchCfg config.DispatchConfig
	db          *gorm.DB
	log         zerolog.Logger
	now         func() time.Time
}

// NewScheduleFlow creates a new schedule flow instance
func NewScheduleFlow(
	schedules repository.ScheduleRepository,
	messages repository.MessageRepository,
	contacts repository.ContactRepository,
	logs repository.DeliveryLogRepository,
	engine ScheduleEngine,
	sender ImmediateSender,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	statusCache *cache.ScheduleStatusCache,
	schedCfg config.SchedulerConfig,
	dispatchCfg config.DispatchConfig,
	db *gorm.DB,
	log zerolog.Logger,
) ScheduleFlow {
	return &ScheduleFlowImpl{
		schedules:   schedules,
		messages:    messages,
		contacts:    contacts,
		logs:        logs,
		engine:      engine,
		sender:      sender,
		limiter:     limiter,
		brk:         brk,
		statusCache: statusCache,
		schedCfg:    schedCfg,
		dispatchCfg: dispatchCfg,
		db:          db,
		log:         log,
		now:         utils.UTCNow,
	}
}

// CreateSchedule validates the schedule spec, persists it and arms its
// trigger. Validation failures reject the request before anything is
// persisted.
func (s *ScheduleFlowImpl) CreateSchedule(ctx context.Context, req *dto.CreateScheduleRequest, metadata *ClientMetadata) (*dto.CreateScheduleResponse, error) {
	if err := s.validateCreateScheduleRequest(req); err != nil {
		return nil, NewBusinessError("SCHEDULE_VALIDATION_FAILED", "Schedule validation failed", err)
	}

	message, err := s.messages.ByUUID(ctx, req.MessageUUID)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		return nil, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}
	if !message.Active {
		return nil, NewBusinessError("MESSAGE_INACTIVE", "Message is inactive", ErrMessageInactive)
	}

	schedule := s.buildSchedule(req, message)

	err = s.withTx(ctx, func(txCtx context.Context) error {
		return s.schedules.Save(txCtx, schedule)
	})
	if err != nil {
		return nil, NewBusinessError("SCHEDULE_CREATION_FAILED", "Schedule creation failed", err)
	}

	if err := s.engine.Arm(schedule); err != nil {
		// The row is committed; the rescan loop will still pick it up.
		s.log.Warn().Err(err).Uint("schedule_id", schedule.ID).Msg("failed to arm created schedule")
	}
	s.statusCache.RecordScheduleStatus(ctx, schedule)

	withClient(s.log.Info(), metadata).
		Str("schedule_uuid", schedule.UUID.String()).
		Str("type", schedule.Type.String()).
		Msg("schedule created")

	return &dto.CreateScheduleResponse{
		Message:   "Schedule created successfully",
		UUID:      schedule.UUID.String(),
		Status:    schedule.Status.String(),
		NextRun:   schedule.NextRun,
		CreatedAt: schedule.CreatedAt.Format(time.RFC3339),
	}, nil
}

// CancelSchedule transitions a schedule to cancelled and removes any armed
// trigger. A run already in flight is interrupted; its in-flight sends
// complete but no further recipients are attempted.
func (s *ScheduleFlowImpl) CancelSchedule(ctx context.Context, req *dto.CancelScheduleRequest, metadata *ClientMetadata) (*dto.CancelScheduleResponse, error) {
	schedule, err := s.schedules.ByUUID(ctx, req.UUID)
	if err != nil {
		return nil, NewBusinessError("SCHEDULE_LOOKUP_FAILED", "Failed to lookup schedule", err)
	}
	if schedule == nil {
		return nil, NewBusinessError("SCHEDULE_NOT_FOUND", "Schedule not found", ErrScheduleNotFound)
	}
	if !schedule.IsCancellable() {
		return nil, NewBusinessError("SCHEDULE_NOT_CANCELLABLE", "Schedule is not cancellable in its current status", ErrScheduleNotCancellable)
	}

	var claimed bool
	err = s.withTx(ctx, func(txCtx context.Context) error {
		var terr error
		claimed, terr = s.schedules.TransitionStatus(txCtx, schedule.ID, models.ScheduleStatusPending, models.ScheduleStatusCancelled)
		if terr != nil {
			return terr
		}
		if !claimed {
			claimed, terr = s.schedules.TransitionStatus(txCtx, schedule.ID, models.ScheduleStatusProcessing, models.ScheduleStatusCancelled)
			if terr != nil {
				return terr
			}
		}
		if !claimed {
			return nil
		}
		schedule.Status = models.ScheduleStatusCancelled
		schedule.NextRun = nil
		return s.schedules.Update(txCtx, *schedule)
	})
	if err != nil {
		return nil, NewBusinessError("SCHEDULE_CANCELLATION_FAILED", "Schedule cancellation failed", err)
	}

	live := s.engine.Cancel(schedule.ID)

	if claimed {
		s.statusCache.RecordScheduleStatus(ctx, schedule)
	} else {
		// The schedule finished concurrently; drop the stale snapshot.
		s.statusCache.Invalidate(ctx, schedule.UUID.String())
	}

	withClient(s.log.Info(), metadata).
		Str("schedule_uuid", schedule.UUID.String()).
		Bool("claimed", claimed).
		Bool("trigger_live", live).
		Msg("schedule cancellation requested")

	message := "Schedule cancelled successfully"
	if !claimed {
		message = "Schedule already finished"
	}
	return &dto.CancelScheduleResponse{
		Message:   message,
		Cancelled: claimed,
	}, nil
}

// GetScheduleStatus returns one schedule with its aggregated delivery
// stats. The schedule part is served from the status cache when present;
// stats always come from the delivery log.
func (s *ScheduleFlowImpl) GetScheduleStatus(ctx context.Context, req *dto.GetScheduleStatusRequest, metadata *ClientMetadata) (*dto.GetScheduleStatusResponse, error) {
	if snap, err := s.statusCache.Status(ctx, req.UUID); err == nil && snap != nil {
		stats, serr := s.logs.StatsBySchedule(ctx, snap.ScheduleID)
		if serr != nil {
			return nil, NewBusinessError("DELIVERY_STATS_FAILED", "Failed to aggregate delivery stats", serr)
		}
		return &dto.GetScheduleStatusResponse{
			Message:  "Schedule status retrieved successfully",
			Schedule: scheduleDTOFromSnapshot(snap),
			Stats:    ToDeliveryStatsDTO(*stats),
		}, nil
	}

	schedule, err := s.schedules.ByUUID(ctx, req.UUID)
	if err != nil {
		return nil, NewBusinessError("SCHEDULE_LOOKUP_FAILED", "Failed to lookup schedule", err)
	}
	if schedule == nil {
		return nil, NewBusinessError("SCHEDULE_NOT_FOUND", "Schedule not found", ErrScheduleNotFound)
	}

	stats, err := s.logs.StatsBySchedule(ctx, schedule.ID)
	if err != nil {
		return nil, NewBusinessError("DELIVERY_STATS_FAILED", "Failed to aggregate delivery stats", err)
	}

	s.statusCache.RecordScheduleStatus(ctx, schedule)

	return &dto.GetScheduleStatusResponse{
		Message:  "Schedule status retrieved successfully",
		Schedule: ToScheduleDTO(*schedule),
		Stats:    ToDeliveryStatsDTO(*stats),
	}, nil
}

// ListSchedulesStatus summarizes all schedules plus the shared dispatch
// machinery: counts by status and type, armed triggers, limiter levels and
// breaker state.
func (s *ScheduleFlowImpl) ListSchedulesStatus(ctx context.Context, metadata *ClientMetadata) (*dto.ListSchedulesStatusResponse, error) {
	statusCounts := make(map[string]int64, len(scheduleStatuses))
	for _, status := range scheduleStatuses {
		count, err := s.schedules.CountByStatus(ctx, status)
		if err != nil {
			return nil, NewBusinessError("SCHEDULE_COUNT_FAILED", "Failed to count schedules", err)
		}
		statusCounts[status.String()] = count
	}

	typeCounts := make(map[string]int64, len(scheduleTypes))
	for _, scheduleType := range scheduleTypes {
		count, err := s.schedules.CountByType(ctx, scheduleType)
		if err != nil {
			return nil, NewBusinessError("SCHEDULE_COUNT_FAILED", "Failed to count schedules", err)
		}
		typeCounts[scheduleType.String()] = count
	}

	triggers := s.engine.ActiveTriggers()
	triggerDTOs := make([]dto.TriggerDTO, 0, len(triggers))
	for _, t := range triggers {
		triggerDTOs = append(triggerDTOs, dto.TriggerDTO{
			ScheduleID:  t.ScheduleID,
			DueAt:       t.DueAt,
			ExecutionID: t.ExecutionID.String(),
			Attempt:     t.Attempt,
		})
	}

	limiterSnap := s.limiter.Snapshot()
	breakerSnap := s.brk.Snapshot()

	return &dto.ListSchedulesStatusResponse{
		Message:        "Schedules status retrieved successfully",
		StatusCounts:   statusCounts,
		TypeCounts:     typeCounts,
		ActiveTriggers: triggerDTOs,
		RateLimiter: dto.RateLimiterSnapshotDTO{
			GlobalTokens:       limiterSnap.GlobalTokens,
			GlobalCapacity:     limiterSnap.GlobalCapacity,
			GlobalPerMinute:    limiterSnap.GlobalPerMinute,
			ActiveRecipients:   limiterSnap.ActiveRecipients,
			RecipientPerMinute: limiterSnap.RecipientPerMinute,
			RecipientBurst:     limiterSnap.RecipientBurst,
		},
		CircuitBreaker: dto.CircuitBreakerSnapshotDTO{
			State:               breakerSnap.State.String(),
			ConsecutiveFailures: breakerSnap.ConsecutiveFailures,
			FailureThreshold:    breakerSnap.FailureThreshold,
			RetryAt:             breakerSnap.RetryAt,
		},
	}, nil
}

// SendImmediate dispatches a stored message to the given contacts right
// now, bypassing schedule persistence. Per-recipient outcomes land in the
// delivery log exactly like scheduled runs.
func (s *ScheduleFlowImpl) SendImmediate(ctx context.Context, req *dto.SendImmediateRequest, metadata *ClientMetadata) (*dto.SendImmediateResponse, error) {
	if len(req.ContactIDs) == 0 {
		return nil, NewBusinessError("DISPATCH_VALIDATION_FAILED", "Dispatch validation failed", ErrTargetsRequired)
	}

	message, err := s.messages.ByUUID(ctx, req.MessageUUID)
	if err != nil {
		return nil, NewBusinessError("MESSAGE_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if message == nil {
		return nil, NewBusinessError("MESSAGE_NOT_FOUND", "Message not found", ErrMessageNotFound)
	}
	if !message.Active {
		return nil, NewBusinessError("MESSAGE_INACTIVE", "Message is inactive", ErrMessageInactive)
	}

	res, err := s.sender.SendImmediate(ctx, message, req.ContactIDs)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, NewBusinessError("DISPATCH_CANCELLED", "Dispatch was cancelled", err)
		}
		return nil, NewBusinessError("DISPATCH_FAILED", "Dispatch failed", err)
	}

	withClient(s.log.Info(), metadata).
		Str("message_uuid", req.MessageUUID).
		Int("recipients", res.Recipients).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("rate_limited", res.RateLimited).
		Msg("immediate dispatch completed")

	return &dto.SendImmediateResponse{
		Message: "Dispatch completed",
		Result:  ToDispatchResultDTO(*res),
	}, nil
}

// ResetRecipientLimit forces one contact's rate bucket back to full, the
// manual override for support interventions.
func (s *ScheduleFlowImpl) ResetRecipientLimit(ctx context.Context, contactUUID string, metadata *ClientMetadata) (*dto.ResetRateLimitResponse, error) {
	contact, err := s.contacts.ByUUID(ctx, contactUUID)
	if err != nil {
		return nil, NewBusinessError("CONTACT_LOOKUP_FAILED", "Failed to lookup contact", err)
	}
	if contact == nil {
		return nil, NewBusinessError("CONTACT_NOT_FOUND", "Contact not found", ErrContactNotFound)
	}

	s.limiter.ResetRecipient(contact.ID)

	withClient(s.log.Info(), metadata).
		Uint("contact_id", contact.ID).
		Msg("recipient rate limit reset")

	return &dto.ResetRateLimitResponse{
		Message:     "Recipient rate limit reset successfully",
		ContactUUID: contact.UUID.String(),
		ContactID:   contact.ID,
	}, nil
}

var scheduleStatuses = []models.ScheduleStatus{
	models.ScheduleStatusPending,
	models.ScheduleStatusProcessing,
	models.ScheduleStatusCompleted,
	models.ScheduleStatusFailed,
	models.ScheduleStatusCancelled,
}

var scheduleTypes = []models.ScheduleType{
	models.ScheduleTypeImmediate,
	models.ScheduleTypeFuture,
	models.ScheduleTypeRecurring,
}

// validateCreateScheduleRequest enforces the type-specific schedule
// invariants before anything touches the database.
func (s *ScheduleFlowImpl) validateCreateScheduleRequest(req *dto.CreateScheduleRequest) error {
	scheduleType := models.ScheduleType(req.Type)
	if !scheduleType.Valid() {
		return ErrScheduleTypeInvalid
	}
	if len(req.ContactIDs) == 0 && len(req.GroupIDs) == 0 {
		return ErrTargetsRequired
	}
	if req.MaxRuns < 0 {
		return ErrMaxRunsNegative
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return ErrMaxRetriesNegative
	}

	switch scheduleType {
	case models.ScheduleTypeFuture:
		if req.ScheduledAt == nil {
			return ErrScheduledAtRequired
		}
		if req.ScheduledAt.Before(s.now()) {
			return ErrScheduledAtInPast
		}
	case models.ScheduleTypeRecurring:
		if req.CronExpr == nil || *req.CronExpr == "" {
			return ErrCronExprRequired
		}
		if err := scheduler.ValidateCron(*req.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrCronExprInvalid, err)
		}
	}

	return nil
}

// buildSchedule constructs the schedule model with its first due time. The
// request is already validated.
func (s *ScheduleFlowImpl) buildSchedule(req *dto.CreateScheduleRequest, message *models.Message) *models.Schedule {
	now := s.now()
	schedule := &models.Schedule{
		UUID:       uuid.New(),
		MessageID:  message.ID,
		Type:       models.ScheduleType(req.Type),
		Status:     models.ScheduleStatusPending,
		MaxRuns:    req.MaxRuns,
		MaxRetries: s.dispatchCfg.DefaultMaxRetry,
		ContactIDs: toInt64Array(req.ContactIDs),
		GroupIDs:   toInt64Array(req.GroupIDs),
	}
	if req.MaxRetries != nil {
		schedule.MaxRetries = *req.MaxRetries
	}

	switch schedule.Type {
	case models.ScheduleTypeImmediate:
		schedule.NextRun = &now
	case models.ScheduleTypeFuture:
		at := req.ScheduledAt.UTC()
		schedule.ScheduledAt = &at
		schedule.NextRun = &at
	case models.ScheduleTypeRecurring:
		schedule.CronExpr = req.CronExpr
		// Validated above, so this cannot fail here.
		if rec, err := scheduler.ParseRecurrence(*req.CronExpr); err == nil {
			next := rec.NextAfter(now)
			schedule.NextRun = &next
		}
		if schedule.MaxRuns == 0 && s.schedCfg.DefaultMaxRuns > 0 {
			schedule.MaxRuns = s.schedCfg.DefaultMaxRuns
		}
	}

	return schedule
}

// scheduleDTOFromSnapshot maps a cached status snapshot onto the same DTO
// shape the database path produces.
func scheduleDTOFromSnapshot(snap *cache.CachedStatus) dto.ScheduleDTO {
	return dto.ScheduleDTO{
		UUID:        snap.UUID,
		Type:        snap.Type.String(),
		Status:      snap.Status.String(),
		CronExpr:    snap.CronExpr,
		ScheduledAt: snap.ScheduledAt,
		NextRun:     snap.NextRun,
		LastRun:     snap.LastRun,
		RunCount:    snap.RunCount,
		MaxRuns:     snap.MaxRuns,
		RetryCount:  snap.RetryCount,
		MaxRetries:  snap.MaxRetries,
		LastError:   snap.LastError,
		ContactIDs:  snap.ContactIDs,
		GroupIDs:    snap.GroupIDs,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
}

func toInt64Array(ids []uint) pq.Int64Array {
	if len(ids) == 0 {
		return nil
	}
	out := make(pq.Int64Array, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

// withTx wraps fn in a database transaction when a handle is present.
// In-memory repositories run without one.
func (s *ScheduleFlowImpl) withTx(ctx context.Context, fn func(context.Context) error) error {
	if s.db == nil {
		return fn(ctx)
	}
	return repository.WithTransaction(ctx, s.db, fn)
}
