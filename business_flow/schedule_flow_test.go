package businessflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatorhq/herald/app/breaker"
	"github.com/mercatorhq/herald/app/dispatch"
	"github.com/mercatorhq/herald/app/dto"
	"github.com/mercatorhq/herald/app/ratelimit"
	"github.com/mercatorhq/herald/app/scheduler"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/models"
	testingutil "github.com/mercatorhq/herald/testing"
	"github.com/mercatorhq/herald/utils"
)

var flowTestNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu        sync.Mutex
	armed     []uint
	cancelled []uint
	armErr    error
	live      bool
	triggers  []scheduler.TriggerInfo
}

func (e *fakeEngine) Arm(schedule *models.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armErr != nil {
		return e.armErr
	}
	e.armed = append(e.armed, schedule.ID)
	return nil
}

func (e *fakeEngine) Cancel(scheduleID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, scheduleID)
	return e.live
}

func (e *fakeEngine) ActiveTriggers() []scheduler.TriggerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggers
}

type fakeSender struct {
	mu     sync.Mutex
	gotMsg *models.Message
	gotIDs []uint
	res    *dispatch.Result
	err    error
}

func (s *fakeSender) SendImmediate(ctx context.Context, message *models.Message, contactIDs []uint) (*dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gotMsg = message
	s.gotIDs = contactIDs
	if s.res == nil && s.err == nil {
		return &dispatch.Result{ExecutionID: uuid.New(), Recipients: len(contactIDs), Sent: len(contactIDs)}, nil
	}
	return s.res, s.err
}

type flowEnv struct {
	fx     *testingutil.Fixtures
	engine *fakeEngine
	sender *fakeSender
	flow   *ScheduleFlowImpl
}

func newFlowEnv(t *testing.T) *flowEnv {
	t.Helper()
	fx := testingutil.NewFixtures()
	engine := &fakeEngine{live: true}
	sender := &fakeSender{}
	limiter := ratelimit.NewLimiter(config.SendRateConfig{
		GlobalPerMinute:    600,
		GlobalBurst:        100,
		RecipientPerMinute: 60,
		RecipientBurst:     5,
		RecipientIdleTTL:   time.Minute,
		SweepInterval:      time.Minute,
	}, zerolog.Nop())
	brk := breaker.New(config.CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}, zerolog.Nop())

	flow := NewScheduleFlow(
		fx.Schedules, fx.Messages, fx.Contacts, fx.Logs,
		engine, sender, limiter, brk, nil,
		config.SchedulerConfig{},
		config.DispatchConfig{DefaultMaxRetry: 3},
		nil, zerolog.Nop(),
	).(*ScheduleFlowImpl)
	flow.now = func() time.Time { return flowTestNow }

	return &flowEnv{fx: fx, engine: engine, sender: sender, flow: flow}
}

func (e *flowEnv) seedMessage(t *testing.T) *models.Message {
	t.Helper()
	message, err := e.fx.CreateTestMessage("welcome", "Hi {name}", "Hello {name}")
	require.NoError(t, err)
	return message
}

func (e *flowEnv) reloadByUUID(t *testing.T, scheduleUUID string) *models.Schedule {
	t.Helper()
	got, err := e.fx.Schedules.ByUUID(context.Background(), scheduleUUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestCreateScheduleImmediate(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	resp, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: message.UUID.String(),
		Type:        "immediate",
		ContactIDs:  []uint{1, 2},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "pending", resp.Status)
	require.NotNil(t, resp.NextRun)
	assert.True(t, resp.NextRun.Equal(flowTestNow), "immediate schedules are due right away")

	stored := env.reloadByUUID(t, resp.UUID)
	assert.Equal(t, message.ID, stored.MessageID)
	assert.Equal(t, 3, stored.MaxRetries, "default retry budget applies when the request omits one")
	assert.Equal(t, testingutil.ContactIDs(1, 2), stored.ContactIDs)

	require.Len(t, env.engine.armed, 1)
	assert.Equal(t, stored.ID, env.engine.armed[0])
}

func TestCreateScheduleFuture(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	at := flowTestNow.Add(2 * time.Hour)
	resp, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: message.UUID.String(),
		Type:        "future",
		ScheduledAt: &at,
		MaxRetries:  utils.ToPtr(5),
		ContactIDs:  []uint{1},
	}, nil)
	require.NoError(t, err)

	stored := env.reloadByUUID(t, resp.UUID)
	require.NotNil(t, stored.ScheduledAt)
	assert.True(t, stored.ScheduledAt.Equal(at))
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.Equal(at), "future schedules fire at their scheduled time")
	assert.Equal(t, 5, stored.MaxRetries)
}

func TestCreateScheduleRecurring(t *testing.T) {
	t.Run("FirstRunFollowsCron", func(t *testing.T) {
		env := newFlowEnv(t)
		message := env.seedMessage(t)

		resp, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
			MessageUUID: message.UUID.String(),
			Type:        "recurring",
			CronExpr:    utils.ToPtr("0 9 * * *"),
			MaxRuns:     4,
			GroupIDs:    []uint{1},
		}, nil)
		require.NoError(t, err)

		stored := env.reloadByUUID(t, resp.UUID)
		require.NotNil(t, stored.NextRun)
		assert.Equal(t, time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), stored.NextRun.UTC())
		assert.Equal(t, 4, stored.MaxRuns)
	})

	t.Run("DefaultMaxRunsFillsUnlimited", func(t *testing.T) {
		env := newFlowEnv(t)
		env.flow.schedCfg.DefaultMaxRuns = 10
		message := env.seedMessage(t)

		resp, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
			MessageUUID: message.UUID.String(),
			Type:        "recurring",
			CronExpr:    utils.ToPtr("*/5 * * * *"),
			ContactIDs:  []uint{1},
		}, nil)
		require.NoError(t, err)

		stored := env.reloadByUUID(t, resp.UUID)
		assert.Equal(t, 10, stored.MaxRuns)
	})
}

func TestCreateScheduleValidation(t *testing.T) {
	valid := func() *dto.CreateScheduleRequest {
		return &dto.CreateScheduleRequest{
			Type:       "immediate",
			ContactIDs: []uint{1},
		}
	}

	cases := []struct {
		name   string
		mutate func(*dto.CreateScheduleRequest)
		check  func(error) bool
	}{
		{"UnknownType", func(r *dto.CreateScheduleRequest) { r.Type = "weekly" }, IsScheduleTypeInvalid},
		{"NoTargets", func(r *dto.CreateScheduleRequest) { r.ContactIDs = nil }, IsTargetsRequired},
		{"FutureWithoutTime", func(r *dto.CreateScheduleRequest) { r.Type = "future" }, IsScheduledAtRequired},
		{"FutureInPast", func(r *dto.CreateScheduleRequest) {
			r.Type = "future"
			r.ScheduledAt = utils.ToPtr(flowTestNow.Add(-time.Minute))
		}, IsScheduledAtInPast},
		{"RecurringWithoutCron", func(r *dto.CreateScheduleRequest) { r.Type = "recurring" }, IsCronExprRequired},
		{"RecurringBadCron", func(r *dto.CreateScheduleRequest) {
			r.Type = "recurring"
			r.CronExpr = utils.ToPtr("every day at nine")
		}, IsCronExprInvalid},
		{"NegativeMaxRuns", func(r *dto.CreateScheduleRequest) { r.MaxRuns = -1 }, IsMaxRunsNegative},
		{"NegativeMaxRetries", func(r *dto.CreateScheduleRequest) { r.MaxRetries = utils.ToPtr(-1) }, IsMaxRetriesNegative},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newFlowEnv(t)
			message := env.seedMessage(t)

			req := valid()
			req.MessageUUID = message.UUID.String()
			tc.mutate(req)

			_, err := env.flow.CreateSchedule(context.Background(), req, nil)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error: %v", err)
			assert.True(t, IsValidationError(err))

			count, err := env.fx.Schedules.Count(context.Background(), models.ScheduleFilter{})
			require.NoError(t, err)
			assert.Zero(t, count, "rejected requests must not persist anything")
		})
	}
}

func TestCreateScheduleMessageChecks(t *testing.T) {
	env := newFlowEnv(t)

	_, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: uuid.New().String(),
		Type:        "immediate",
		ContactIDs:  []uint{1},
	}, nil)
	require.Error(t, err)
	assert.True(t, IsMessageNotFound(err))

	message := env.seedMessage(t)
	message.Active = false
	require.NoError(t, env.fx.Messages.Save(context.Background(), message))

	_, err = env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: message.UUID.String(),
		Type:        "immediate",
		ContactIDs:  []uint{1},
	}, nil)
	require.Error(t, err)
	assert.True(t, IsMessageInactive(err))
}

func TestCreateScheduleSurvivesArmFailure(t *testing.T) {
	env := newFlowEnv(t)
	env.engine.armErr = errors.New("queue full")
	message := env.seedMessage(t)

	resp, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: message.UUID.String(),
		Type:        "immediate",
		ContactIDs:  []uint{1},
	}, nil)
	require.NoError(t, err, "the committed row is picked up by rescan later")

	stored := env.reloadByUUID(t, resp.UUID)
	assert.Equal(t, models.ScheduleStatusPending, stored.Status)
}

func TestCancelSchedule(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	created, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: message.UUID.String(),
		Type:        "future",
		ScheduledAt: utils.ToPtr(flowTestNow.Add(time.Hour)),
		ContactIDs:  []uint{1},
	}, nil)
	require.NoError(t, err)

	resp, err := env.flow.CancelSchedule(context.Background(), &dto.CancelScheduleRequest{UUID: created.UUID}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Cancelled)

	stored := env.reloadByUUID(t, created.UUID)
	assert.Equal(t, models.ScheduleStatusCancelled, stored.Status)
	assert.Nil(t, stored.NextRun)
	require.Len(t, env.engine.cancelled, 1)
	assert.Equal(t, stored.ID, env.engine.cancelled[0])

	_, err = env.flow.CancelSchedule(context.Background(), &dto.CancelScheduleRequest{UUID: created.UUID}, nil)
	require.Error(t, err)
	assert.True(t, IsScheduleNotCancellable(err), "a cancelled schedule cannot be cancelled again")
}

func TestCancelScheduleNotFound(t *testing.T) {
	env := newFlowEnv(t)

	_, err := env.flow.CancelSchedule(context.Background(), &dto.CancelScheduleRequest{UUID: uuid.New().String()}, nil)
	require.Error(t, err)
	assert.True(t, IsScheduleNotFound(err))
}

func TestCancelScheduleAlreadyCompleted(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	sched, err := env.fx.CreateTestSchedule(&models.Schedule{
		MessageID:  message.ID,
		Type:       models.ScheduleTypeImmediate,
		Status:     models.ScheduleStatusCompleted,
		ContactIDs: testingutil.ContactIDs(1),
	})
	require.NoError(t, err)

	_, err = env.flow.CancelSchedule(context.Background(), &dto.CancelScheduleRequest{UUID: sched.UUID.String()}, nil)
	require.Error(t, err)
	assert.True(t, IsScheduleNotCancellable(err))
}

func TestGetScheduleStatus(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	created, err := env.flow.CreateSchedule(context.Background(), &dto.CreateScheduleRequest{
		MessageUUID: message.UUID.String(),
		Type:        "immediate",
		ContactIDs:  []uint{1, 2, 3},
	}, nil)
	require.NoError(t, err)
	stored := env.reloadByUUID(t, created.UUID)

	executionID := uuid.New()
	for _, status := range []models.DeliveryStatus{models.DeliveryStatusSent, models.DeliveryStatusSent, models.DeliveryStatusFailed} {
		require.NoError(t, env.fx.Logs.Save(context.Background(), &models.DeliveryLog{
			ScheduleID:  &stored.ID,
			ExecutionID: executionID,
			ContactID:   1,
			Status:      status,
		}))
	}

	resp, err := env.flow.GetScheduleStatus(context.Background(), &dto.GetScheduleStatusRequest{UUID: created.UUID}, nil)
	require.NoError(t, err)

	assert.Equal(t, created.UUID, resp.Schedule.UUID)
	assert.Equal(t, "immediate", resp.Schedule.Type)
	assert.Equal(t, "pending", resp.Schedule.Status)
	assert.Equal(t, []int64{1, 2, 3}, resp.Schedule.ContactIDs)

	assert.Equal(t, int64(2), resp.Stats.Sent)
	assert.Equal(t, int64(1), resp.Stats.Failed)
	assert.Equal(t, int64(3), resp.Stats.Total)
}

func TestGetScheduleStatusNotFound(t *testing.T) {
	env := newFlowEnv(t)

	_, err := env.flow.GetScheduleStatus(context.Background(), &dto.GetScheduleStatusRequest{UUID: uuid.New().String()}, nil)
	require.Error(t, err)
	assert.True(t, IsScheduleNotFound(err))
}

func TestListSchedulesStatus(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	seed := func(scheduleType models.ScheduleType, status models.ScheduleStatus) {
		_, err := env.fx.CreateTestSchedule(&models.Schedule{
			MessageID:  message.ID,
			Type:       scheduleType,
			Status:     status,
			ContactIDs: testingutil.ContactIDs(1),
		})
		require.NoError(t, err)
	}
	seed(models.ScheduleTypeFuture, models.ScheduleStatusPending)
	seed(models.ScheduleTypeFuture, models.ScheduleStatusPending)
	seed(models.ScheduleTypeImmediate, models.ScheduleStatusCompleted)
	seed(models.ScheduleTypeRecurring, models.ScheduleStatusFailed)

	env.engine.triggers = []scheduler.TriggerInfo{
		{ScheduleID: 1, DueAt: flowTestNow.Add(time.Minute), ExecutionID: uuid.New(), Attempt: 1},
	}

	resp, err := env.flow.ListSchedulesStatus(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), resp.StatusCounts["pending"])
	assert.Equal(t, int64(1), resp.StatusCounts["completed"])
	assert.Equal(t, int64(1), resp.StatusCounts["failed"])
	assert.Zero(t, resp.StatusCounts["processing"])
	assert.Zero(t, resp.StatusCounts["cancelled"])

	assert.Equal(t, int64(2), resp.TypeCounts["future"])
	assert.Equal(t, int64(1), resp.TypeCounts["immediate"])
	assert.Equal(t, int64(1), resp.TypeCounts["recurring"])

	require.Len(t, resp.ActiveTriggers, 1)
	assert.Equal(t, uint(1), resp.ActiveTriggers[0].ScheduleID)
	assert.Equal(t, 1, resp.ActiveTriggers[0].Attempt)

	assert.Equal(t, 100.0, resp.RateLimiter.GlobalCapacity)
	assert.Equal(t, 60, resp.RateLimiter.RecipientPerMinute)
	assert.Equal(t, "closed", resp.CircuitBreaker.State)
	assert.Equal(t, 5, resp.CircuitBreaker.FailureThreshold)
}

func TestSendImmediate(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	env.sender.res = &dispatch.Result{
		ExecutionID: uuid.New(),
		Recipients:  2,
		Sent:        1,
		Failed:      1,
		Errors:      []string{"contact 2: gateway rejected"},
	}

	resp, err := env.flow.SendImmediate(context.Background(), &dto.SendImmediateRequest{
		MessageUUID: message.UUID.String(),
		ContactIDs:  []uint{1, 2},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Result.Recipients)
	assert.Equal(t, 1, resp.Result.Sent)
	assert.Equal(t, 1, resp.Result.Failed)
	require.Len(t, resp.Result.Errors, 1)
	assert.Contains(t, resp.Result.Errors[0], "gateway rejected")

	require.NotNil(t, env.sender.gotMsg)
	assert.Equal(t, message.ID, env.sender.gotMsg.ID)
	assert.Equal(t, []uint{1, 2}, env.sender.gotIDs)
}

func TestSendImmediateValidation(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	_, err := env.flow.SendImmediate(context.Background(), &dto.SendImmediateRequest{
		MessageUUID: message.UUID.String(),
	}, nil)
	require.Error(t, err)
	assert.True(t, IsTargetsRequired(err))

	_, err = env.flow.SendImmediate(context.Background(), &dto.SendImmediateRequest{
		MessageUUID: uuid.New().String(),
		ContactIDs:  []uint{1},
	}, nil)
	require.Error(t, err)
	assert.True(t, IsMessageNotFound(err))
}

func TestSendImmediateErrorMapping(t *testing.T) {
	env := newFlowEnv(t)
	message := env.seedMessage(t)

	env.sender.err = errors.New("workers wedged")
	_, err := env.flow.SendImmediate(context.Background(), &dto.SendImmediateRequest{
		MessageUUID: message.UUID.String(),
		ContactIDs:  []uint{1},
	}, nil)
	require.Error(t, err)
	var be *BusinessError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "DISPATCH_FAILED", be.Code)

	env.sender.err = context.Canceled
	_, err = env.flow.SendImmediate(context.Background(), &dto.SendImmediateRequest{
		MessageUUID: message.UUID.String(),
		ContactIDs:  []uint{1},
	}, nil)
	require.Error(t, err)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "DISPATCH_CANCELLED", be.Code)
}

func TestResetRecipientLimit(t *testing.T) {
	env := newFlowEnv(t)
	contact, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)

	resp, err := env.flow.ResetRecipientLimit(context.Background(), contact.UUID.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, contact.ID, resp.ContactID)
	assert.Equal(t, contact.UUID.String(), resp.ContactUUID)

	_, err = env.flow.ResetRecipientLimit(context.Background(), uuid.New().String(), nil)
	require.Error(t, err)
	assert.True(t, IsContactNotFound(err))
}
