// Package scheduler owns the schedule lifecycle: it arms time-ordered
// triggers, fires due schedules through the dispatcher with a bounded
// worker pool, and applies every run outcome through a single reducer.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mercatorhq/herald/app/dispatch"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/logger"
	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
	"github.com/mercatorhq/herald/utils"
)

// Dispatcher executes one delivery run. Satisfied by dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) (*dispatch.Result, error)
}

// StatusRecorder receives schedule status changes, typically to keep the
// cached status endpoint warm. A nil recorder disables recording.
type StatusRecorder interface {
	RecordScheduleStatus(ctx context.Context, schedule *models.Schedule)
}

// trigger is one armed firing of a schedule. ExecutionID stays stable
// across the retry passes of a run so delivery rows group correctly.
type trigger struct {
	scheduleID  uint
	dueAt       time.Time
	executionID uuid.UUID
	attempt     int
	index       int
}

type task struct {
	scheduleID  uint
	dueAt       time.Time
	executionID uuid.UUID
	attempt     int
}

// TriggerInfo describes an armed trigger for status reporting.
type TriggerInfo struct {
	ScheduleID  uint      `json:"schedule_id"`
	DueAt       time.Time `json:"due_at"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Attempt     int       `json:"attempt"`
}

type triggerHeap []*trigger

func (h triggerHeap) Len() int            { return len(h) }
func (h triggerHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h triggerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *triggerHeap) Push(x any)         { t := x.(*trigger); t.index = len(*h); *h = append(*h, t) }
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler drives schedules from pending through their runs. One instance
// per process; the limiter and breaker live in the injected dispatcher.
type Scheduler struct {
	cfg        config.SchedulerConfig
	schedules  repository.ScheduleRepository
	messages   repository.MessageRepository
	logs       repository.DeliveryLogRepository
	dispatcher Dispatcher
	recorder   StatusRecorder
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	triggers triggerHeap
	byID     map[uint]*trigger
	inflight map[uint]context.CancelFunc
	wake     chan struct{}
	queue    chan task

	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

func NewScheduler(
	cfg config.SchedulerConfig,
	schedules repository.ScheduleRepository,
	messages repository.MessageRepository,
	logs repository.DeliveryLogRepository,
	dispatcher Dispatcher,
	recorder StatusRecorder,
	log zerolog.Logger,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = time.Minute
	}

	return &Scheduler{
		cfg:        cfg,
		schedules:  schedules,
		messages:   messages,
		logs:       logs,
		dispatcher: dispatcher,
		recorder:   recorder,
		log:        logger.Component(log, "scheduler"),
		now:        utils.UTCNow,
		byID:       make(map[uint]*trigger),
		inflight:   make(map[uint]context.CancelFunc),
		wake:       make(chan struct{}, 1),
		queue:      make(chan task, cfg.QueueSize),
	}
}

// Start recovers persisted schedules, launches the trigger loop and the
// worker pool, and returns a stop function that drains both.
func (s *Scheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	s.recover(ctx)

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx)
	}

	s.loopWG.Add(1)
	go s.run(ctx)

	s.log.Info().
		Int("workers", s.cfg.Workers).
		Dur("rescan_interval", s.cfg.RescanInterval).
		Dur("misfire_grace", s.cfg.MisfireGrace).
		Msg("scheduler started")

	return func() {
		cancel()
		s.loopWG.Wait()
		s.workerWG.Wait()
		s.log.Info().Msg("scheduler stopped")
	}
}

// Arm registers an in-memory trigger for a schedule whose NextRun is
// already persisted. Arming an armed schedule replaces its trigger.
func (s *Scheduler) Arm(schedule *models.Schedule) error {
	if schedule.NextRun == nil {
		return fmt.Errorf("schedule %d has no next run to arm", schedule.ID)
	}
	s.armTrigger(schedule.ID, *schedule.NextRun, uuid.New(), 0)
	return nil
}

// Cancel removes the schedule's pending trigger and interrupts an
// in-flight execution. It reports whether anything was live; persisting
// the cancelled status is the caller's concern.
func (s *Scheduler) Cancel(scheduleID uint) bool {
	s.mu.Lock()
	var live bool
	if t, ok := s.byID[scheduleID]; ok {
		heap.Remove(&s.triggers, t.index)
		delete(s.byID, scheduleID)
		recordArmedTriggers(len(s.triggers))
		live = true
	}
	interrupt, executing := s.inflight[scheduleID]
	s.mu.Unlock()

	if executing {
		interrupt()
		live = true
	}
	if live {
		s.notifyWake()
		s.log.Info().Uint("schedule_id", scheduleID).Bool("was_executing", executing).Msg("schedule trigger cancelled")
	}
	return live
}

// ActiveTriggers returns the armed triggers ordered by due time.
func (s *Scheduler) ActiveTriggers() []TriggerInfo {
	s.mu.Lock()
	out := make([]TriggerInfo, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, TriggerInfo{
			ScheduleID:  t.scheduleID,
			DueAt:       t.dueAt,
			ExecutionID: t.executionID,
			Attempt:     t.attempt,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

func (s *Scheduler) armTrigger(scheduleID uint, dueAt time.Time, executionID uuid.UUID, attempt int) {
	s.mu.Lock()
	if old, ok := s.byID[scheduleID]; ok {
		heap.Remove(&s.triggers, old.index)
	}
	t := &trigger{scheduleID: scheduleID, dueAt: dueAt, executionID: executionID, attempt: attempt}
	heap.Push(&s.triggers, t)
	s.byID[scheduleID] = t
	recordArmedTriggers(len(s.triggers))
	s.mu.Unlock()

	s.notifyWake()
}

func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// recover re-arms every pending schedule carrying a next run and resumes
// runs that were interrupted mid-processing by a crash or restart. A
// resumed run keeps its last execution ID so contacts with a sent row are
// skipped instead of re-sent.
func (s *Scheduler) recover(ctx context.Context) {
	armed, err := s.schedules.ListArmed(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("recovery: listing armed schedules failed")
	}
	for _, sched := range armed {
		s.armTrigger(sched.ID, *sched.NextRun, uuid.New(), 0)
	}

	processing := models.ScheduleStatusProcessing
	interrupted, err := s.schedules.ByFilter(ctx, models.ScheduleFilter{Status: &processing}, "id ASC", 0, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("recovery: listing interrupted schedules failed")
	}

	resumed := 0
	for _, sched := range interrupted {
		claimed, terr := s.schedules.TransitionStatus(ctx, sched.ID, models.ScheduleStatusProcessing, models.ScheduleStatusPending)
		if terr != nil {
			s.log.Error().Err(terr).Uint("schedule_id", sched.ID).Msg("recovery: reverting interrupted schedule failed")
			continue
		}
		if !claimed {
			continue
		}

		executionID, attempt := uuid.New(), 0
		rows, lerr := s.logs.ByFilter(ctx, models.DeliveryLogFilter{ScheduleID: &sched.ID}, "id DESC", 1, 0)
		if lerr == nil && len(rows) > 0 {
			executionID = rows[0].ExecutionID
			attempt = rows[0].Attempt + 1
		}

		now := s.now()
		sched.Status = models.ScheduleStatusPending
		sched.NextRun = &now
		if uerr := s.schedules.Update(ctx, *sched); uerr != nil {
			s.log.Error().Err(uerr).Uint("schedule_id", sched.ID).Msg("recovery: re-arming interrupted schedule failed")
			continue
		}
		s.armTrigger(sched.ID, now, executionID, attempt)
		resumed++
		s.log.Warn().
			Uint("schedule_id", sched.ID).
			Str("execution_id", executionID.String()).
			Int("attempt", attempt).
			Msg("interrupted run resumed")
	}

	if len(armed) > 0 || resumed > 0 {
		s.log.Info().Int("armed", len(armed)).Int("resumed", resumed).Msg("startup recovery complete")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loopWG.Done()

	rescan := time.NewTicker(s.cfg.RescanInterval)
	defer rescan.Stop()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		timer.Reset(s.nextWait())
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-rescan.C:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			s.rescan(ctx)
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.triggers) == 0 {
		return s.cfg.RescanInterval
	}
	wait := s.triggers[0].dueAt.Sub(s.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.triggers) == 0 || s.triggers[0].dueAt.After(s.now()) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.triggers).(*trigger)
		delete(s.byID, t.scheduleID)
		recordArmedTriggers(len(s.triggers))
		s.mu.Unlock()

		select {
		case s.queue <- task{scheduleID: t.scheduleID, dueAt: t.dueAt, executionID: t.executionID, attempt: t.attempt}:
		case <-ctx.Done():
			return
		}
	}
}

// rescan picks up due rows armed by other writers or left behind after a
// missed wake. Rows already armed or executing are skipped.
func (s *Scheduler) rescan(ctx context.Context) {
	horizon := s.now().Add(s.cfg.RescanInterval)
	due, err := s.schedules.ListDue(ctx, horizon, s.cfg.QueueSize)
	if err != nil {
		s.log.Error().Err(err).Msg("rescan failed")
		return
	}

	added := 0
	s.mu.Lock()
	for _, sched := range due {
		if _, ok := s.byID[sched.ID]; ok {
			continue
		}
		if _, ok := s.inflight[sched.ID]; ok {
			continue
		}
		t := &trigger{scheduleID: sched.ID, dueAt: *sched.NextRun, executionID: uuid.New()}
		heap.Push(&s.triggers, t)
		s.byID[sched.ID] = t
		added++
	}
	recordArmedTriggers(len(s.triggers))
	s.mu.Unlock()

	if added > 0 {
		s.notifyWake()
		s.log.Debug().Int("added", added).Msg("rescan armed schedules")
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.workerWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			s.execute(ctx, t)
		}
	}
}

// execute runs one fired trigger end to end: claim, misfire gate,
// bookkeeping, dispatch, outcome.
func (s *Scheduler) execute(ctx context.Context, t task) {
	runCtx, interrupt := context.WithCancel(ctx)
	s.mu.Lock()
	s.inflight[t.scheduleID] = interrupt
	s.mu.Unlock()
	defer func() {
		interrupt()
		s.mu.Lock()
		delete(s.inflight, t.scheduleID)
		s.mu.Unlock()
	}()

	sched, err := s.schedules.ByID(runCtx, t.scheduleID)
	if err != nil {
		s.log.Error().Err(err).Uint("schedule_id", t.scheduleID).Msg("failed to load schedule for run")
		return
	}
	if sched == nil {
		s.log.Warn().Uint("schedule_id", t.scheduleID).Msg("armed schedule no longer exists")
		return
	}
	if sched.Status != models.ScheduleStatusPending {
		s.log.Debug().Uint("schedule_id", sched.ID).Str("status", sched.Status.String()).Msg("schedule no longer pending, trigger dropped")
		return
	}

	now := s.now()
	if late := now.Sub(t.dueAt); s.cfg.MisfireGrace > 0 && late > s.cfg.MisfireGrace {
		// One-shot schedules always run once detected; recurring ones skip
		// the stale occurrence and wait for the next.
		if sched.IsRecurring() {
			s.skipMissedOccurrence(runCtx, sched, late)
			return
		}
		s.log.Warn().Uint("schedule_id", sched.ID).Dur("late", late).Msg("one-shot schedule firing past its grace window")
	}

	claimed, err := s.schedules.TransitionStatus(runCtx, sched.ID, models.ScheduleStatusPending, models.ScheduleStatusProcessing)
	if err != nil {
		s.log.Error().Err(err).Uint("schedule_id", sched.ID).Msg("failed to claim schedule")
		return
	}
	if !claimed {
		s.log.Debug().Uint("schedule_id", sched.ID).Msg("schedule claimed elsewhere, trigger dropped")
		return
	}

	sched.Status = models.ScheduleStatusProcessing
	if t.attempt == 0 {
		sched.RunCount++
		lastRun := now
		sched.LastRun = &lastRun
	}
	sched.NextRun = nil
	if err := s.schedules.Update(runCtx, *sched); err != nil {
		s.log.Error().Err(err).Uint("schedule_id", sched.ID).Msg("failed to record run start")
	}
	s.recordStatus(runCtx, sched)

	s.log.Info().
		Uint("schedule_id", sched.ID).
		Str("execution_id", t.executionID.String()).
		Int("attempt", t.attempt).
		Int("run_count", sched.RunCount).
		Msg("schedule fired")

	var (
		res         *dispatch.Result
		dispatchErr error
	)
	message, err := s.messages.ByID(runCtx, sched.MessageID)
	switch {
	case err != nil:
		dispatchErr = fmt.Errorf("load message %d: %w", sched.MessageID, err)
	case message == nil:
		dispatchErr = fmt.Errorf("message %d not found", sched.MessageID)
	default:
		res, dispatchErr = s.dispatcher.Dispatch(runCtx, dispatch.JobForSchedule(sched, message, t.executionID, t.attempt))
	}

	s.applyOutcome(runCtx, sched, t, res, dispatchErr)
}

// applyOutcome is the only place run results mutate schedule state. Every
// branch settles the processing claim exactly once.
func (s *Scheduler) applyOutcome(ctx context.Context, sched *models.Schedule, t task, res *dispatch.Result, dispatchErr error) {
	// Outcome writes must land even when the run context was cancelled.
	wctx := context.WithoutCancel(ctx)
	now := s.now()

	switch {
	case dispatchErr != nil && errors.Is(dispatchErr, context.Canceled):
		sched.NextRun = nil
		s.settle(wctx, sched, models.ScheduleStatusCancelled)
		recordRunResult(runResultCancelled)
		s.log.Info().Uint("schedule_id", sched.ID).Msg("run cancelled mid-execution")

	case dispatchErr == nil && res != nil && res.OnlyThrottled():
		// Pure throttling is not a failure: requeue the same execution
		// without consuming a retry.
		delay := s.cfg.RateLimitRequeue
		if delay <= 0 {
			delay = 30 * time.Second
		}
		next := now.Add(delay)
		sched.NextRun = &next
		if s.settle(wctx, sched, models.ScheduleStatusPending) {
			s.armTrigger(sched.ID, next, t.executionID, t.attempt+1)
		}
		recordRunResult(runResultRequeued)
		s.log.Info().
			Uint("schedule_id", sched.ID).
			Int("rate_limited", res.RateLimited).
			Time("next_run", next).
			Msg("run throttled, requeued without consuming a retry")

	case dispatchErr == nil && res != nil && res.Succeeded():
		s.applySuccess(wctx, sched, res)

	default:
		s.applyFailure(wctx, sched, t, res, dispatchErr, now)
	}
}

func (s *Scheduler) applySuccess(ctx context.Context, sched *models.Schedule, res *dispatch.Result) {
	sched.RetryCount = 0
	sched.LastError = nil

	if sched.IsRecurring() && sched.RunsRemaining() {
		after := s.now()
		if sched.LastRun != nil {
			after = *sched.LastRun
		}
		next, err := s.recurrenceNext(sched, after)
		if err != nil {
			msg := err.Error()
			sched.LastError = &msg
			sched.NextRun = nil
			s.settle(ctx, sched, models.ScheduleStatusFailed)
			recordRunResult(runResultFailed)
			s.log.Error().Err(err).Uint("schedule_id", sched.ID).Msg("recurrence no longer parses, schedule failed")
			return
		}
		sched.NextRun = &next
		if s.settle(ctx, sched, models.ScheduleStatusPending) {
			s.armTrigger(sched.ID, next, uuid.New(), 0)
		}
		recordRunResult(runResultRearmed)
		s.log.Info().
			Uint("schedule_id", sched.ID).
			Int("sent", res.Sent).
			Int("run_count", sched.RunCount).
			Time("next_run", next).
			Msg("run succeeded, schedule re-armed")
		return
	}

	sched.NextRun = nil
	s.settle(ctx, sched, models.ScheduleStatusCompleted)
	recordRunResult(runResultCompleted)
	s.log.Info().
		Uint("schedule_id", sched.ID).
		Int("sent", res.Sent).
		Int("run_count", sched.RunCount).
		Msg("schedule completed")
}

func (s *Scheduler) applyFailure(ctx context.Context, sched *models.Schedule, t task, res *dispatch.Result, dispatchErr error, now time.Time) {
	msg := failureMessage(res, dispatchErr)
	sched.LastError = &msg

	if sched.RetriesRemaining() {
		sched.RetryCount++
		delay := retryDelay(s.cfg, sched.RetryCount)
		next := now.Add(delay)
		sched.NextRun = &next
		if s.settle(ctx, sched, models.ScheduleStatusPending) {
			s.armTrigger(sched.ID, next, t.executionID, t.attempt+1)
		}
		recordRunResult(runResultRetried)
		s.log.Warn().
			Uint("schedule_id", sched.ID).
			Int("retry", sched.RetryCount).
			Int("max_retries", sched.MaxRetries).
			Dur("backoff", delay).
			Str("error", msg).
			Msg("run failed, retry scheduled")
		return
	}

	sched.NextRun = nil
	s.settle(ctx, sched, models.ScheduleStatusFailed)
	recordRunResult(runResultFailed)
	s.log.Error().
		Uint("schedule_id", sched.ID).
		Int("retry_count", sched.RetryCount).
		Str("error", msg).
		Msg("retries exhausted, schedule failed")
}

// settle flips the processing claim to the outcome status and persists the
// updated counters. A lost claim means a concurrent cancel won; the
// outcome is dropped and the cancelled status stands.
func (s *Scheduler) settle(ctx context.Context, sched *models.Schedule, to models.ScheduleStatus) bool {
	claimed, err := s.schedules.TransitionStatus(ctx, sched.ID, models.ScheduleStatusProcessing, to)
	if err != nil {
		s.log.Error().Err(err).Uint("schedule_id", sched.ID).Str("to", to.String()).Msg("failed to persist run outcome")
		return false
	}
	if !claimed {
		s.log.Warn().Uint("schedule_id", sched.ID).Str("to", to.String()).Msg("schedule left processing concurrently, outcome dropped")
		return false
	}
	sched.Status = to
	if err := s.schedules.Update(ctx, *sched); err != nil {
		s.log.Error().Err(err).Uint("schedule_id", sched.ID).Msg("failed to persist run counters")
	}
	s.recordStatus(ctx, sched)
	return true
}

// skipMissedOccurrence advances a recurring schedule past an occurrence
// that is staler than the grace window. The run count is untouched since
// no run happened.
func (s *Scheduler) skipMissedOccurrence(ctx context.Context, sched *models.Schedule, late time.Duration) {
	next, err := s.recurrenceNext(sched, s.now())
	if err != nil {
		msg := err.Error()
		sched.LastError = &msg
		sched.NextRun = nil
		if uerr := s.schedules.Update(ctx, *sched); uerr != nil {
			s.log.Error().Err(uerr).Uint("schedule_id", sched.ID).Msg("failed to park schedule with broken recurrence")
		}
		s.log.Error().Err(err).Uint("schedule_id", sched.ID).Msg("cannot compute next occurrence, schedule parked")
		return
	}

	sched.NextRun = &next
	if err := s.schedules.Update(ctx, *sched); err != nil {
		s.log.Error().Err(err).Uint("schedule_id", sched.ID).Msg("failed to persist skipped occurrence")
		return
	}
	s.armTrigger(sched.ID, next, uuid.New(), 0)
	recordRunResult(runResultMisfireSkip)
	s.log.Warn().
		Uint("schedule_id", sched.ID).
		Dur("late", late).
		Time("next_run", next).
		Msg("occurrence missed beyond grace window, skipped to next")
}

func (s *Scheduler) recurrenceNext(sched *models.Schedule, after time.Time) (time.Time, error) {
	if sched.CronExpr == nil {
		return time.Time{}, fmt.Errorf("recurring schedule %d has no cron expression", sched.ID)
	}
	rec, err := ParseRecurrence(*sched.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return rec.NextAfter(after), nil
}

func (s *Scheduler) recordStatus(ctx context.Context, sched *models.Schedule) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordScheduleStatus(ctx, sched)
}

func retryDelay(cfg config.SchedulerConfig, retryCount int) time.Duration {
	base := cfg.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	factor := cfg.BackoffFactor
	if factor <= 1 {
		factor = 2
	}
	delay := float64(base) * math.Pow(factor, float64(retryCount))
	if cfg.RetryBackoffMax > 0 && delay > float64(cfg.RetryBackoffMax) {
		return cfg.RetryBackoffMax
	}
	return time.Duration(delay)
}

func failureMessage(res *dispatch.Result, dispatchErr error) string {
	if dispatchErr != nil {
		return dispatchErr.Error()
	}
	if res != nil && len(res.Errors) > 0 {
		if len(res.Errors) > 3 {
			return fmt.Sprintf("%s (and %d more)", strings.Join(res.Errors[:3], "; "), len(res.Errors)-3)
		}
		return strings.Join(res.Errors, "; ")
	}
	return "delivery failed"
}
