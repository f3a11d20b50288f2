// Package dispatch turns one due schedule run into gateway sends. It resolves
// the recipient set, pushes every recipient through the rate limiter and the
// gateway circuit breaker, renders the message text per contact, and records
// each attempt in the delivery log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/mercatorhq/herald/app/breaker"
	"github.com/mercatorhq/herald/app/ratelimit"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/logger"
	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
)

// Error codes written to delivery log rows so readers can tell a dead gateway
// from a rejected recipient.
const (
	ErrCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	ErrCodeGatewayError       = "GATEWAY_ERROR"
	ErrCodeRejected           = "REJECTED"
)

// GatewayResult is the gateway's verdict on a single send.
type GatewayResult struct {
	Accepted     bool
	MessageID    string
	ErrorCode    string
	ErrorMessage string
}

// Gateway delivers one rendered message to one phone number. It is the only
// network boundary the dispatcher touches.
type Gateway interface {
	Send(ctx context.Context, phone, text string) (GatewayResult, error)
}

// Directory resolves contacts and group membership, read-only.
type Directory interface {
	ContactsByIDs(ctx context.Context, ids []uint) ([]*models.Contact, error)
	GroupMemberIDs(ctx context.Context, groupID uint) ([]uint, error)
}

// Job is one dispatch batch: a message bound to a recipient set. Schedule is
// nil for immediate sends. Attempt is 0 on the first pass of a run and the
// retry count on retry passes; ExecutionID stays the same across all passes
// of one run so the dispatcher can skip contacts already served.
type Job struct {
	Schedule    *models.Schedule
	ExecutionID uuid.UUID
	Attempt     int
	Message     *models.Message
	ContactIDs  []uint
	GroupIDs    []uint
}

func (j Job) scheduleID() *uint {
	if j.Schedule == nil {
		return nil
	}
	id := j.Schedule.ID
	return &id
}

// JobForSchedule builds the dispatch job for one pass of a schedule run.
func JobForSchedule(s *models.Schedule, m *models.Message, executionID uuid.UUID, attempt int) Job {
	return Job{
		Schedule:    s,
		ExecutionID: executionID,
		Attempt:     attempt,
		Message:     m,
		ContactIDs:  uintIDs(s.ContactIDs),
		GroupIDs:    uintIDs(s.GroupIDs),
	}
}

func uintIDs(ids pq.Int64Array) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, uint(id))
		}
	}
	return out
}

// Result aggregates one dispatch batch. A per-recipient failure lands in
// Failed and Errors; it never aborts the rest of the batch.
type Result struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Recipients  int       `json:"recipients"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	RateLimited int       `json:"rate_limited"`
	Skipped     int       `json:"skipped"`
	Errors      []string  `json:"errors,omitempty"`
}

// Succeeded reports whether no recipient ended in failure. Throttled and
// skipped recipients do not count against success.
func (r *Result) Succeeded() bool {
	return r.Failed == 0
}

// OnlyThrottled reports whether the batch saw rate-limited recipients but no
// failures. Such a run is re-queued without spending a retry.
func (r *Result) OnlyThrottled() bool {
	return r.Failed == 0 && r.RateLimited > 0
}

func (r *Result) observe(o sendOutcome) {
	switch o.status {
	case models.DeliveryStatusSent:
		r.Sent++
	case models.DeliveryStatusFailed:
		r.Failed++
	case models.DeliveryStatusRateLimited:
		r.RateLimited++
	default:
		// Interrupted before an outcome; the row stays pending.
	}
	if o.err != "" {
		r.Errors = append(r.Errors, o.err)
	}
}

type sendOutcome struct {
	contactID uint
	status    models.DeliveryStatus
	err       string
}

// Dispatcher runs dispatch batches with bounded per-recipient concurrency.
// The rate limiter, not the worker count, is the authoritative throttle; the
// circuit breaker guards every gateway call. Both are shared process-wide
// and injected at construction.
type Dispatcher struct {
	cfg       config.DispatchConfig
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	gateway   Gateway
	directory Directory
	logs      repository.DeliveryLogRepository
	log       zerolog.Logger

	pick  func(*models.Message) int
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewDispatcher wires a dispatcher from its collaborators.
func NewDispatcher(
	cfg config.DispatchConfig,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	gateway Gateway,
	directory Directory,
	logs repository.DeliveryLogRepository,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		limiter:   limiter,
		breaker:   brk,
		gateway:   gateway,
		directory: directory,
		logs:      logs,
		log:       logger.Component(log, "dispatcher"),
		pick:      pickUniform,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Dispatch sends the job's message to every resolved recipient and returns
// the aggregate. Cancelling ctx stops the batch between recipients; sends
// already in flight run to completion. On cancellation the partial result is
// returned together with the context error.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (*Result, error) {
	if job.Message == nil || !job.Message.HasContent() {
		return nil, errors.New("dispatch: job carries no message content")
	}
	if job.ExecutionID == uuid.Nil {
		job.ExecutionID = uuid.New()
	}

	recipients, err := d.resolveRecipients(ctx, job)
	if err != nil {
		return nil, err
	}

	res := &Result{ExecutionID: job.ExecutionID, Recipients: len(recipients)}

	served := make(map[uint]struct{})
	if job.Attempt > 0 {
		ids, err := d.logs.SentContactIDs(ctx, job.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: load served contacts: %w", err)
		}
		for _, id := range ids {
			served[id] = struct{}{}
		}
	}

	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(recipients) {
		workers = len(recipients)
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		queue = make(chan *models.Contact)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for contact := range queue {
				outcome := d.sendOne(ctx, job, contact)
				mu.Lock()
				res.observe(outcome)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, contact := range recipients {
		if _, ok := served[contact.ID]; ok {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			continue
		}
		select {
		case queue <- contact:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	recordGlobalTokens(d.limiter.Snapshot().GlobalTokens)
	recordCircuitState(d.breaker.State())

	level := zerolog.InfoLevel
	if res.Failed > 0 {
		level = zerolog.WarnLevel
	}
	d.log.WithLevel(level).
		Str("execution_id", job.ExecutionID.String()).
		Int("attempt", job.Attempt).
		Int("recipients", res.Recipients).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("rate_limited", res.RateLimited).
		Int("skipped", res.Skipped).
		Msg("dispatch batch finished")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// SendImmediate runs the regular per-recipient pipeline for a message outside
// any schedule. Delivery log rows are written with a nil schedule ID.
func (d *Dispatcher) SendImmediate(ctx context.Context, message *models.Message, contactIDs []uint) (*Result, error) {
	return d.Dispatch(ctx, Job{
		ExecutionID: uuid.New(),
		Message:     message,
		ContactIDs:  contactIDs,
	})
}

// resolveRecipients unions direct targets with group members, deduplicated by
// contact ID with direct targets keeping their position. Contacts missing
// from the directory are dropped with a warning.
func (d *Dispatcher) resolveRecipients(ctx context.Context, job Job) ([]*models.Contact, error) {
	ordered := make([]uint, 0, len(job.ContactIDs))
	seen := make(map[uint]struct{}, len(job.ContactIDs))
	add := func(id uint) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}

	for _, id := range job.ContactIDs {
		add(id)
	}
	for _, groupID := range job.GroupIDs {
		members, err := d.directory.GroupMemberIDs(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve group %d: %w", groupID, err)
		}
		for _, id := range members {
			add(id)
		}
	}
	if len(ordered) == 0 {
		return nil, nil
	}

	contacts, err := d.directory.ContactsByIDs(ctx, ordered)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load contacts: %w", err)
	}
	byID := make(map[uint]*models.Contact, len(contacts))
	for _, c := range contacts {
		byID[c.ID] = c
	}

	out := make([]*models.Contact, 0, len(ordered))
	for _, id := range ordered {
		c, ok := byID[id]
		if !ok {
			d.log.Warn().Uint("contact_id", id).Msg("recipient missing from directory, skipped")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// sendOne runs the full pipeline for a single recipient: record a pending
// attempt, pass the rate limiter, render the text, call the gateway through
// the circuit breaker, then resolve the pending row with the outcome.
func (d *Dispatcher) sendOne(ctx context.Context, job Job, contact *models.Contact) sendOutcome {
	idx := d.pick(job.Message)
	text := RenderTemplate(job.Message.BodyForVariation(idx), contact)

	entry := &models.DeliveryLog{
		ScheduleID:    job.scheduleID(),
		ExecutionID:   job.ExecutionID,
		ContactID:     contact.ID,
		Attempt:       job.Attempt,
		Status:        models.DeliveryStatusPending,
		VariationUsed: idx,
	}
	if err := d.logs.Save(ctx, entry); err != nil {
		d.log.Error().Err(err).Uint("contact_id", contact.ID).Msg("delivery log insert failed")
		return sendOutcome{
			contactID: contact.ID,
			status:    models.DeliveryStatusFailed,
			err:       fmt.Sprintf("contact %d: record attempt: %v", contact.ID, err),
		}
	}

	if !d.limiter.Allow(contact.ID) {
		wait := d.limiter.WaitTime(contact.ID)
		granted := false
		if wait <= d.cfg.MaxRateLimitWait {
			// Sleep a hair past the computed wait so refill truncation
			// cannot leave the retry short.
			if err := d.sleep(ctx, wait+time.Millisecond); err != nil {
				return sendOutcome{contactID: contact.ID, status: models.DeliveryStatusPending}
			}
			granted = d.limiter.Allow(contact.ID)
		}
		if !granted {
			msg := fmt.Sprintf("throttled, capacity in %s", wait.Round(time.Millisecond))
			d.resolve(ctx, entry.ID, models.DeliveryStatusRateLimited, nil, nil, &msg, nil)
			recordSend(models.DeliveryStatusRateLimited)
			d.log.Debug().
				Uint("contact_id", contact.ID).
				Dur("wait", wait).
				Msg("recipient rate limited")
			return sendOutcome{contactID: contact.ID, status: models.DeliveryStatusRateLimited}
		}
	}

	// The send itself is never interrupted by batch cancellation, only
	// bounded by the configured timeout.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	var reply GatewayResult
	err := d.breaker.Call(sendCtx, func(callCtx context.Context) error {
		start := d.now()
		r, sendErr := d.gateway.Send(callCtx, contact.Phone, text)
		observeGatewayLatency(d.now().Sub(start))
		if sendErr != nil {
			return sendErr
		}
		reply = r
		return nil
	})

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return d.fail(ctx, entry, ErrCodeGatewayUnavailable, err.Error())
	case err != nil:
		return d.fail(ctx, entry, ErrCodeGatewayError, err.Error())
	case !reply.Accepted:
		code := reply.ErrorCode
		if code == "" {
			code = ErrCodeRejected
		}
		msg := reply.ErrorMessage
		if msg == "" {
			msg = "gateway rejected delivery"
		}
		return d.fail(ctx, entry, code, msg)
	default:
		sentAt := d.now().UTC()
		var gatewayID *string
		if reply.MessageID != "" {
			gatewayID = &reply.MessageID
		}
		d.resolve(ctx, entry.ID, models.DeliveryStatusSent, gatewayID, nil, nil, &sentAt)
		recordSend(models.DeliveryStatusSent)
		return sendOutcome{contactID: contact.ID, status: models.DeliveryStatusSent}
	}
}

func (d *Dispatcher) fail(ctx context.Context, entry *models.DeliveryLog, code, msg string) sendOutcome {
	d.resolve(ctx, entry.ID, models.DeliveryStatusFailed, nil, &code, &msg, nil)
	recordSend(models.DeliveryStatusFailed)
	d.log.Warn().
		Uint("contact_id", entry.ContactID).
		Str("error_code", code).
		Str("error", msg).
		Msg("delivery failed")
	return sendOutcome{
		contactID: entry.ContactID,
		status:    models.DeliveryStatusFailed,
		err:       fmt.Sprintf("contact %d: %s: %s", entry.ContactID, code, msg),
	}
}

// resolve writes the terminal status onto the pending attempt row. The write
// is detached from batch cancellation: once a send happened its outcome must
// land in the log even when the batch is shutting down.
func (d *Dispatcher) resolve(ctx context.Context, entryID uint, status models.DeliveryStatus, gatewayMessageID, errorCode, errorMessage *string, sentAt *time.Time) {
	writeCtx := context.WithoutCancel(ctx)
	if err := d.logs.MarkOutcome(writeCtx, entryID, status, gatewayMessageID, errorCode, errorMessage, sentAt); err != nil {
		d.log.Error().Err(err).
			Uint("entry_id", entryID).
			Str("status", status.String()).
			Msg("delivery log outcome write failed")
	}
}

// sleepCtx waits d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
