// Package cache provides the Redis-backed schedule status cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/logger"
	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/utils"
)

// CachedStatus is the status snapshot stored per schedule UUID. It carries
// everything the status endpoint reports about the schedule itself;
// delivery stats are aggregated from the log separately.
type CachedStatus struct {
	ScheduleID  uint                  `json:"schedule_id"`
	UUID        string                `json:"uuid"`
	Type        models.ScheduleType   `json:"type"`
	Status      models.ScheduleStatus `json:"status"`
	CronExpr    *string               `json:"cron_expr,omitempty"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
	RunCount    int                   `json:"run_count"`
	MaxRuns     int                   `json:"max_runs"`
	RetryCount  int                   `json:"retry_count"`
	MaxRetries  int                   `json:"max_retries"`
	NextRun     *time.Time            `json:"next_run,omitempty"`
	LastRun     *time.Time            `json:"last_run,omitempty"`
	LastError   *string               `json:"last_error,omitempty"`
	ContactIDs  []int64               `json:"contact_ids,omitempty"`
	GroupIDs    []int64               `json:"group_ids,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   *time.Time            `json:"updated_at,omitempty"`
	CachedAt    time.Time             `json:"cached_at"`
}

// SnapshotOf builds the cacheable status snapshot of a schedule.
func SnapshotOf(schedule *models.Schedule) CachedStatus {
	return CachedStatus{
		ScheduleID:  schedule.ID,
		UUID:        schedule.UUID.String(),
		Type:        schedule.Type,
		Status:      schedule.Status,
		CronExpr:    schedule.CronExpr,
		ScheduledAt: schedule.ScheduledAt,
		RunCount:    schedule.RunCount,
		MaxRuns:     schedule.MaxRuns,
		RetryCount:  schedule.RetryCount,
		MaxRetries:  schedule.MaxRetries,
		NextRun:     schedule.NextRun,
		LastRun:     schedule.LastRun,
		LastError:   schedule.LastError,
		ContactIDs:  []int64(schedule.ContactIDs),
		GroupIDs:    []int64(schedule.GroupIDs),
		CreatedAt:   schedule.CreatedAt,
		UpdatedAt:   schedule.UpdatedAt,
		CachedAt:    utils.UTCNow(),
	}
}

// ScheduleStatusCache keeps the latest known status of each schedule in
// Redis so status reads can skip the schedules table. The scheduler writes
// through on every transition. All methods are safe on a nil receiver,
// which stands for "cache disabled".
type ScheduleStatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewScheduleStatusCache(client *redis.Client, cfg config.CacheConfig, log zerolog.Logger) *ScheduleStatusCache {
	if client == nil {
		return nil
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "herald"
	}
	ttl := cfg.StatusTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ScheduleStatusCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		log:    logger.Component(log, "status_cache"),
	}
}

func (c *ScheduleStatusCache) key(scheduleUUID string) string {
	return fmt.Sprintf("%s:schedule:%s:status", c.prefix, scheduleUUID)
}

// RecordScheduleStatus writes the schedule's current state through to the
// cache. Failures are logged, never propagated; the database stays the
// source of truth.
func (c *ScheduleStatusCache) RecordScheduleStatus(ctx context.Context, schedule *models.Schedule) {
	if c == nil || schedule == nil {
		return
	}
	payload := SnapshotOf(schedule)
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Error().Err(err).Uint("schedule_id", schedule.ID).Msg("failed to encode status snapshot")
		return
	}
	if err := c.client.Set(ctx, c.key(payload.UUID), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Uint("schedule_id", schedule.ID).Msg("failed to cache schedule status")
	}
}

// Status returns the cached snapshot for a schedule UUID, or nil on miss.
func (c *ScheduleStatusCache) Status(ctx context.Context, scheduleUUID string) (*CachedStatus, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.client.Get(ctx, c.key(scheduleUUID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached status: %w", err)
	}
	var out CachedStatus
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode cached status: %w", err)
	}
	return &out, nil
}

// Invalidate drops the cached snapshot for a schedule UUID.
func (c *ScheduleStatusCache) Invalidate(ctx context.Context, scheduleUUID string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, c.key(scheduleUUID)).Err(); err != nil {
		c.log.Warn().Err(err).Str("schedule_uuid", scheduleUUID).Msg("failed to invalidate cached status")
	}
}
