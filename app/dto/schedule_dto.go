package dto

import (
	"time"
)

// CreateScheduleRequest represents the request to create a new schedule
type CreateScheduleRequest struct {
	MessageUUID string     `json:"message_uuid" validate:"required,uuid4"`
	Type        string     `json:"type" validate:"required,oneof=immediate future recurring"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" validate:"omitempty"`
	CronExpr    *string    `json:"cron_expr,omitempty" validate:"omitempty,max=120"`
	MaxRuns     int        `json:"max_runs,omitempty" validate:"omitempty,min=0"`
	MaxRetries  *int       `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	ContactIDs  []uint     `json:"contact_ids,omitempty"`
	GroupIDs    []uint     `json:"group_ids,omitempty"`
}

// CreateScheduleResponse represents the response after successful schedule creation
type CreateScheduleResponse struct {
	Message   string     `json:"message"`
	UUID      string     `json:"uuid"`
	Status    string     `json:"status"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt string     `json:"created_at"`
}

// CancelScheduleRequest represents the request to cancel an existing schedule
type CancelScheduleRequest struct {
	UUID string `json:"-"`
}

// CancelScheduleResponse reports whether anything was still live to cancel
type CancelScheduleResponse struct {
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled"`
}

// GetScheduleStatusRequest represents the request to inspect one schedule
type GetScheduleStatusRequest struct {
	UUID string `json:"-"`
}

// ScheduleDTO represents schedule data for API responses
type ScheduleDTO struct {
	UUID        string     `json:"uuid"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	CronExpr    *string    `json:"cron_expr,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	RunCount    int        `json:"run_count"`
	MaxRuns     int        `json:"max_runs"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   *string    `json:"last_error,omitempty"`
	ContactIDs  []int64    `json:"contact_ids,omitempty"`
	GroupIDs    []int64    `json:"group_ids,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// DeliveryStatsDTO aggregates delivery outcomes for one schedule
type DeliveryStatsDTO struct {
	Pending     int64 `json:"pending"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rate_limited"`
	Total       int64 `json:"total"`
}

// GetScheduleStatusResponse represents one schedule with its delivery stats
type GetScheduleStatusResponse struct {
	Message  string           `json:"message"`
	Schedule ScheduleDTO      `json:"schedule"`
	Stats    DeliveryStatsDTO `json:"stats"`
}

// TriggerDTO represents an armed in-memory trigger
type TriggerDTO struct {
	ScheduleID  uint      `json:"schedule_id"`
	DueAt       time.Time `json:"due_at"`
	ExecutionID string    `json:"execution_id"`
	Attempt     int       `json:"attempt"`
}

// RateLimiterSnapshotDTO represents the current limiter levels
type RateLimiterSnapshotDTO struct {
	GlobalTokens       float64 `json:"global_tokens"`
	GlobalCapacity     float64 `json:"global_capacity"`
	GlobalPerMinute    int     `json:"global_per_minute"`
	ActiveRecipients   int     `json:"active_recipients"`
	RecipientPerMinute int     `json:"recipient_per_minute"`
	RecipientBurst     int     `json:"recipient_burst"`
}

// CircuitBreakerSnapshotDTO represents the current breaker state
type CircuitBreakerSnapshotDTO struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

// ListSchedulesStatusResponse summarizes every schedule plus the shared
// dispatch machinery for the operations dashboard
type ListSchedulesStatusResponse struct {
	Message        string                    `json:"message"`
	StatusCounts   map[string]int64          `json:"status_counts"`
	TypeCounts     map[string]int64          `json:"type_counts"`
	ActiveTriggers []TriggerDTO              `json:"active_triggers"`
	RateLimiter    RateLimiterSnapshotDTO    `json:"rate_limiter"`
	CircuitBreaker CircuitBreakerSnapshotDTO `json:"circuit_breaker"`
}
