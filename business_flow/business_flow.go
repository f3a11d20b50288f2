// Package businessflow contains the business logic for the application.
package businessflow

import (
	"github.com/rs/zerolog"

	"github.com/mercatorhq/herald/app/dispatch"
	"github.com/mercatorhq/herald/app/dto"
	"github.com/mercatorhq/herald/models"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds client-related information attached to flow log events
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// ToScheduleDTO converts a schedule model to ScheduleDTO for API responses
func ToScheduleDTO(schedule models.Schedule) dto.ScheduleDTO {
	return dto.ScheduleDTO{
		UUID:        schedule.UUID.String(),
		Type:        schedule.Type.String(),
		Status:      schedule.Status.String(),
		CronExpr:    schedule.CronExpr,
		ScheduledAt: schedule.ScheduledAt,
		NextRun:     schedule.NextRun,
		LastRun:     schedule.LastRun,
		RunCount:    schedule.RunCount,
		MaxRuns:     schedule.MaxRuns,
		RetryCount:  schedule.RetryCount,
		MaxRetries:  schedule.MaxRetries,
		LastError:   schedule.LastError,
		ContactIDs:  []int64(schedule.ContactIDs),
		GroupIDs:    []int64(schedule.GroupIDs),
		CreatedAt:   schedule.CreatedAt,
		UpdatedAt:   schedule.UpdatedAt,
	}
}

// ToDeliveryStatsDTO converts aggregated delivery stats for API responses
func ToDeliveryStatsDTO(stats models.DeliveryStats) dto.DeliveryStatsDTO {
	return dto.DeliveryStatsDTO{
		Pending:     stats.Pending,
		Sent:        stats.Sent,
		Failed:      stats.Failed,
		RateLimited: stats.RateLimited,
		Total:       stats.Total,
	}
}

// ToMessageDTO converts a message model to MessageDTO for API responses
func ToMessageDTO(message models.Message) dto.MessageDTO {
	return dto.MessageDTO{
		UUID:       message.UUID.String(),
		Title:      message.Title,
		Body:       message.Body,
		Variations: []string(message.Variations),
		Active:     message.Active,
		CreatedAt:  message.CreatedAt,
		UpdatedAt:  message.UpdatedAt,
	}
}

// ToDispatchResultDTO converts a dispatch batch result for API responses
func ToDispatchResultDTO(res dispatch.Result) dto.DispatchResultDTO {
	return dto.DispatchResultDTO{
		ExecutionID: res.ExecutionID.String(),
		Recipients:  res.Recipients,
		Sent:        res.Sent,
		Failed:      res.Failed,
		RateLimited: res.RateLimited,
		Skipped:     res.Skipped,
		Errors:      res.Errors,
	}
}

// withClient annotates a log event with the caller's request metadata
func withClient(e *zerolog.Event, metadata *ClientMetadata) *zerolog.Event {
	if metadata == nil {
		return e
	}
	if metadata.IPAddress != "" {
		e = e.Str("ip", metadata.IPAddress)
	}
	if metadata.RequestID != "" {
		e = e.Str("request_id", metadata.RequestID)
	}
	if metadata.UserAgent != "" {
		e = e.Str("user_agent", metadata.UserAgent)
	}
	return e
}
