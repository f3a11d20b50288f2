// Package businessflow contains the core business logic and use cases for message scheduling workflows
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Schedule-related errors
	ErrScheduleNotFound       = errors.New("schedule not found")
	ErrScheduleNotCancellable = errors.New("schedule is not cancellable in its current status")
	ErrScheduleTypeInvalid    = errors.New("schedule type is invalid")
	ErrScheduledAtRequired    = errors.New("scheduled time is required for future schedules")
	ErrScheduledAtInPast      = errors.New("scheduled time cannot be in the past")
	ErrCronExprRequired       = errors.New("cron expression is required for recurring schedules")
	ErrCronExprInvalid        = errors.New("cron expression is invalid")
	ErrTargetsRequired        = errors.New("at least one target contact or group is required")
	ErrMaxRunsNegative        = errors.New("max runs cannot be negative")
	ErrMaxRetriesNegative     = errors.New("max retries cannot be negative")

	// Message-related errors
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageInactive      = errors.New("message is inactive")
	ErrMessageTitleRequired = errors.New("message title is required")
	ErrMessageBodyRequired  = errors.New("message body is required")
	ErrTooManyVariations    = errors.New("a message carries at most five variations")

	// Contact-related errors
	ErrContactNotFound = errors.New("contact not found")

	// Dispatch-related errors
	ErrRateLimitExceeded  = errors.New("send rate limit exceeded")
	ErrGatewayUnavailable = errors.New("message gateway is unavailable")
	ErrDeliveryFailed     = errors.New("message delivery failed")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}

func IsScheduleNotCancellable(err error) bool {
	return errors.Is(err, ErrScheduleNotCancellable)
}

func IsScheduleTypeInvalid(err error) bool {
	return errors.Is(err, ErrScheduleTypeInvalid)
}

func IsScheduledAtRequired(err error) bool {
	return errors.Is(err, ErrScheduledAtRequired)
}

func IsScheduledAtInPast(err error) bool {
	return errors.Is(err, ErrScheduledAtInPast)
}

func IsCronExprRequired(err error) bool {
	return errors.Is(err, ErrCronExprRequired)
}

func IsCronExprInvalid(err error) bool {
	return errors.Is(err, ErrCronExprInvalid)
}

func IsTargetsRequired(err error) bool {
	return errors.Is(err, ErrTargetsRequired)
}

func IsMaxRunsNegative(err error) bool {
	return errors.Is(err, ErrMaxRunsNegative)
}

func IsMaxRetriesNegative(err error) bool {
	return errors.Is(err, ErrMaxRetriesNegative)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsMessageInactive(err error) bool {
	return errors.Is(err, ErrMessageInactive)
}

func IsMessageTitleRequired(err error) bool {
	return errors.Is(err, ErrMessageTitleRequired)
}

func IsMessageBodyRequired(err error) bool {
	return errors.Is(err, ErrMessageBodyRequired)
}

func IsTooManyVariations(err error) bool {
	return errors.Is(err, ErrTooManyVariations)
}

func IsContactNotFound(err error) bool {
	return errors.Is(err, ErrContactNotFound)
}

func IsRateLimitExceeded(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

func IsGatewayUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

func IsDeliveryFailed(err error) bool {
	return errors.Is(err, ErrDeliveryFailed)
}

// IsValidationError reports whether the error is any synchronous schedule or
// message validation failure, the kind rejected before anything is persisted.
func IsValidationError(err error) bool {
	return IsScheduleTypeInvalid(err) ||
		IsScheduledAtRequired(err) ||
		IsScheduledAtInPast(err) ||
		IsCronExprRequired(err) ||
		IsCronExprInvalid(err) ||
		IsTargetsRequired(err) ||
		IsMaxRunsNegative(err) ||
		IsMaxRetriesNegative(err) ||
		IsMessageTitleRequired(err) ||
		IsMessageBodyRequired(err) ||
		IsTooManyVariations(err)
}
