package dto

// SendImmediateRequest represents the request to dispatch a message now,
// bypassing schedule persistence
type SendImmediateRequest struct {
	MessageUUID string `json:"message_uuid" validate:"required,uuid4"`
	ContactIDs  []uint `json:"contact_ids" validate:"required,min=1"`
}

// DispatchResultDTO represents the aggregate outcome of one dispatch batch
type DispatchResultDTO struct {
	ExecutionID string   `json:"execution_id"`
	Recipients  int      `json:"recipients"`
	Sent        int      `json:"sent"`
	Failed      int      `json:"failed"`
	RateLimited int      `json:"rate_limited"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors,omitempty"`
}

// SendImmediateResponse represents the response of an immediate dispatch
type SendImmediateResponse struct {
	Message string            `json:"message"`
	Result  DispatchResultDTO `json:"result"`
}

// ResetRateLimitResponse confirms a manual per-recipient limiter reset
type ResetRateLimitResponse struct {
	Message     string `json:"message"`
	ContactUUID string `json:"contact_uuid"`
	ContactID   uint   `json:"contact_id"`
}
