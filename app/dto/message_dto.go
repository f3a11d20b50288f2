package dto

import (
	"time"
)

// CreateMessageRequest represents the request to store a new message template.
// A message carries at most five precomputed variations.
type CreateMessageRequest struct {
	Title      string   `json:"title" validate:"required,max=120"`
	Body       string   `json:"body" validate:"required"`
	Variations []string `json:"variations,omitempty" validate:"omitempty,max=5,dive,required"`
}

// CreateMessageResponse represents the response after storing a message
type CreateMessageResponse struct {
	Message   string `json:"message"`
	UUID      string `json:"uuid"`
	CreatedAt string `json:"created_at"`
}

// MessageDTO represents message template data for API responses
type MessageDTO struct {
	UUID       string     `json:"uuid"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Variations []string   `json:"variations,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// ListMessagesRequest represents the request to list active messages
type ListMessagesRequest struct {
	Page  int `json:"-"`
	Limit int `json:"-"`
}

// ListMessagesResponse represents a paginated list of active messages
type ListMessagesResponse struct {
	Message    string         `json:"message"`
	Items      []MessageDTO   `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}
