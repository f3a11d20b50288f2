package businessflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mercatorhq/herald/app/dto"
	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
)

// MessageFlow handles message template business logic
type MessageFlow interface {
	CreateMessage(ctx context.Context, req *dto.CreateMessageRequest, metadata *ClientMetadata) (*dto.CreateMessageResponse, error)
	ListMessages(ctx context.Context, req *dto.ListMessagesRequest, metadata *ClientMetadata) (*dto.ListMessagesResponse, error)
}

// MessageFlowImpl implements the message template business flow
type MessageFlowImpl struct {
	messages repository.MessageRepository
	db       *gorm.DB
	log      zerolog.Logger
}

// NewMessageFlow creates a new message flow instance
func NewMessageFlow(messages repository.MessageRepository, db *gorm.DB, log zerolog.Logger) MessageFlow {
	return &MessageFlowImpl{
		messages: messages,
		db:       db,
		log:      log,
	}
}

// CreateMessage validates and stores a new message template
func (s *MessageFlowImpl) CreateMessage(ctx context.Context, req *dto.CreateMessageRequest, metadata *ClientMetadata) (*dto.CreateMessageResponse, error) {
	if err := s.validateCreateMessageRequest(req); err != nil {
		return nil, NewBusinessError("MESSAGE_VALIDATION_FAILED", "Message validation failed", err)
	}

	message := &models.Message{
		UUID:       uuid.New(),
		Title:      strings.TrimSpace(req.Title),
		Body:       req.Body,
		Variations: pq.StringArray(req.Variations),
		Active:     true,
	}

	err := s.withTx(ctx, func(txCtx context.Context) error {
		return s.messages.Save(txCtx, message)
	})
	if err != nil {
		return nil, NewBusinessError("MESSAGE_CREATION_FAILED", "Message creation failed", err)
	}

	withClient(s.log.Info(), metadata).
		Str("message_uuid", message.UUID.String()).
		Int("variations", len(message.Variations)).
		Msg("message template created")

	return &dto.CreateMessageResponse{
		Message:   "Message created successfully",
		UUID:      message.UUID.String(),
		CreatedAt: message.CreatedAt.Format(time.RFC3339),
	}, nil
}

// ListMessages returns active message templates, newest first
func (s *MessageFlowImpl) ListMessages(ctx context.Context, req *dto.ListMessagesRequest, metadata *ClientMetadata) (*dto.ListMessagesResponse, error) {
	// Normalize pagination
	page := req.Page
	if page < 1 {
		page = 1
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	active := true
	filter := models.MessageFilter{Active: &active}

	total64, err := s.messages.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := s.messages.ListActive(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	items := make([]dto.MessageDTO, 0, len(rows))
	for _, m := range rows {
		items = append(items, ToMessageDTO(*m))
	}

	totalPages := int((total64 + int64(limit) - 1) / int64(limit))

	return &dto.ListMessagesResponse{
		Message:    "Messages retrieved successfully",
		Items:      items,
		Pagination: dto.PaginationInfo{Total: total64, Page: page, Limit: limit, TotalPages: totalPages},
	}, nil
}

func (s *MessageFlowImpl) validateCreateMessageRequest(req *dto.CreateMessageRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return ErrMessageTitleRequired
	}
	if strings.TrimSpace(req.Body) == "" {
		return ErrMessageBodyRequired
	}
	if len(req.Variations) > maxMessageVariations {
		return ErrTooManyVariations
	}
	for _, v := range req.Variations {
		if strings.TrimSpace(v) == "" {
			return ErrMessageBodyRequired
		}
	}
	return nil
}

// maxMessageVariations caps alternative phrasings per template.
const maxMessageVariations = 5

func (s *MessageFlowImpl) withTx(ctx context.Context, fn func(context.Context) error) error {
	if s.db == nil {
		return fn(ctx)
	}
	return repository.WithTransaction(ctx, s.db, fn)
}
