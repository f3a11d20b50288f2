package handlers

import (
	"context"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/mercatorhq/herald/app/dto"
	businessflow "github.com/mercatorhq/herald/business_flow"
)

// DispatchHandlerInterface defines the contract for direct dispatch handlers
type DispatchHandlerInterface interface {
	SendImmediate(c fiber.Ctx) error
	ResetRecipientLimit(c fiber.Ctx) error
}

// DispatchHandler handles direct dispatch HTTP requests
type DispatchHandler struct {
	scheduleFlow businessflow.ScheduleFlow
	validator    *validator.Validate
}

func (h *DispatchHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *DispatchHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(scheduleFlow businessflow.ScheduleFlow) *DispatchHandler {
	return &DispatchHandler{
		scheduleFlow: scheduleFlow,
		validator:    validator.New(),
	}
}

// SendImmediate dispatches a stored message to the given contacts right away
// @Summary Send Message Immediately
// @Description Dispatch a message to a set of contacts without creating a schedule row
// @Tags Dispatch
// @Accept json
// @Produce json
// @Param request body dto.SendImmediateRequest true "Dispatch request"
// @Success 200 {object} dto.APIResponse{data=dto.SendImmediateResponse} "Dispatch completed"
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 404 {object} dto.APIResponse "Message not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/dispatch/send [post]
func (h *DispatchHandler) SendImmediate(c fiber.Ctx) error {
	var req dto.SendImmediateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	// Validate request
	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	metadata := h.clientMetadata(c)

	result, err := h.scheduleFlow.SendImmediate(h.createRequestContext(c, "/api/v1/dispatch/send"), &req, metadata)
	if err != nil {
		if businessflow.IsMessageNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Message not found", "MESSAGE_NOT_FOUND", nil)
		}
		if businessflow.IsMessageInactive(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Message is inactive", "MESSAGE_INACTIVE", nil)
		}
		if businessflow.IsValidationError(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Dispatch validation failed", "DISPATCH_VALIDATION_FAILED", err.Error())
		}

		log.Println("Immediate dispatch failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Dispatch failed", "DISPATCH_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Dispatch completed", fiber.Map{
		"message": result.Message,
		"result":  result.Result,
	})
}

// ResetRecipientLimit resets one contact's send rate bucket back to full
// @Summary Reset Recipient Rate Limit
// @Description Force a contact's per-recipient token bucket back to capacity
// @Tags Dispatch
// @Accept json
// @Produce json
// @Param contact path string true "Contact UUID"
// @Success 200 {object} dto.APIResponse{data=dto.ResetRateLimitResponse} "Rate limit reset"
// @Failure 400 {object} dto.APIResponse "Missing contact UUID"
// @Failure 404 {object} dto.APIResponse "Contact not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/rate-limit/reset/{contact} [post]
func (h *DispatchHandler) ResetRecipientLimit(c fiber.Ctx) error {
	contactUUID := c.Params("contact")
	if contactUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Contact UUID is required", "MISSING_CONTACT_UUID", nil)
	}

	metadata := h.clientMetadata(c)

	result, err := h.scheduleFlow.ResetRecipientLimit(h.createRequestContext(c, "/api/v1/rate-limit/reset/"+contactUUID), contactUUID, metadata)
	if err != nil {
		if businessflow.IsContactNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", "CONTACT_NOT_FOUND", nil)
		}

		log.Println("Rate limit reset failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Rate limit reset failed", "RATE_LIMIT_RESET_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Recipient rate limit reset successfully", fiber.Map{
		"message":      result.Message,
		"contact_uuid": result.ContactUUID,
		"contact_id":   result.ContactID,
	})
}

func (h *DispatchHandler) clientMetadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(c.Get(businessflow.RequestIDKey))
	return metadata
}

// createRequestContext creates a context with request-scoped values for observability and timeout
func (h *DispatchHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	ctx = context.WithValue(ctx, "request_id", c.Get(businessflow.RequestIDKey))
	ctx = context.WithValue(ctx, "user_agent", c.Get("User-Agent"))
	ctx = context.WithValue(ctx, "ip_address", c.IP())
	ctx = context.WithValue(ctx, "endpoint", endpoint)
	ctx = context.WithValue(ctx, "cancel_func", cancel) // Store cancel function for cleanup

	return ctx
}
