// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
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

// ScheduleHandlerInterface defines the contract for schedule handlers
type ScheduleHandlerInterface interface {
	CreateSchedule(c fiber.Ctx) error
	CancelSchedule(c fiber.Ctx) error
	GetScheduleStatus(c fiber.Ctx) error
	ListSchedulesStatus(c fiber.Ctx) error
	DownloadDeliveryReport(c fiber.Ctx) error
}

// ScheduleHandler handles schedule-related HTTP requests
type ScheduleHandler struct {
	scheduleFlow businessflow.ScheduleFlow
	reportFlow   businessflow.ReportFlow
	validator    *validator.Validate
}

func (h *ScheduleHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *ScheduleHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(scheduleFlow businessflow.ScheduleFlow, reportFlow businessflow.ReportFlow) *ScheduleHandler {
	return &ScheduleHandler{
		scheduleFlow: scheduleFlow,
		reportFlow:   reportFlow,
		validator:    validator.New(),
	}
}

// CreateSchedule handles the schedule creation process
// @Summary Create Schedule
// @Description Create an immediate, future, or recurring dispatch schedule for a message
// @Tags Schedules
// @Accept json
// @Produce json
// @Param request body dto.CreateScheduleRequest true "Schedule creation data"
// @Success 201 {object} dto.APIResponse{data=dto.CreateScheduleResponse} "Schedule created successfully"
// @Failure 400 {object} dto.APIResponse "Validation error or invalid request"
// @Failure 404 {object} dto.APIResponse "Message not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/schedules [post]
func (h *ScheduleHandler) CreateSchedule(c fiber.Ctx) error {
	var req dto.CreateScheduleRequest
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

	// Call business logic with proper context
	result, err := h.scheduleFlow.CreateSchedule(h.createRequestContext(c, "/api/v1/schedules"), &req, metadata)
	if err != nil {
		// Handle specific business errors
		if businessflow.IsMessageNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Message not found", "MESSAGE_NOT_FOUND", nil)
		}
		if businessflow.IsMessageInactive(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Message is inactive", "MESSAGE_INACTIVE", nil)
		}
		if businessflow.IsValidationError(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Schedule validation failed", "SCHEDULE_VALIDATION_FAILED", err.Error())
		}

		log.Println("Schedule creation failed", err)
		// Handle generic business errors
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Schedule creation failed", "SCHEDULE_CREATION_FAILED", nil)
	}

	// Successful schedule creation
	return h.SuccessResponse(c, fiber.StatusCreated, "Schedule created successfully", fiber.Map{
		"message":    result.Message,
		"uuid":       result.UUID,
		"status":     result.Status,
		"next_run":   result.NextRun,
		"created_at": result.CreatedAt,
	})
}

// CancelSchedule handles the schedule cancellation process
// @Summary Cancel Schedule
// @Description Cancel a pending or processing schedule; an in-flight run is interrupted
// @Tags Schedules
// @Accept json
// @Produce json
// @Param uuid path string true "Schedule UUID"
// @Success 200 {object} dto.APIResponse{data=dto.CancelScheduleResponse} "Schedule cancelled successfully"
// @Failure 400 {object} dto.APIResponse "Missing schedule UUID"
// @Failure 403 {object} dto.APIResponse "Schedule not cancellable in its current status"
// @Failure 404 {object} dto.APIResponse "Schedule not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/schedules/{uuid} [delete]
func (h *ScheduleHandler) CancelSchedule(c fiber.Ctx) error {
	scheduleUUID := c.Params("uuid")
	if scheduleUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Schedule UUID is required", "MISSING_SCHEDULE_UUID", nil)
	}

	metadata := h.clientMetadata(c)

	req := &dto.CancelScheduleRequest{UUID: scheduleUUID}
	result, err := h.scheduleFlow.CancelSchedule(h.createRequestContext(c, "/api/v1/schedules/"+scheduleUUID), req, metadata)
	if err != nil {
		if businessflow.IsScheduleNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Schedule not found", "SCHEDULE_NOT_FOUND", nil)
		}
		if businessflow.IsScheduleNotCancellable(err) {
			return h.ErrorResponse(c, fiber.StatusForbidden, "Schedule cannot be cancelled in current status", "SCHEDULE_NOT_CANCELLABLE", nil)
		}

		log.Println("Schedule cancellation failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Schedule cancellation failed", "SCHEDULE_CANCELLATION_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Schedule cancellation processed", fiber.Map{
		"message":   result.Message,
		"cancelled": result.Cancelled,
	})
}

// GetScheduleStatus returns one schedule with aggregated delivery stats
// @Summary Get Schedule Status
// @Description Retrieve a schedule's current state and its delivery statistics
// @Tags Schedules
// @Accept json
// @Produce json
// @Param uuid path string true "Schedule UUID"
// @Success 200 {object} dto.APIResponse{data=dto.GetScheduleStatusResponse} "Schedule status retrieved successfully"
// @Failure 400 {object} dto.APIResponse "Missing schedule UUID"
// @Failure 404 {object} dto.APIResponse "Schedule not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/schedules/{uuid} [get]
func (h *ScheduleHandler) GetScheduleStatus(c fiber.Ctx) error {
	scheduleUUID := c.Params("uuid")
	if scheduleUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Schedule UUID is required", "MISSING_SCHEDULE_UUID", nil)
	}

	metadata := h.clientMetadata(c)

	req := &dto.GetScheduleStatusRequest{UUID: scheduleUUID}
	result, err := h.scheduleFlow.GetScheduleStatus(h.createRequestContext(c, "/api/v1/schedules/"+scheduleUUID), req, metadata)
	if err != nil {
		if businessflow.IsScheduleNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Schedule not found", "SCHEDULE_NOT_FOUND", nil)
		}

		log.Println("Schedule status retrieval failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Schedule status retrieval failed", "STATUS_RETRIEVAL_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Schedule status retrieved successfully", fiber.Map{
		"message":  result.Message,
		"schedule": result.Schedule,
		"stats":    result.Stats,
	})
}

// ListSchedulesStatus summarizes schedules, armed triggers, and the shared dispatch machinery
// @Summary List Schedules Status
// @Description Retrieve schedule counts by status and type, armed triggers, rate limiter levels, and circuit breaker state
// @Tags Schedules
// @Accept json
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.ListSchedulesStatusResponse} "Schedules status retrieved successfully"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/schedules [get]
func (h *ScheduleHandler) ListSchedulesStatus(c fiber.Ctx) error {
	metadata := h.clientMetadata(c)

	result, err := h.scheduleFlow.ListSchedulesStatus(h.createRequestContext(c, "/api/v1/schedules"), metadata)
	if err != nil {
		log.Println("List schedules failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list schedules", "LIST_SCHEDULES_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Schedules status retrieved successfully", fiber.Map{
		"message":         result.Message,
		"status_counts":   result.StatusCounts,
		"type_counts":     result.TypeCounts,
		"active_triggers": result.ActiveTriggers,
		"rate_limiter":    result.RateLimiter,
		"circuit_breaker": result.CircuitBreaker,
	})
}

// DownloadDeliveryReport returns a schedule's delivery log as an Excel file
// @Summary Download Delivery Report
// @Description Download every delivery attempt of a schedule as an Excel workbook with a summary sheet
// @Tags Schedules
// @Accept json
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param uuid path string true "Schedule UUID"
// @Success 200 {file} binary "Excel workbook"
// @Failure 400 {object} dto.APIResponse "Missing schedule UUID"
// @Failure 404 {object} dto.APIResponse "Schedule not found"
// @Failure 500 {object} dto.APIResponse "Internal server error"
// @Router /api/v1/schedules/{uuid}/report.xlsx [get]
func (h *ScheduleHandler) DownloadDeliveryReport(c fiber.Ctx) error {
	scheduleUUID := c.Params("uuid")
	if scheduleUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Schedule UUID is required", "MISSING_SCHEDULE_UUID", nil)
	}

	metadata := h.clientMetadata(c)

	filename, data, err := h.reportFlow.DeliveryReport(h.createRequestContext(c, "/api/v1/schedules/"+scheduleUUID+"/report.xlsx"), scheduleUUID, metadata)
	if err != nil {
		if businessflow.IsScheduleNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Schedule not found", "SCHEDULE_NOT_FOUND", nil)
		}

		log.Println("Delivery report generation failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate Excel", "REPORT_GENERATION_FAILED", nil)
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(data)
}

func (h *ScheduleHandler) clientMetadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(c.Get(businessflow.RequestIDKey))
	return metadata
}

// createRequestContext creates a context with request-scoped values for observability and timeout
func (h *ScheduleHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	return h.createRequestContextWithTimeout(c, endpoint, 30*time.Second)
}

// createRequestContextWithTimeout creates a context with custom timeout and request-scoped values
func (h *ScheduleHandler) createRequestContextWithTimeout(c fiber.Ctx, endpoint string, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	// Add request-scoped values for observability
	ctx = context.WithValue(ctx, "request_id", c.Get(businessflow.RequestIDKey))
	ctx = context.WithValue(ctx, "user_agent", c.Get("User-Agent"))
	ctx = context.WithValue(ctx, "ip_address", c.IP())
	ctx = context.WithValue(ctx, "endpoint", endpoint)
	ctx = context.WithValue(ctx, "timeout", timeout)
	ctx = context.WithValue(ctx, "cancel_func", cancel) // Store cancel function for cleanup

	return ctx
}
