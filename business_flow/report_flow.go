package businessflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
)

// ReportFlow produces downloadable delivery reports
type ReportFlow interface {
	// DeliveryReport renders every delivery attempt of a schedule as an
	// Excel workbook. Returns the suggested filename and the file bytes.
	DeliveryReport(ctx context.Context, scheduleUUID string, metadata *ClientMetadata) (string, []byte, error)
}

// ReportFlowImpl implements the report business flow
type ReportFlowImpl struct {
	schedules repository.ScheduleRepository
	logs      repository.DeliveryLogRepository
	contacts  repository.ContactRepository
	log       zerolog.Logger
}

// NewReportFlow creates a new report flow instance
func NewReportFlow(
	schedules repository.ScheduleRepository,
	logs repository.DeliveryLogRepository,
	contacts repository.ContactRepository,
	log zerolog.Logger,
) ReportFlow {
	return &ReportFlowImpl{
		schedules: schedules,
		logs:      logs,
		contacts:  contacts,
		log:       log,
	}
}

// Delivery rows are fetched in pages of this size.
const reportFetchBatch = 500

func (f *ReportFlowImpl) DeliveryReport(ctx context.Context, scheduleUUID string, metadata *ClientMetadata) (string, []byte, error) {
	schedule, err := f.schedules.ByUUID(ctx, scheduleUUID)
	if err != nil {
		return "", nil, NewBusinessError("SCHEDULE_LOOKUP_FAILED", "Failed to lookup schedule", err)
	}
	if schedule == nil {
		return "", nil, NewBusinessError("SCHEDULE_NOT_FOUND", "Schedule not found", ErrScheduleNotFound)
	}

	rows, err := f.fetchAllDeliveries(ctx, schedule.ID)
	if err != nil {
		return "", nil, NewBusinessError("DELIVERY_FETCH_FAILED", "Failed to fetch delivery log", err)
	}

	stats, err := f.logs.StatsBySchedule(ctx, schedule.ID)
	if err != nil {
		return "", nil, NewBusinessError("DELIVERY_STATS_FAILED", "Failed to aggregate delivery stats", err)
	}

	contactNames, contactPhones := f.contactLookup(ctx, rows)

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	sheet := "deliveries"
	xl.SetSheetName(xl.GetSheetName(0), sheet)

	header := []string{"id", "execution_id", "attempt", "contact_id", "contact_name", "phone", "status", "variation_used", "gateway_message_id", "error_code", "error_message", "sent_at", "created_at"}
	_ = xl.SetSheetRow(sheet, "A1", &header)

	for ri, r := range rows {
		gatewayID := ""
		if r.GatewayMessageID != nil {
			gatewayID = *r.GatewayMessageID
		}
		errorCode := ""
		if r.ErrorCode != nil {
			errorCode = *r.ErrorCode
		}
		errorMessage := ""
		if r.ErrorMessage != nil {
			errorMessage = *r.ErrorMessage
		}
		sentAt := ""
		if r.SentAt != nil {
			sentAt = r.SentAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			strconv.FormatUint(uint64(r.ID), 10),
			r.ExecutionID.String(),
			strconv.Itoa(r.Attempt),
			strconv.FormatUint(uint64(r.ContactID), 10),
			contactNames[r.ContactID],
			contactPhones[r.ContactID],
			r.Status.String(),
			strconv.Itoa(r.VariationUsed),
			gatewayID,
			errorCode,
			errorMessage,
			sentAt,
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		cellRef, _ := excelize.CoordinatesToCellName(1, ri+2)
		_ = xl.SetSheetRow(sheet, cellRef, &record)
	}

	f.writeSummarySheet(xl, schedule, stats)

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}

	withClient(f.log.Info(), metadata).
		Str("schedule_uuid", schedule.UUID.String()).
		Int("rows", len(rows)).
		Msg("delivery report generated")

	filename := fmt.Sprintf("delivery_report_%s.xlsx", schedule.UUID.String())
	return filename, buf.Bytes(), nil
}

func (f *ReportFlowImpl) fetchAllDeliveries(ctx context.Context, scheduleID uint) ([]*models.DeliveryLog, error) {
	var all []*models.DeliveryLog
	offset := 0
	for {
		page, err := f.logs.ListBySchedule(ctx, scheduleID, reportFetchBatch, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < reportFetchBatch {
			return all, nil
		}
		offset += reportFetchBatch
	}
}

// contactLookup resolves names and phones for every contact appearing in
// the rows. Lookup failures degrade to blank cells rather than failing
// the whole report.
func (f *ReportFlowImpl) contactLookup(ctx context.Context, rows []*models.DeliveryLog) (map[uint]string, map[uint]string) {
	seen := make(map[uint]bool)
	ids := make([]uint, 0)
	for _, r := range rows {
		if !seen[r.ContactID] {
			seen[r.ContactID] = true
			ids = append(ids, r.ContactID)
		}
	}

	names := make(map[uint]string, len(ids))
	phones := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return names, phones
	}

	contacts, err := f.contacts.ListByIDs(ctx, ids)
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to resolve contacts for report")
		return names, phones
	}
	for _, c := range contacts {
		names[c.ID] = c.Name
		phones[c.ID] = c.Phone
	}
	return names, phones
}

func (f *ReportFlowImpl) writeSummarySheet(xl *excelize.File, schedule *models.Schedule, stats *models.DeliveryStats) {
	const sheet = "summary"
	_, _ = xl.NewSheet(sheet)

	lastRun := ""
	if schedule.LastRun != nil {
		lastRun = schedule.LastRun.UTC().Format(time.RFC3339)
	}
	lastError := ""
	if schedule.LastError != nil {
		lastError = *schedule.LastError
	}

	lines := [][]string{
		{"schedule_uuid", schedule.UUID.String()},
		{"type", schedule.Type.String()},
		{"status", schedule.Status.String()},
		{"run_count", strconv.Itoa(schedule.RunCount)},
		{"retry_count", strconv.Itoa(schedule.RetryCount)},
		{"last_run", lastRun},
		{"last_error", lastError},
		{"deliveries_pending", strconv.FormatInt(stats.Pending, 10)},
		{"deliveries_sent", strconv.FormatInt(stats.Sent, 10)},
		{"deliveries_failed", strconv.FormatInt(stats.Failed, 10)},
		{"deliveries_rate_limited", strconv.FormatInt(stats.RateLimited, 10)},
		{"deliveries_total", strconv.FormatInt(stats.Total, 10)},
	}
	for i, line := range lines {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		row := line
		_ = xl.SetSheetRow(sheet, cellRef, &row)
	}
}
