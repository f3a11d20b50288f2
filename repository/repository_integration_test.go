package repository_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatorhq/herald/models"
	"github.com/mercatorhq/herald/repository"
	testingutil "github.com/mercatorhq/herald/testing"
	"github.com/mercatorhq/herald/utils"
)

// newTestDB provisions a throwaway database for one test function. The
// integration tests only run when a PostgreSQL server is configured.
func newTestDB(t *testing.T) *testingutil.TestDB {
	t.Helper()
	if os.Getenv("TEST_DB_HOST") == "" {
		t.Skip("TEST_DB_HOST not set; skipping database integration tests")
	}
	tdb, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := tdb.TeardownTestDB(); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return tdb
}

func seedContact(t *testing.T, repo repository.ContactRepository, name, phone string) *models.Contact {
	t.Helper()
	contact := &models.Contact{Name: name, Phone: phone, City: "Lisbon"}
	require.NoError(t, repo.Save(context.Background(), contact))
	return contact
}

func seedMessage(t *testing.T, repo repository.MessageRepository, title string, createdAt time.Time) *models.Message {
	t.Helper()
	msg := &models.Message{
		Title:      title,
		Body:       "Hello {name}",
		Variations: pq.StringArray{"Hi {name}", "Hey {name}"},
		Active:     true,
		CreatedAt:  createdAt,
	}
	require.NoError(t, repo.Save(context.Background(), msg))
	return msg
}

func TestScheduleRepositoryIntegration(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testingutil.CreateTestContext()
	repo := repository.NewScheduleRepository(tdb.DB)
	messages := repository.NewMessageRepository(tdb.DB)
	msg := seedMessage(t, messages, "welcome", utils.UTCNow())

	makeSchedule := func(status models.ScheduleStatus, nextRun *time.Time) *models.Schedule {
		s := &models.Schedule{
			MessageID:  msg.ID,
			Type:       models.ScheduleTypeFuture,
			Status:     status,
			NextRun:    nextRun,
			MaxRetries: 3,
			ContactIDs: pq.Int64Array{1, 2},
		}
		require.NoError(t, repo.Save(ctx, s))
		return s
	}

	t.Run("SaveAndByUUID", func(t *testing.T) {
		next := utils.UTCNow().Add(time.Hour)
		s := makeSchedule("", &next)
		assert.NotZero(t, s.ID)
		assert.NotEqual(t, uuid.Nil, s.UUID)

		got, err := repo.ByUUID(ctx, s.UUID.String())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, models.ScheduleStatusPending, got.Status)
		assert.Equal(t, models.ScheduleTypeFuture, got.Type)
		assert.Equal(t, pq.Int64Array{1, 2}, got.ContactIDs)
		require.NotNil(t, got.NextRun)
		assert.WithinDuration(t, next, *got.NextRun, time.Second)
	})

	t.Run("ByUUIDNotFound", func(t *testing.T) {
		got, err := repo.ByUUID(ctx, uuid.New().String())
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("TransitionStatus", func(t *testing.T) {
		next := utils.UTCNow().Add(time.Hour)
		s := makeSchedule("", &next)

		claimed, err := repo.TransitionStatus(ctx, s.ID, models.ScheduleStatusPending, models.ScheduleStatusProcessing)
		require.NoError(t, err)
		assert.True(t, claimed)

		// A second claim must lose: the row is no longer pending.
		claimed, err = repo.TransitionStatus(ctx, s.ID, models.ScheduleStatusPending, models.ScheduleStatusProcessing)
		require.NoError(t, err)
		assert.False(t, claimed)

		got, err := repo.ByUUID(ctx, s.UUID.String())
		require.NoError(t, err)
		assert.Equal(t, models.ScheduleStatusProcessing, got.Status)
	})

	t.Run("ListDue", func(t *testing.T) {
		now := utils.UTCNow()
		early := now.Add(-2 * time.Hour)
		late := now.Add(-time.Hour)
		future := now.Add(time.Hour)

		dueEarly := makeSchedule("", &early)
		dueLate := makeSchedule("", &late)
		notDue := makeSchedule("", &future)
		claimed := makeSchedule(models.ScheduleStatusProcessing, &early)

		rows, err := repo.ListDue(ctx, now, 0)
		require.NoError(t, err)

		positions := map[uint]int{}
		for i, row := range rows {
			positions[row.ID] = i
		}
		require.Contains(t, positions, dueEarly.ID)
		require.Contains(t, positions, dueLate.ID)
		assert.NotContains(t, positions, notDue.ID)
		assert.NotContains(t, positions, claimed.ID)
		assert.Less(t, positions[dueEarly.ID], positions[dueLate.ID])
	})

	t.Run("ListArmed", func(t *testing.T) {
		next := utils.UTCNow().Add(30 * time.Minute)
		armed := makeSchedule("", &next)
		unarmed := makeSchedule("", nil)

		rows, err := repo.ListArmed(ctx)
		require.NoError(t, err)

		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			require.NotNil(t, row.NextRun)
			assert.Equal(t, models.ScheduleStatusPending, row.Status)
			ids = append(ids, row.ID)
		}
		assert.Contains(t, ids, armed.ID)
		assert.NotContains(t, ids, unarmed.ID)
	})

	t.Run("Update", func(t *testing.T) {
		next := utils.UTCNow().Add(time.Hour)
		s := makeSchedule("", &next)

		s.Status = models.ScheduleStatusFailed
		s.NextRun = nil
		s.RetryCount = 3
		s.LastError = utils.ToPtr("gateway unreachable")
		require.NoError(t, repo.Update(ctx, *s))

		got, err := repo.ByUUID(ctx, s.UUID.String())
		require.NoError(t, err)
		assert.Equal(t, models.ScheduleStatusFailed, got.Status)
		assert.Nil(t, got.NextRun)
		assert.Equal(t, 3, got.RetryCount)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "gateway unreachable", *got.LastError)
		assert.NotNil(t, got.UpdatedAt)
	})

	t.Run("Counts", func(t *testing.T) {
		pending, err := repo.CountByStatus(ctx, models.ScheduleStatusPending)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pending, int64(1))

		futures, err := repo.CountByType(ctx, models.ScheduleTypeFuture)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, futures, int64(1))

		recurring, err := repo.CountByType(ctx, models.ScheduleTypeRecurring)
		require.NoError(t, err)
		assert.Zero(t, recurring)
	})
}

func TestMessageRepositoryIntegration(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testingutil.CreateTestContext()
	repo := repository.NewMessageRepository(tdb.DB)

	t.Run("SaveAndByUUID", func(t *testing.T) {
		msg := seedMessage(t, repo, "promo", utils.UTCNow())
		assert.NotZero(t, msg.ID)

		got, err := repo.ByUUID(ctx, msg.UUID.String())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "promo", got.Title)
		assert.Equal(t, pq.StringArray{"Hi {name}", "Hey {name}"}, got.Variations)
		assert.True(t, got.Active)
	})

	t.Run("ListActive", func(t *testing.T) {
		base := utils.UTCNow().Add(time.Hour)
		oldest := seedMessage(t, repo, "list-oldest", base)
		middle := seedMessage(t, repo, "list-middle", base.Add(time.Minute))
		newest := seedMessage(t, repo, "list-newest", base.Add(2*time.Minute))

		retired := seedMessage(t, repo, "list-retired", base.Add(3*time.Minute))
		err := tdb.DB.Model(&models.Message{}).Where("id = ?", retired.ID).Update("active", false).Error
		require.NoError(t, err)

		rows, err := repo.ListActive(ctx, 0, 0)
		require.NoError(t, err)

		positions := map[string]int{}
		for i, row := range rows {
			assert.True(t, row.Active)
			positions[row.Title] = i
		}
		assert.NotContains(t, positions, "list-retired")
		require.Contains(t, positions, "list-oldest")
		require.Contains(t, positions, "list-newest")
		// Newest first
		assert.Less(t, positions["list-newest"], positions["list-middle"])
		assert.Less(t, positions["list-middle"], positions["list-oldest"])

		page, err := repo.ListActive(ctx, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page, 2)
		assert.Equal(t, newest.UUID, page[0].UUID)
		assert.Equal(t, middle.UUID, page[1].UUID)
	})
}

func TestContactRepositoryIntegration(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testingutil.CreateTestContext()
	repo := repository.NewContactRepository(tdb.DB)

	t.Run("SaveAndByUUID", func(t *testing.T) {
		contact := seedContact(t, repo, "Ada", "+15550001001")

		got, err := repo.ByUUID(ctx, contact.UUID.String())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Ada", got.Name)
		assert.Equal(t, "+15550001001", got.Phone)
		assert.True(t, got.Active)
	})

	t.Run("DuplicatePhoneRejected", func(t *testing.T) {
		dup := &models.Contact{Name: "Clone", Phone: "+15550001001"}
		err := repo.Save(ctx, dup)
		assert.Error(t, err)
	})

	t.Run("ListByIDs", func(t *testing.T) {
		first := seedContact(t, repo, "Bert", "+15550001002")
		second := seedContact(t, repo, "Cleo", "+15550001003")
		third := seedContact(t, repo, "Dina", "+15550001004")

		rows, err := repo.ListByIDs(ctx, []uint{third.ID, first.ID})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		// id ASC regardless of input order
		assert.Equal(t, first.ID, rows[0].ID)
		assert.Equal(t, third.ID, rows[1].ID)
		_ = second

		empty, err := repo.ListByIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestContactGroupRepositoryIntegration(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testingutil.CreateTestContext()
	groups := repository.NewContactGroupRepository(tdb.DB)
	contacts := repository.NewContactRepository(tdb.DB)

	group := &models.ContactGroup{Name: "customers"}
	require.NoError(t, groups.Save(ctx, group))

	first := seedContact(t, contacts, "Ada", "+15550002001")
	second := seedContact(t, contacts, "Bert", "+15550002002")

	t.Run("ByUUID", func(t *testing.T) {
		got, err := groups.ByUUID(ctx, group.UUID.String())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "customers", got.Name)
	})

	t.Run("AddMemberIdempotent", func(t *testing.T) {
		require.NoError(t, groups.AddMember(ctx, group.ID, first.ID))
		require.NoError(t, groups.AddMember(ctx, group.ID, first.ID))

		ids, err := groups.MemberContactIDs(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, []uint{first.ID}, ids)
	})

	t.Run("MemberInsertionOrder", func(t *testing.T) {
		require.NoError(t, groups.AddMember(ctx, group.ID, second.ID))

		ids, err := groups.MemberContactIDs(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, []uint{first.ID, second.ID}, ids)
	})
}

func TestDeliveryLogRepositoryIntegration(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testingutil.CreateTestContext()
	logs := repository.NewDeliveryLogRepository(tdb.DB)
	contacts := repository.NewContactRepository(tdb.DB)
	messages := repository.NewMessageRepository(tdb.DB)
	schedules := repository.NewScheduleRepository(tdb.DB)

	msg := seedMessage(t, messages, "welcome", utils.UTCNow())
	next := utils.UTCNow().Add(time.Hour)
	schedule := &models.Schedule{
		MessageID: msg.ID,
		Type:      models.ScheduleTypeFuture,
		NextRun:   &next,
	}
	require.NoError(t, schedules.Save(ctx, schedule))

	ada := seedContact(t, contacts, "Ada", "+15550003001")
	bert := seedContact(t, contacts, "Bert", "+15550003002")
	cleo := seedContact(t, contacts, "Cleo", "+15550003003")

	executionID := uuid.New()
	rows := []*models.DeliveryLog{
		{ScheduleID: &schedule.ID, ExecutionID: executionID, ContactID: ada.ID, VariationUsed: 1},
		{ScheduleID: &schedule.ID, ExecutionID: executionID, ContactID: bert.ID},
		{ScheduleID: &schedule.ID, ExecutionID: executionID, ContactID: cleo.ID},
	}
	require.NoError(t, logs.SaveBatch(ctx, rows))
	for _, row := range rows {
		require.NotZero(t, row.ID)
	}

	t.Run("MarkOutcome", func(t *testing.T) {
		sentAt := utils.UTCNow()
		err := logs.MarkOutcome(ctx, rows[0].ID, models.DeliveryStatusSent,
			utils.ToPtr("gw-1001"), nil, nil, &sentAt)
		require.NoError(t, err)

		err = logs.MarkOutcome(ctx, rows[1].ID, models.DeliveryStatusFailed,
			nil, utils.ToPtr("GATEWAY_ERROR"), utils.ToPtr("number unreachable"), nil)
		require.NoError(t, err)

		got, err := logs.ByID(ctx, rows[0].ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.DeliveryStatusSent, got.Status)
		require.NotNil(t, got.GatewayMessageID)
		assert.Equal(t, "gw-1001", *got.GatewayMessageID)
		require.NotNil(t, got.SentAt)
	})

	t.Run("MarkOutcomeResolvedRowUntouched", func(t *testing.T) {
		// The sent row is no longer pending, so a second resolution is a no-op.
		err := logs.MarkOutcome(ctx, rows[0].ID, models.DeliveryStatusFailed,
			nil, utils.ToPtr("LATE"), nil, nil)
		require.NoError(t, err)

		got, err := logs.ByID(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryStatusSent, got.Status)
		assert.Nil(t, got.ErrorCode)
	})

	t.Run("SentContactIDs", func(t *testing.T) {
		ids, err := logs.SentContactIDs(ctx, executionID)
		require.NoError(t, err)
		assert.Equal(t, []uint{ada.ID}, ids)

		none, err := logs.SentContactIDs(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("StatsBySchedule", func(t *testing.T) {
		stats, err := logs.StatsBySchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Sent)
		assert.Equal(t, int64(1), stats.Failed)
		assert.Equal(t, int64(1), stats.Pending)
		assert.Equal(t, int64(3), stats.Total)
	})

	t.Run("ListBySchedulePaging", func(t *testing.T) {
		page, err := logs.ListBySchedule(ctx, schedule.ID, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, rows[0].ID, page[0].ID)
		assert.Equal(t, rows[1].ID, page[1].ID)

		rest, err := logs.ListBySchedule(ctx, schedule.ID, 2, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, rows[2].ID, rest[0].ID)
	})
}

func TestWithTransactionIntegration(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testingutil.CreateTestContext()
	repo := repository.NewContactRepository(tdb.DB)

	t.Run("RollbackOnError", func(t *testing.T) {
		contact := &models.Contact{Name: "Ghost", Phone: "+15550004001"}
		err := repository.WithTransaction(ctx, tdb.DB, func(txCtx context.Context) error {
			if err := repo.Save(txCtx, contact); err != nil {
				return err
			}
			return errors.New("abort")
		})
		require.EqualError(t, err, "abort")

		got, err := repo.ByUUID(ctx, contact.UUID.String())
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("CommitOnSuccess", func(t *testing.T) {
		contact := &models.Contact{Name: "Durable", Phone: "+15550004002"}
		err := repository.WithTransaction(ctx, tdb.DB, func(txCtx context.Context) error {
			return repo.Save(txCtx, contact)
		})
		require.NoError(t, err)

		got, err := repo.ByUUID(ctx, contact.UUID.String())
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Durable", got.Name)
	})
}
