package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatorhq/herald/app/breaker"
	"github.com/mercatorhq/herald/app/ratelimit"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/models"
	testingutil "github.com/mercatorhq/herald/testing"
)

// scriptedGateway is a local stand-in for the messaging gateway with
// per-phone failure scripting and an optional hook fired inside Send.
type scriptedGateway struct {
	mu         sync.Mutex
	sent       []scriptedSend
	attempts   int
	seq        int
	down       bool
	failures   map[string]int
	rejections map[string]int
	onSend     func(phone string)
}

type scriptedSend struct {
	phone string
	text  string
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		failures:   make(map[string]int),
		rejections: make(map[string]int),
	}
}

func (g *scriptedGateway) Send(ctx context.Context, phone, text string) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts++
	if g.onSend != nil {
		g.onSend(phone)
	}

	if g.down {
		return GatewayResult{}, fmt.Errorf("gateway unreachable")
	}
	if n := g.failures[phone]; n > 0 {
		g.failures[phone] = n - 1
		return GatewayResult{}, fmt.Errorf("transient failure for %s", phone)
	}
	if n := g.rejections[phone]; n > 0 {
		g.rejections[phone] = n - 1
		return GatewayResult{Accepted: false, ErrorCode: "BLOCKED"}, nil
	}

	g.seq++
	g.sent = append(g.sent, scriptedSend{phone: phone, text: text})
	return GatewayResult{Accepted: true, MessageID: fmt.Sprintf("gw-%d", g.seq)}, nil
}

func (g *scriptedGateway) sentTexts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sent))
	for _, s := range g.sent {
		out = append(out, s.text)
	}
	return out
}

func (g *scriptedGateway) attemptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// fixtureDirectory adapts the in-memory stores to the Directory interface.
type fixtureDirectory struct {
	fx *testingutil.Fixtures
}

func (d fixtureDirectory) ContactsByIDs(ctx context.Context, ids []uint) ([]*models.Contact, error) {
	return d.fx.Contacts.ListByIDs(ctx, ids)
}

func (d fixtureDirectory) GroupMemberIDs(ctx context.Context, groupID uint) ([]uint, error) {
	return d.fx.Groups.MemberContactIDs(ctx, groupID)
}

type dispatcherEnv struct {
	d  *Dispatcher
	fx *testingutil.Fixtures
	gw *scriptedGateway
}

func generousRate() config.SendRateConfig {
	return config.SendRateConfig{
		GlobalPerMinute:    600,
		GlobalBurst:        100,
		RecipientPerMinute: 600,
		RecipientBurst:     50,
		RecipientIdleTTL:   time.Minute,
		SweepInterval:      time.Minute,
	}
}

func defaultDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Workers:          4,
		SendTimeout:      5 * time.Second,
		MaxRateLimitWait: 2 * time.Second,
		DefaultMaxRetry:  3,
	}
}

func newTestDispatcher(rate config.SendRateConfig, cb config.CircuitBreakerConfig, cfg config.DispatchConfig) *dispatcherEnv {
	fx := testingutil.NewFixtures()
	gw := newScriptedGateway()
	limiter := ratelimit.NewLimiter(rate, zerolog.Nop())
	brk := breaker.New(cb, zerolog.Nop())
	d := NewDispatcher(cfg, limiter, brk, gw, fixtureDirectory{fx}, fx.Logs, zerolog.Nop())
	return &dispatcherEnv{d: d, fx: fx, gw: gw}
}

func defaultBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

func (e *dispatcherEnv) countByStatus(t *testing.T, status models.DeliveryStatus) int64 {
	t.Helper()
	n, err := e.fx.Logs.Count(context.Background(), models.DeliveryLogFilter{Status: &status})
	require.NoError(t, err)
	return n
}

func TestDispatchDeliversToEveryRecipient(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	bert, err := env.fx.CreateTestContact("Bert", "+3161000002", "Breda")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("greeting", "Hello {name} from {city}")
	require.NoError(t, err)

	res, err := env.d.Dispatch(context.Background(), Job{
		Message:    message,
		ContactIDs: []uint{ada.ID, bert.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Recipients)
	assert.Equal(t, 2, res.Sent)
	assert.Zero(t, res.Failed)
	assert.True(t, res.Succeeded())

	texts := env.gw.sentTexts()
	assert.Contains(t, texts, "Hello Ada from Delft")
	assert.Contains(t, texts, "Hello Bert from Breda")
	assert.EqualValues(t, 2, env.countByStatus(t, models.DeliveryStatusSent))
}

func TestDispatchDeduplicatesOverlappingTargets(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	bert, err := env.fx.CreateTestContact("Bert", "+3161000002", "Breda")
	require.NoError(t, err)
	cleo, err := env.fx.CreateTestContact("Cleo", "+3161000003", "Utrecht")
	require.NoError(t, err)
	group, err := env.fx.CreateTestGroup("south", bert.ID, cleo.ID)
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("greeting", "Hi {name}")
	require.NoError(t, err)

	// Bert is targeted directly and through the group.
	res, err := env.d.Dispatch(context.Background(), Job{
		Message:    message,
		ContactIDs: []uint{ada.ID, bert.ID},
		GroupIDs:   []uint{group.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Recipients)
	assert.Equal(t, 3, res.Sent)

	n, err := env.fx.Logs.Count(context.Background(), models.DeliveryLogFilter{ContactID: &bert.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "overlapping target must produce exactly one delivery row")
}

func TestDispatchRecordsVariationUsed(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("promo", "base {name}", "first alt {name}", "second alt {name}")
	require.NoError(t, err)

	env.d.pick = func(*models.Message) int { return 2 }

	res, err := env.d.Dispatch(context.Background(), Job{Message: message, ContactIDs: []uint{ada.ID}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)

	rows, err := env.fx.Logs.ByFilter(context.Background(), models.DeliveryLogFilter{ContactID: &ada.ID}, "id ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].VariationUsed)
	assert.Equal(t, []string{"second alt Ada"}, env.gw.sentTexts())
}

func TestDispatchBurstBeyondGlobalCapacity(t *testing.T) {
	rate := config.SendRateConfig{
		GlobalPerMinute:    5,
		GlobalBurst:        5,
		RecipientPerMinute: 600,
		RecipientBurst:     50,
		RecipientIdleTTL:   time.Minute,
		SweepInterval:      time.Minute,
	}
	env := newTestDispatcher(rate, defaultBreakerConfig(), defaultDispatchConfig())

	var ids []uint
	for i := 0; i < 6; i++ {
		c, err := env.fx.CreateTestContact(
			fmt.Sprintf("Contact%d", i),
			fmt.Sprintf("+316200000%d", i),
			"Zwolle",
		)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	message, err := env.fx.CreateTestMessage("burst", "Hey {name}")
	require.NoError(t, err)

	// Refilling 5 per minute means the sixth send would have to wait about
	// twelve seconds, far beyond the wait budget, so it is logged instead.
	res, err := env.d.Dispatch(context.Background(), Job{Message: message, ContactIDs: ids})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Sent)
	assert.Equal(t, 1, res.RateLimited)
	assert.Zero(t, res.Failed)
	assert.True(t, res.OnlyThrottled())
	assert.EqualValues(t, 5, env.countByStatus(t, models.DeliveryStatusSent))
	assert.EqualValues(t, 1, env.countByStatus(t, models.DeliveryStatusRateLimited))
}

func TestDispatchWaitsOutShortThrottle(t *testing.T) {
	rate := config.SendRateConfig{
		GlobalPerMinute:    60,
		GlobalBurst:        1,
		RecipientPerMinute: 600,
		RecipientBurst:     50,
		RecipientIdleTTL:   time.Minute,
		SweepInterval:      time.Minute,
	}
	cfg := defaultDispatchConfig()
	cfg.Workers = 1
	env := newTestDispatcher(rate, defaultBreakerConfig(), cfg)

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	bert, err := env.fx.CreateTestContact("Bert", "+3161000002", "Breda")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("greeting", "Hi {name}")
	require.NoError(t, err)

	// The second send drains into an empty bucket refilling one token per
	// second: a one second wait, inside the budget, so it sleeps and sends.
	start := time.Now()
	res, err := env.d.Dispatch(context.Background(), Job{Message: message, ContactIDs: []uint{ada.ID, bert.ID}})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Zero(t, res.RateLimited)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.EqualValues(t, 0, env.countByStatus(t, models.DeliveryStatusRateLimited))
}

func TestDispatchRetryPassSkipsDeliveredContacts(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	bert, err := env.fx.CreateTestContact("Bert", "+3161000002", "Breda")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("greeting", "Hi {name}")
	require.NoError(t, err)

	env.gw.failures[bert.Phone] = 1
	executionID := uuid.New()

	first, err := env.d.Dispatch(context.Background(), Job{
		ExecutionID: executionID,
		Attempt:     0,
		Message:     message,
		ContactIDs:  []uint{ada.ID, bert.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sent)
	assert.Equal(t, 1, first.Failed)

	second, err := env.d.Dispatch(context.Background(), Job{
		ExecutionID: executionID,
		Attempt:     1,
		Message:     message,
		ContactIDs:  []uint{ada.ID, bert.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped, "already-delivered contact must not be sent again")
	assert.Equal(t, 1, second.Sent)
	assert.Zero(t, second.Failed)

	adaRows, err := env.fx.Logs.ByFilter(context.Background(), models.DeliveryLogFilter{ContactID: &ada.ID}, "id ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, adaRows, 1)
	assert.Equal(t, models.DeliveryStatusSent, adaRows[0].Status)

	bertRows, err := env.fx.Logs.ByFilter(context.Background(), models.DeliveryLogFilter{ContactID: &bert.ID}, "id ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, bertRows, 2)
	assert.Equal(t, models.DeliveryStatusFailed, bertRows[0].Status)
	assert.Equal(t, 0, bertRows[0].Attempt)
	assert.Equal(t, models.DeliveryStatusSent, bertRows[1].Status)
	assert.Equal(t, 1, bertRows[1].Attempt)
}

func TestDispatchRejectionIsolatedPerRecipient(t *testing.T) {
	cfg := defaultDispatchConfig()
	cfg.Workers = 1
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), cfg)

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	bert, err := env.fx.CreateTestContact("Bert", "+3161000002", "Breda")
	require.NoError(t, err)
	cleo, err := env.fx.CreateTestContact("Cleo", "+3161000003", "Utrecht")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("greeting", "Hi {name}")
	require.NoError(t, err)

	env.gw.rejections[bert.Phone] = 1

	res, err := env.d.Dispatch(context.Background(), Job{
		Message:    message,
		ContactIDs: []uint{ada.ID, bert.ID, cleo.ID},
	})
	require.NoError(t, err, "a recipient failure must not abort the batch")

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Errors, 1)

	bertRows, err := env.fx.Logs.ByFilter(context.Background(), models.DeliveryLogFilter{ContactID: &bert.ID}, "id ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, bertRows, 1)
	assert.Equal(t, models.DeliveryStatusFailed, bertRows[0].Status)
	require.NotNil(t, bertRows[0].ErrorCode)
	assert.Equal(t, "BLOCKED", *bertRows[0].ErrorCode)
}

func TestDispatchCircuitOpenFailsFastWithDistinctCode(t *testing.T) {
	cb := config.CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}
	cfg := defaultDispatchConfig()
	cfg.Workers = 1
	env := newTestDispatcher(generousRate(), cb, cfg)

	var ids []uint
	for i := 0; i < 5; i++ {
		c, err := env.fx.CreateTestContact(
			fmt.Sprintf("Contact%d", i),
			fmt.Sprintf("+316300000%d", i),
			"Zwolle",
		)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	message, err := env.fx.CreateTestMessage("down", "Hi {name}")
	require.NoError(t, err)

	env.gw.down = true

	res, err := env.d.Dispatch(context.Background(), Job{Message: message, ContactIDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Failed)
	assert.False(t, res.Succeeded())

	// Three real attempts trip the circuit; the remaining two never reach
	// the gateway.
	assert.Equal(t, 3, env.gw.attemptCount())

	rows, err := env.fx.Logs.ByFilter(context.Background(), models.DeliveryLogFilter{}, "id ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	var transportFails, fastFails int
	for _, row := range rows {
		require.NotNil(t, row.ErrorCode)
		switch *row.ErrorCode {
		case ErrCodeGatewayError:
			transportFails++
		case ErrCodeGatewayUnavailable:
			fastFails++
		}
	}
	assert.Equal(t, 3, transportFails)
	assert.Equal(t, 2, fastFails)
}

func TestDispatchCancellationStopsFurtherSends(t *testing.T) {
	cfg := defaultDispatchConfig()
	cfg.Workers = 1
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), cfg)

	var ids []uint
	for i := 0; i < 4; i++ {
		c, err := env.fx.CreateTestContact(
			fmt.Sprintf("Contact%d", i),
			fmt.Sprintf("+316400000%d", i),
			"Zwolle",
		)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	message, err := env.fx.CreateTestMessage("stop", "Hi {name}")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.gw.onSend = func(string) { cancel() }

	res, err := env.d.Dispatch(ctx, Job{Message: message, ContactIDs: ids})
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight send completes, nothing further starts.
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, env.gw.attemptCount())

	total, err := env.fx.Logs.Count(context.Background(), models.DeliveryLogFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestDispatchSkipsContactsMissingFromDirectory(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("greeting", "Hi {name}")
	require.NoError(t, err)

	res, err := env.d.Dispatch(context.Background(), Job{
		Message:    message,
		ContactIDs: []uint{ada.ID, 999},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Recipients)
	assert.Equal(t, 1, res.Sent)
	total, err := env.fx.Logs.Count(context.Background(), models.DeliveryLogFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestDispatchEmptyRecipientSet(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	message, err := env.fx.CreateTestMessage("greeting", "Hi {name}")
	require.NoError(t, err)

	res, err := env.d.Dispatch(context.Background(), Job{Message: message})
	require.NoError(t, err)
	assert.Zero(t, res.Recipients)
	assert.True(t, res.Succeeded())
}

func TestSendImmediateWritesUnscheduledRows(t *testing.T) {
	env := newTestDispatcher(generousRate(), defaultBreakerConfig(), defaultDispatchConfig())

	ada, err := env.fx.CreateTestContact("Ada", "+3161000001", "Delft")
	require.NoError(t, err)
	message, err := env.fx.CreateTestMessage("adhoc", "Ping {name}")
	require.NoError(t, err)

	res, err := env.d.SendImmediate(context.Background(), message, []uint{ada.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.NotEqual(t, uuid.Nil, res.ExecutionID)

	rows, err := env.fx.Logs.ByFilter(context.Background(), models.DeliveryLogFilter{ContactID: &ada.ID}, "id ASC", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ScheduleID)
	assert.Equal(t, res.ExecutionID, rows[0].ExecutionID)
}
