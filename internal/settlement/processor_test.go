package settlement

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"settlement/internal/capacity"
	"settlement/internal/fulfillment"
	"settlement/internal/idempotency"
	"settlement/internal/model"
	"settlement/internal/notify"
	"settlement/internal/store"
	"settlement/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type countingDispatcher struct {
	mu     sync.Mutex
	orders []string
}

func (d *countingDispatcher) DispatchOrder(_ context.Context, orderID string) (notify.Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders = append(d.orders, orderID)
	return notify.Report{}, nil
}

func (d *countingDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.orders)
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, resourceID)
	return nil
}

type fixture struct {
	db         *gorm.DB
	proc       *Processor
	dispatcher *countingDispatcher
	cache      *recordingCache
}

func newFixture(t *testing.T, strategy idempotency.Strategy) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "settlement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	plan := notify.NewPlan([]string{"ops@example.com"},
		notify.Route{Channel: "email", Tier: model.TierBestEffort, Template: "receipt", Audience: notify.AudienceCustomer},
		notify.Route{Channel: "ops", Tier: model.TierOptional, Template: "new_sale", Audience: notify.AudienceAdmins},
	)
	f := &fixture{
		db:         db,
		dispatcher: &countingDispatcher{},
		cache:      &recordingCache{},
	}
	f.proc = NewProcessor(Deps{
		DB:          db,
		Verifier:    webhook.NewVerifier(testSecret, 5*time.Minute),
		Guard:       idempotency.NewGuard(strategy),
		Coordinator: fulfillment.NewCoordinator(capacity.NewLedger(), plan),
		Dispatcher:  f.dispatcher,
		Cache:       f.cache,
	})
	return f
}

func (f *fixture) seedResource(t *testing.T, total int64) string {
	t.Helper()
	res, err := capacity.NewLedger().Create(context.Background(), f.db, "workshop", total)
	require.NoError(t, err)
	return res.ID
}

func (f *fixture) seedOrder(t *testing.T, id string, mutate func(*model.Order)) {
	t.Helper()
	o := &model.Order{
		ID:                id,
		ExternalReference: "cs_" + id,
		CustomerRef:       "alice@example.com",
		Status:            model.OrderPending,
		Quantity:          1,
	}
	if mutate != nil {
		mutate(o)
	}
	require.NoError(t, f.db.Create(o).Error)
}

func (f *fixture) order(t *testing.T, id string) model.Order {
	t.Helper()
	var o model.Order
	require.NoError(t, f.db.Where("id = ?", id).First(&o).Error)
	return o
}

func (f *fixture) count(t *testing.T, m any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(m).Where(where, args...).Count(&n).Error)
	return n
}

func signed(t *testing.T, ev webhook.Event) ([]byte, string) {
	t.Helper()
	payload, err := webhook.Encode(ev)
	require.NoError(t, err)
	return payload, webhook.Sign(testSecret, time.Now(), payload)
}

func (f *fixture) deliver(t *testing.T, ev webhook.Event) Result {
	t.Helper()
	payload, sig := signed(t, ev)
	return f.proc.Handle(context.Background(), SourceHTTP, payload, sig)
}

func settleEvent(id, orderID string, at time.Time) webhook.Event {
	return webhook.Event{
		ID:        id,
		Type:      webhook.TypeCheckoutCompleted,
		CreatedAt: at,
		Reference: orderID,
		SessionID: "cs_" + orderID,
	}
}

func TestReplayedEventAppliesOnce(t *testing.T) {
	for _, strategy := range []idempotency.Strategy{idempotency.StrategyLedger, idempotency.StrategyStatus} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t, strategy)
			rid := f.seedResource(t, 5)
			f.seedOrder(t, "o-1", func(o *model.Order) { o.CapacityResourceID = &rid })

			ev := settleEvent("evt_1", "o-1", time.Now().Add(-time.Minute))
			const replays = 5
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				results []Result
			)
			wg.Add(replays)
			for i := 0; i < replays; i++ {
				go func() {
					defer wg.Done()
					r := f.deliver(t, ev)
					mu.Lock()
					results = append(results, r)
					mu.Unlock()
				}()
			}
			wg.Wait()
			f.proc.Wait()

			processed := 0
			for _, r := range results {
				assert.Equal(t, http.StatusOK, r.Outcome.HTTPStatus())
				if r.Outcome == Processed {
					processed++
				} else {
					assert.Equal(t, AlreadyProcessed, r.Outcome)
				}
			}
			assert.Equal(t, 1, processed)

			assert.Equal(t, model.OrderCompleted, f.order(t, "o-1").Status)
			var res model.CapacityResource
			require.NoError(t, f.db.Where("id = ?", rid).First(&res).Error)
			assert.Equal(t, int64(1), res.ReservedCount)
			assert.Equal(t, int64(1), f.count(t, &model.AccessGrant{}, "order_id = ?", "o-1"))
			assert.Equal(t, int64(2), f.count(t, &model.NotificationAttempt{}, "order_id = ?", "o-1"))
			assert.Equal(t, 1, f.dispatcher.calls())
			assert.Equal(t, []string{rid}, f.cache.invalidated)
		})
	}
}

func TestStaleEventLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	now := time.Now().UTC().Truncate(time.Second)
	f.seedOrder(t, "o-1", func(o *model.Order) {
		o.Status = model.OrderCompleted
		applied := now
		o.FulfillmentAppliedAt = &applied
		o.LastEventAt = &applied
	})

	res := f.deliver(t, webhook.Event{
		ID:        "evt_old",
		Type:      webhook.TypePaymentFailed,
		CreatedAt: now.Add(-time.Hour),
		Reference: "o-1",
	})
	assert.Equal(t, Stale, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Outcome.HTTPStatus())

	o := f.order(t, "o-1")
	assert.Equal(t, model.OrderCompleted, o.Status)
	assert.Empty(t, o.FailureReason)
	require.NotNil(t, o.LastEventAt)
	assert.True(t, o.LastEventAt.Equal(now))
}

func TestInvalidSignatureIsRejected(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	f.seedOrder(t, "o-1", nil)

	payload, _ := signed(t, settleEvent("evt_1", "o-1", time.Now()))
	res := f.proc.Handle(context.Background(), SourceHTTP, payload, webhook.Sign("wrong", time.Now(), payload))

	assert.Equal(t, InvalidEvent, res.Outcome)
	assert.Equal(t, http.StatusBadRequest, res.Outcome.HTTPStatus())
	assert.ErrorIs(t, res.Err, webhook.ErrInvalidEvent)
	assert.Equal(t, model.OrderPending, f.order(t, "o-1").Status)
	assert.Zero(t, f.count(t, &model.ProcessedEventRecord{}, "1 = 1"))
}

func TestKafkaSourceAcceptsSignatureOutsideWindow(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	f.seedOrder(t, "o-1", nil)

	signedAt := time.Now().Add(-time.Hour)
	payload, err := webhook.Encode(settleEvent("evt_1", "o-1", signedAt))
	require.NoError(t, err)
	sig := webhook.Sign(testSecret, signedAt, payload)

	assert.Equal(t, InvalidEvent, f.proc.Handle(context.Background(), SourceHTTP, payload, sig).Outcome)
	assert.Equal(t, Processed, f.proc.Handle(context.Background(), SourceKafka, payload, sig).Outcome)
	f.proc.Wait()
	assert.Equal(t, model.OrderCompleted, f.order(t, "o-1").Status)

	// 篡改的消息即使来自 Kafka 也拒绝
	assert.Equal(t, InvalidEvent, f.proc.Handle(context.Background(), SourceKafka, payload, sig+"00").Outcome)
}

func TestIgnoredEventType(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	res := f.deliver(t, webhook.Event{ID: "evt_1", Type: "customer.created", CreatedAt: time.Now()})
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Outcome.HTTPStatus())
}

func TestConflictKeepsOrderPending(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	rid := f.seedResource(t, 1)
	f.seedOrder(t, "o-1", func(o *model.Order) { o.CapacityResourceID = &rid })
	f.seedOrder(t, "o-2", func(o *model.Order) { o.CapacityResourceID = &rid })

	first := f.deliver(t, settleEvent("evt_1", "o-1", time.Now()))
	second := f.deliver(t, settleEvent("evt_2", "o-2", time.Now()))
	f.proc.Wait()

	assert.Equal(t, Processed, first.Outcome)
	assert.Equal(t, Conflict, second.Outcome)
	assert.Equal(t, http.StatusOK, second.Outcome.HTTPStatus())
	assert.False(t, second.Outcome.Transient())

	assert.Equal(t, model.OrderCompleted, f.order(t, "o-1").Status)
	assert.Equal(t, model.OrderPending, f.order(t, "o-2").Status)
	assert.Equal(t, 1, f.dispatcher.calls())

	// 冲突已处理，重投不会再次尝试预占
	again := f.deliver(t, settleEvent("evt_2", "o-2", time.Now()))
	assert.Equal(t, AlreadyProcessed, again.Outcome)
}

func TestUnknownOrderIsRetriedAfterRollback(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	ev := settleEvent("evt_early", "o-late", time.Now())

	res := f.deliver(t, ev)
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, res.Outcome.Transient())
	assert.Equal(t, http.StatusInternalServerError, res.Outcome.HTTPStatus())
	assert.ErrorIs(t, res.Err, fulfillment.ErrOrderNotFound)
	assert.Zero(t, f.count(t, &model.ProcessedEventRecord{}, "event_id = ?", "evt_early"))

	f.seedOrder(t, "o-late", nil)
	res = f.deliver(t, ev)
	f.proc.Wait()
	assert.Equal(t, Processed, res.Outcome)
	assert.Equal(t, model.OrderCompleted, f.order(t, "o-late").Status)
}

func TestFailAndRefundEvents(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	rid := f.seedResource(t, 1)
	f.seedOrder(t, "o-paid", func(o *model.Order) { o.CapacityResourceID = &rid })
	f.seedOrder(t, "o-declined", nil)

	base := time.Now().Add(-time.Hour)
	require.Equal(t, Processed, f.deliver(t, settleEvent("evt_1", "o-paid", base)).Outcome)
	f.proc.Wait()

	res := f.deliver(t, webhook.Event{
		ID: "evt_2", Type: webhook.TypePaymentFailed, CreatedAt: base, Reference: "o-declined",
	})
	assert.Equal(t, Processed, res.Outcome)
	declined := f.order(t, "o-declined")
	assert.Equal(t, model.OrderFailed, declined.Status)
	assert.Equal(t, webhook.TypePaymentFailed, declined.FailureReason)

	res = f.deliver(t, webhook.Event{
		ID: "evt_3", Type: webhook.TypeChargeRefunded, CreatedAt: base.Add(time.Minute), Reference: "o-paid",
	})
	assert.Equal(t, Processed, res.Outcome)
	assert.Equal(t, model.OrderRefunded, f.order(t, "o-paid").Status)

	var resource model.CapacityResource
	require.NoError(t, f.db.Where("id = ?", rid).First(&resource).Error)
	assert.Equal(t, int64(0), resource.ReservedCount)

	// 未完成订单的退款无需撤销
	res = f.deliver(t, webhook.Event{
		ID: "evt_4", Type: webhook.TypeChargeRefunded, CreatedAt: base.Add(time.Minute), Reference: "o-declined",
	})
	assert.Equal(t, Ignored, res.Outcome)
	assert.Equal(t, model.OrderFailed, f.order(t, "o-declined").Status)
}

func TestEventQuantityOverridesOrderQuantity(t *testing.T) {
	f := newFixture(t, idempotency.StrategyLedger)
	rid := f.seedResource(t, 5)
	f.seedOrder(t, "o-1", func(o *model.Order) { o.CapacityResourceID = &rid })

	ev := settleEvent("evt_1", "o-1", time.Now())
	ev.Quantity = 3
	require.Equal(t, Processed, f.deliver(t, ev).Outcome)
	f.proc.Wait()

	var res model.CapacityResource
	require.NoError(t, f.db.Where("id = ?", rid).First(&res).Error)
	assert.Equal(t, int64(3), res.ReservedCount)

	o := f.order(t, "o-1")
	assert.Equal(t, int64(3), o.ReservedQuantity)

	// 退款归还结算时的实际预占量，而不是订单上的 Quantity
	refund := webhook.Event{
		ID: "evt_2", Type: webhook.TypeChargeRefunded, CreatedAt: ev.CreatedAt.Add(time.Minute), Reference: "o-1",
	}
	require.Equal(t, Processed, f.deliver(t, refund).Outcome)

	require.NoError(t, f.db.Where("id = ?", rid).First(&res).Error)
	assert.Equal(t, int64(0), res.ReservedCount)
	assert.Equal(t, model.OrderRefunded, f.order(t, "o-1").Status)
}

func TestOutcomeMapping(t *testing.T) {
	for _, o := range []Outcome{Processed, AlreadyProcessed, Stale, Ignored, Conflict} {
		assert.Equal(t, http.StatusOK, o.HTTPStatus(), o.String())
		assert.False(t, o.Transient(), o.String())
	}
	assert.Equal(t, http.StatusBadRequest, InvalidEvent.HTTPStatus())
	assert.False(t, InvalidEvent.Transient())
	assert.Equal(t, http.StatusInternalServerError, Failed.HTTPStatus())
}
