package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"settlement/internal/capacity"
	"settlement/internal/fulfillment"
	"settlement/internal/idempotency"
	"settlement/internal/model"
	"settlement/internal/settlement"
	"settlement/internal/store"
	"settlement/internal/webhook"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type scriptedHandler struct {
	mu       sync.Mutex
	outcomes []settlement.Outcome
	sigs     []string
}

func (h *scriptedHandler) Handle(_ context.Context, src settlement.Source, _ []byte, sig string) settlement.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigs = append(h.sigs, sig)
	out := settlement.Processed
	if len(h.outcomes) > 0 {
		out = h.outcomes[0]
		h.outcomes = h.outcomes[1:]
	}
	res := settlement.Result{Outcome: out}
	if out == settlement.Failed {
		res.Err = errors.New("database is locked")
	}
	return res
}

func (h *scriptedHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sigs)
}

func message(offset int64, sig string) kafka.Message {
	return kafka.Message{
		Offset: offset,
		Value:  []byte(`{}`),
		Headers: []kafka.Header{
			{Key: webhook.SignatureHeader, Value: []byte(sig)},
			{Key: EventIDHeader, Value: []byte("evt_1")},
		},
	}
}

func TestConsumerCommitsAfterNonTransientOutcome(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{message(1, "t=1,v1=aa"), message(2, "t=2,v1=bb")}}
	handler := &scriptedHandler{outcomes: []settlement.Outcome{settlement.Processed, settlement.InvalidEvent}}
	c := NewConsumerWithReader(reader, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{1, 2}, reader.commits())
	assert.Equal(t, []string{"t=1,v1=aa", "t=2,v1=bb"}, handler.sigs)
}

func TestConsumerRetriesTransientFailureBeforeCommit(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{message(7, "sig")}}
	handler := &scriptedHandler{outcomes: []settlement.Outcome{
		settlement.Failed, settlement.Failed, settlement.AlreadyProcessed,
	}}
	c := NewConsumerWithReader(reader, handler)
	c.backoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 3, handler.calls())
	assert.Equal(t, []int64{7}, reader.commits())
}

func TestConsumerDoesNotCommitWhenStoppedMidRetry(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{message(3, "sig")}}
	handler := &scriptedHandler{outcomes: []settlement.Outcome{settlement.Failed}}
	c := NewConsumerWithReader(reader, handler)
	c.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return handler.calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Empty(t, reader.commits())
}

// seedAfterFailure 第一次得到 Failed 后补建订单，模拟事件先于订单到达。
type seedAfterFailure struct {
	proc *settlement.Processor
	seed func()
	once sync.Once
}

func (h *seedAfterFailure) Handle(ctx context.Context, src settlement.Source, payload []byte, sig string) settlement.Result {
	res := h.proc.Handle(ctx, src, payload, sig)
	if res.Outcome == settlement.Failed {
		h.once.Do(h.seed)
	}
	return res
}

func TestConsumerRetrySettlesEventSignedOutsideWindow(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })

	const secret = "whsec_test"
	proc := settlement.NewProcessor(settlement.Deps{
		DB:          db,
		Verifier:    webhook.NewVerifier(secret, 5*time.Minute),
		Guard:       idempotency.NewGuard(idempotency.StrategyLedger),
		Coordinator: fulfillment.NewCoordinator(capacity.NewLedger(), nil),
	})

	// 签名时间早已超出 5 分钟窗口：消息在 topic 上积压或被反复重试
	signedAt := time.Now().Add(-time.Hour)
	payload, err := webhook.Encode(webhook.Event{
		ID:        "evt_lagged",
		Type:      webhook.TypeCheckoutCompleted,
		CreatedAt: signedAt,
		Reference: "o-1",
		SessionID: "cs_o-1",
	})
	require.NoError(t, err)
	m := kafka.Message{
		Offset:  11,
		Value:   payload,
		Headers: []kafka.Header{{Key: webhook.SignatureHeader, Value: []byte(webhook.Sign(secret, signedAt, payload))}},
	}

	handler := &seedAfterFailure{proc: proc, seed: func() {
		assert.NoError(t, db.Create(&model.Order{
			ID:                "o-1",
			ExternalReference: "cs_o-1",
			CustomerRef:       "alice@example.com",
			Status:            model.OrderPending,
			Quantity:          1,
		}).Error)
	}}
	reader := &fakeReader{msgs: []kafka.Message{m}}
	c := NewConsumerWithReader(reader, handler)
	c.backoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	proc.Wait()

	var o model.Order
	require.NoError(t, db.Where("id = ?", "o-1").First(&o).Error)
	assert.Equal(t, model.OrderCompleted, o.Status)

	// 同一签名走 HTTP 入口仍受时间窗约束
	res := proc.Handle(context.Background(), settlement.SourceHTTP, payload, webhook.Sign(secret, signedAt, payload))
	assert.Equal(t, settlement.InvalidEvent, res.Outcome)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestProducerPublishUsesAlertIDAsKey(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w)

	msg := AlertMessage{AlertID: "o-1:new_sale:ops", OrderID: "o-1", Recipient: "ops", Template: "new_sale"}
	require.NoError(t, p.Publish(context.Background(), msg))

	got := w.written()
	require.Len(t, got, 1)
	assert.Equal(t, "o-1:new_sale:ops", string(got[0].Key))
	var decoded AlertMessage
	require.NoError(t, json.Unmarshal(got[0].Value, &decoded))
	assert.Equal(t, msg.OrderID, decoded.OrderID)
}

func newRelay(t *testing.T, w *fakeWriter) (*Relay, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := NewRelay(rdb, NewProducerWithWriter(w), "ops", "relay", "relay-1")
	r.block = 10 * time.Millisecond
	require.NoError(t, r.ensureGroup(context.Background()))
	return r, rdb
}

func addAlert(t *testing.T, rdb *rd.Client, values map[string]any) {
	t.Helper()
	require.NoError(t, rdb.XAdd(context.Background(), &rd.XAddArgs{Stream: "ops", Values: values}).Err())
}

func TestRelayForwardsAndAcks(t *testing.T) {
	w := &fakeWriter{}
	r, rdb := newRelay(t, w)
	ctx := context.Background()

	addAlert(t, rdb, map[string]any{
		"alert_id":   "o-1:new_sale:ops",
		"order_id":   "o-1",
		"recipient":  "ops",
		"template":   "new_sale",
		"data":       `{"amount":"1200"}`,
		"created_at": "2026-03-01T12:00:00Z",
	})

	n, err := r.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := w.written()
	require.Len(t, got, 1)
	var msg AlertMessage
	require.NoError(t, json.Unmarshal(got[0].Value, &msg))
	assert.Equal(t, "1200", msg.Data["amount"])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), msg.CreatedAt.UTC())

	length, err := rdb.XLen(ctx, "ops").Result()
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestRelayKeepsMessageWhenPublishFails(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	r, rdb := newRelay(t, w)
	ctx := context.Background()

	addAlert(t, rdb, map[string]any{
		"alert_id": "a-1", "order_id": "o-1", "recipient": "ops", "template": "new_sale",
	})

	n, err := r.poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	length, err := rdb.XLen(ctx, "ops").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	// 恢复后从 pending 列表重新转发
	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()
	n, err = r.poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, w.written(), 1)
}

func TestRelayDropsMalformedMessage(t *testing.T) {
	w := &fakeWriter{}
	r, rdb := newRelay(t, w)
	ctx := context.Background()

	addAlert(t, rdb, map[string]any{"order_id": "o-1"})

	_, err := r.poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, w.written())

	length, err := rdb.XLen(ctx, "ops").Result()
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestParseAlertValidation(t *testing.T) {
	_, err := parseAlert(map[string]interface{}{
		"alert_id": "a", "order_id": "o", "recipient": "r", "template": "",
	})
	assert.Error(t, err)

	_, err = parseAlert(map[string]interface{}{
		"alert_id": "a", "order_id": "o", "recipient": "r", "template": "t", "created_at": "yesterday",
	})
	assert.Error(t, err)
}
