package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement/internal/metrics"
	"settlement/internal/model"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ErrUnknownChannel 路由引用了未注册的通道。
var ErrUnknownChannel = errors.New("unknown notification channel")

// DeadLetterSink 接收重试耗尽的 attempt；实现方不得向调用方抛错。
type DeadLetterSink interface {
	Record(ctx context.Context, attempt model.NotificationAttempt)
}

// Outcome 单个收件人的投递结果。
type Outcome struct {
	AttemptID  string                   `json:"attempt_id"`
	Channel    string                   `json:"channel"`
	Recipient  string                   `json:"recipient"`
	Tier       model.NotificationTier   `json:"tier"`
	Status     model.NotificationStatus `json:"status"`
	MessageRef MessageRef               `json:"message_ref,omitempty"`
	Err        string                   `json:"error,omitempty"`
}

// Report 是逐收件人的结果列表，部分成功是合法结果，不折叠成单个布尔值。
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (r Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == model.NotificationSent {
			n++
		}
	}
	return n
}

func (r Report) Failed() int { return len(r.Outcomes) - r.Succeeded() }

// Options 调度参数。
type Options struct {
	Retry        RetryPolicy
	Lease        time.Duration
	PollInterval time.Duration
	SendTimeout  time.Duration
	// FanOut 限制 optional 通知的并行度。
	FanOut    int
	BatchSize int
}

func (o Options) normalized() Options {
	if o.Retry.Base <= 0 {
		o.Retry = DefaultRetryPolicy
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.FanOut <= 0 {
		o.FanOut = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	return o
}

// Dispatcher 只负责分级与重试策略，与具体通道无关。
// 每次投递前用租约认领 attempt，等待重试期间不持有任何数据库锁。
type Dispatcher struct {
	db       *gorm.DB
	channels map[string]Channel
	sink     DeadLetterSink
	opts     Options
	now      func() time.Time
}

func NewDispatcher(db *gorm.DB, channels map[string]Channel, sink DeadLetterSink, opts Options) *Dispatcher {
	return &Dispatcher{
		db:       db,
		channels: channels,
		sink:     sink,
		opts:     opts.normalized(),
		now:      time.Now,
	}
}

// DispatchOrder 投递订单下所有到期的 attempt：optional 并行扇出、只试一次；
// best_effort 内联首发，失败交给调度器按退避重试。
func (d *Dispatcher) DispatchOrder(ctx context.Context, orderID string) (Report, error) {
	var attempts []model.NotificationAttempt
	err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Where("status = ?", model.NotificationPending).
		Order("created_at, id").
		Find(&attempts).Error
	if err != nil {
		return Report{}, fmt.Errorf("load attempts for order %s: %w", orderID, err)
	}
	return d.deliverAll(ctx, attempts), nil
}

// ProcessDue 处理一批到期的 attempt，返回实际投递条数。
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	now := d.now().UTC()
	var due []model.NotificationAttempt
	err := d.db.WithContext(ctx).
		Where("next_retry_at <= ?", now).
		Where("status = ? OR (status = ? AND tier = ?)",
			model.NotificationPending, model.NotificationFailed, model.TierBestEffort).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Order("next_retry_at, id").
		Limit(d.opts.BatchSize).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("load due attempts: %w", err)
	}
	report := d.deliverAll(ctx, due)
	return len(report.Outcomes), nil
}

// Run 轮询到期 attempt，直到 ctx 取消。
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := d.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("DISPATCH:POLL_FAILED")
		}
	}
}

// CancelOrder 把订单未完成的通知标记为作废（例如订单已退款）。
func (d *Dispatcher) CancelOrder(ctx context.Context, orderID string) (int64, error) {
	return CancelPending(ctx, d.db, orderID)
}

// CancelPending marks the order's undelivered attempts as cancelled using the
// given handle, so it can join the refund transaction.
func CancelPending(ctx context.Context, tx *gorm.DB, orderID string) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&model.NotificationAttempt{}).
		Where("order_id = ? AND status IN ?", orderID,
			[]model.NotificationStatus{model.NotificationPending, model.NotificationFailed}).
		Updates(map[string]any{
			"status":        model.NotificationCancelled,
			"claimed_until": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel attempts for order %s: %w", orderID, res.Error)
	}
	return res.RowsAffected, nil
}

// SendCritical 关键通知必须成功，失败直接返回给调用方。
func (d *Dispatcher) SendCritical(ctx context.Context, channel, recipient string, p Payload) (MessageRef, error) {
	ch, ok := d.channels[channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	ref, err := ch.Send(sendCtx, recipient, p)
	status := model.NotificationSent
	if err != nil {
		status = model.NotificationFailed
	}
	metrics.NotificationSendsTotal.WithLabelValues(channel, string(model.TierCritical), string(status)).Inc()
	if err != nil {
		return "", fmt.Errorf("critical send via %s: %w", channel, err)
	}
	return ref, nil
}

func (d *Dispatcher) deliverAll(ctx context.Context, attempts []model.NotificationAttempt) Report {
	var optional, sequential []model.NotificationAttempt
	for _, a := range attempts {
		if a.Tier == model.TierOptional {
			optional = append(optional, a)
		} else {
			sequential = append(sequential, a)
		}
	}

	outcomes := make([]Outcome, len(optional), len(attempts))
	var g errgroup.Group
	g.SetLimit(d.opts.FanOut)
	for i, a := range optional {
		i, a := i, a
		g.Go(func() error {
			outcomes[i] = d.deliver(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	for _, a := range sequential {
		outcomes = append(outcomes, d.deliver(ctx, a))
	}

	// 被其他 worker 认领走的 attempt 不计入本次报告。
	out := outcomes[:0]
	for _, o := range outcomes {
		if o.AttemptID != "" {
			out = append(out, o)
		}
	}
	return Report{Outcomes: out}
}

// deliver 认领、发送并记录一次投递。
func (d *Dispatcher) deliver(ctx context.Context, a model.NotificationAttempt) Outcome {
	claimed, err := d.claim(ctx, a.ID)
	if err != nil {
		logrus.WithError(err).WithField("attemptID", a.ID).Warn("DISPATCH:CLAIM_FAILED")
		return Outcome{}
	}
	if !claimed {
		return Outcome{}
	}

	var order model.Order
	if err := d.db.WithContext(ctx).Where("id = ?", a.OrderID).First(&order).Error; err != nil {
		return d.record(ctx, a, "", fmt.Errorf("load order %s: %w", a.OrderID, err))
	}

	ch, ok := d.channels[a.Channel]
	if !ok {
		return d.record(ctx, a, "", fmt.Errorf("%w: %s", ErrUnknownChannel, a.Channel))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	ref, sendErr := ch.Send(sendCtx, a.Recipient, PayloadFor(a.Template, &order))
	cancel()
	return d.record(ctx, a, ref, sendErr)
}

// claim 条件更新抢占租约，RowsAffected == 1 才算认领成功。
func (d *Dispatcher) claim(ctx context.Context, id string) (bool, error) {
	now := d.now().UTC()
	until := now.Add(d.opts.Lease)
	res := d.db.WithContext(ctx).
		Model(&model.NotificationAttempt{}).
		Where("id = ?", id).
		Where("next_retry_at <= ?", now).
		Where("status = ? OR (status = ? AND tier = ?)",
			model.NotificationPending, model.NotificationFailed, model.TierBestEffort).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Update("claimed_until", until)
	if res.Error != nil {
		return false, fmt.Errorf("claim attempt %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// record 推进 attempt 状态机：成功 -> sent；optional 失败 -> failed（终态）；
// best_effort 失败按退避重排，重试耗尽 -> exhausted 并写死信。
func (d *Dispatcher) record(ctx context.Context, a model.NotificationAttempt, ref MessageRef, sendErr error) Outcome {
	now := d.now().UTC()
	a.AttemptCount++
	a.ClaimedUntil = nil

	switch {
	case sendErr == nil:
		a.Status = model.NotificationSent
		a.MessageRef = string(ref)
		a.LastError = ""
	case a.Tier == model.TierBestEffort:
		a.LastError = truncate(sendErr.Error(), 512)
		if delay, ok := d.opts.Retry.Next(a.AttemptCount); ok {
			a.Status = model.NotificationFailed
			a.NextRetryAt = now.Add(delay)
		} else {
			a.Status = model.NotificationExhausted
		}
	default:
		a.Status = model.NotificationFailed
		a.LastError = truncate(sendErr.Error(), 512)
	}

	fields := logrus.Fields{
		"attemptID": a.ID,
		"orderID":   a.OrderID,
		"channel":   a.Channel,
		"recipient": a.Recipient,
		"tier":      a.Tier,
		"attempt":   a.AttemptCount,
		"status":    a.Status,
	}

	// 只在未被取消时落状态，避免退款后把 cancelled 覆盖回 sent。
	res := d.db.WithContext(ctx).
		Model(&model.NotificationAttempt{}).
		Where("id = ? AND status IN ?", a.ID,
			[]model.NotificationStatus{model.NotificationPending, model.NotificationFailed}).
		Updates(map[string]any{
			"status":        a.Status,
			"attempt_count": a.AttemptCount,
			"next_retry_at": a.NextRetryAt,
			"last_error":    a.LastError,
			"message_ref":   a.MessageRef,
			"claimed_until": nil,
		})
	if res.Error != nil {
		logrus.WithFields(fields).WithError(res.Error).Error("DISPATCH:RECORD_FAILED")
	}

	metrics.NotificationSendsTotal.WithLabelValues(a.Channel, string(a.Tier), string(a.Status)).Inc()
	switch a.Status {
	case model.NotificationSent:
		logrus.WithFields(fields).Info("DISPATCH:SENT")
	case model.NotificationExhausted:
		logrus.WithFields(fields).WithError(sendErr).Warn("DISPATCH:EXHAUSTED")
		if d.sink != nil && res.Error == nil && res.RowsAffected == 1 {
			d.sink.Record(ctx, a)
		}
	default:
		fields["nextRetryAt"] = a.NextRetryAt
		logrus.WithFields(fields).WithError(sendErr).Warn("DISPATCH:FAILED")
	}

	out := Outcome{
		AttemptID:  a.ID,
		Channel:    a.Channel,
		Recipient:  a.Recipient,
		Tier:       a.Tier,
		Status:     a.Status,
		MessageRef: MessageRef(a.MessageRef),
	}
	if sendErr != nil {
		out.Err = sendErr.Error()
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
