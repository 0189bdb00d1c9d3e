package settlement

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"settlement/internal/fulfillment"
	"settlement/internal/idempotency"
	"settlement/internal/metrics"
	"settlement/internal/model"
	"settlement/internal/notify"
	"settlement/internal/webhook"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Outcome 是一次事件处理在边界上的结果。
type Outcome int

const (
	Processed Outcome = iota
	AlreadyProcessed
	Stale
	Ignored
	Conflict
	InvalidEvent
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case AlreadyProcessed:
		return "already_processed"
	case Stale:
		return "stale"
	case Ignored:
		return "ignored"
	case Conflict:
		return "conflict"
	case InvalidEvent:
		return "invalid_event"
	default:
		return "failed"
	}
}

// HTTPStatus 映射到 webhook 响应码：只有 Failed 让支付方重投。
func (o Outcome) HTTPStatus() int {
	switch o {
	case InvalidEvent:
		return http.StatusBadRequest
	case Failed:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// Transient reports whether the sender should redeliver the event.
func (o Outcome) Transient() bool { return o == Failed }

// Source 事件来源，用于指标与日志。
type Source string

const (
	SourceHTTP  Source = "http"
	SourceKafka Source = "kafka"
)

// Result 单个事件的处理结果。
type Result struct {
	Outcome Outcome
	EventID string
	OrderID string
	Err     error
}

// OrderDispatcher 结算提交后投递订单通知。
type OrderDispatcher interface {
	DispatchOrder(ctx context.Context, orderID string) (notify.Report, error)
}

// AvailabilityCache 容量变化后失效查询缓存。
type AvailabilityCache interface {
	Invalidate(ctx context.Context, resourceID string) error
}

// Deps 组装 Processor 所需的组件。Dispatcher 与 Cache 可为空。
type Deps struct {
	DB          *gorm.DB
	Verifier    *webhook.Verifier
	Guard       *idempotency.Guard
	Coordinator *fulfillment.Coordinator
	Dispatcher  OrderDispatcher
	Cache       AvailabilityCache
	// Budget 边界处理时间预算，超时即回滚并返回 Failed。
	Budget time.Duration
	// DispatchTimeout 后台投递的超时时间。
	DispatchTimeout time.Duration
}

// Processor 边界编排：验签 -> 幂等判定 -> 原子结算 -> 提交后异步通知。
type Processor struct {
	deps Deps
	wg   sync.WaitGroup
}

func NewProcessor(deps Deps) *Processor {
	if deps.Budget <= 0 {
		deps.Budget = 3 * time.Second
	}
	if deps.DispatchTimeout <= 0 {
		deps.DispatchTimeout = 30 * time.Second
	}
	return &Processor{deps: deps}
}

// Handle 处理一条带签名的原始事件。
func (p *Processor) Handle(ctx context.Context, src Source, payload []byte, signature string) Result {
	start := time.Now()
	res := p.handle(ctx, src, payload, signature)
	metrics.WebhookProcessingDuration.Observe(time.Since(start).Seconds())
	metrics.WebhookEventsTotal.WithLabelValues(string(src), res.Outcome.String()).Inc()

	entry := logrus.WithFields(logrus.Fields{
		"source":   src,
		"eventID":  res.EventID,
		"orderID":  res.OrderID,
		"outcome":  res.Outcome.String(),
		"duration": time.Since(start).String(),
	})
	switch res.Outcome {
	case Failed:
		entry.WithError(res.Err).Error("EVENT:FAILED")
	case InvalidEvent:
		entry.WithError(res.Err).Warn("EVENT:REJECTED")
	case Conflict:
		entry.Warn("EVENT:CONFLICT")
	default:
		entry.Info("EVENT:HANDLED")
	}
	return res
}

func (p *Processor) handle(ctx context.Context, src Source, payload []byte, signature string) Result {
	ev, err := p.verify(src, payload, signature)
	if err != nil {
		return Result{Outcome: InvalidEvent, Err: err}
	}
	res := Result{EventID: ev.ID, OrderID: ev.Reference}
	if ev.Kind == webhook.KindIgnored {
		res.Outcome = Ignored
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, p.deps.Budget)
	defer cancel()

	var resourceID string
	err = p.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decision, order, err := p.deps.Guard.Check(ctx, tx, ev)
		if err != nil {
			return err
		}
		switch decision {
		case idempotency.AlreadyProcessed:
			res.Outcome = AlreadyProcessed
			return nil
		case idempotency.Stale:
			res.Outcome = Stale
			return nil
		}
		if order != nil && order.CapacityResourceID != nil {
			resourceID = *order.CapacityResourceID
		}

		outcome, err := p.apply(ctx, tx, ev, order)
		res.Outcome = outcome
		return err
	})
	if err != nil {
		res.Outcome = Failed
		res.Err = err
		return res
	}

	p.afterCommit(ctx, ev, res.Outcome, resourceID)
	return res
}

// apply 按事件类型调用协调器。返回 error 会回滚整个事务（包括幂等账本记录）。
func (p *Processor) apply(ctx context.Context, tx *gorm.DB, ev webhook.Event, order *model.Order) (Outcome, error) {
	coord := p.deps.Coordinator
	switch ev.Kind {
	case webhook.KindSettle:
		outcome, err := coord.Settle(ctx, tx, fulfillment.SettleRequest{
			OrderID:  ev.Reference,
			EventAt:  ev.CreatedAt,
			Capacity: capacityOverride(order, ev),
		})
		switch {
		case errors.Is(err, fulfillment.ErrNotPending):
			return AlreadyProcessed, nil
		case err != nil:
			return Failed, err
		case outcome == fulfillment.Conflict:
			return Conflict, nil
		default:
			return Processed, nil
		}
	case webhook.KindFail:
		err := coord.Fail(ctx, tx, ev.Reference, ev.CreatedAt, ev.Type)
		if errors.Is(err, fulfillment.ErrNotPending) {
			return AlreadyProcessed, nil
		}
		if err != nil {
			return Failed, err
		}
		return Processed, nil
	case webhook.KindRefund:
		err := coord.Refund(ctx, tx, ev.Reference, ev.CreatedAt)
		if errors.Is(err, fulfillment.ErrNotCompleted) {
			// 未完成的订单无履约可撤销
			return Ignored, nil
		}
		if err != nil {
			return Failed, err
		}
		return Processed, nil
	default:
		return Ignored, nil
	}
}

// verify HTTP 入口每次投递都由支付方重新签名，需要校验时间窗；
// Kafka 消息是已落盘的原始投递，重试期间签名时间不会更新。
func (p *Processor) verify(src Source, payload []byte, signature string) (webhook.Event, error) {
	if src == SourceKafka {
		return p.deps.Verifier.VerifyRecorded(payload, signature)
	}
	return p.deps.Verifier.Verify(payload, signature)
}

// capacityOverride 事件携带数量时以事件为准，否则由协调器按订单推导。
func capacityOverride(order *model.Order, ev webhook.Event) *fulfillment.CapacityRequest {
	if order == nil || order.CapacityResourceID == nil || ev.Quantity <= 0 {
		return nil
	}
	return &fulfillment.CapacityRequest{
		ResourceID: *order.CapacityResourceID,
		Quantity:   int64(ev.Quantity),
	}
}

func (p *Processor) afterCommit(ctx context.Context, ev webhook.Event, outcome Outcome, resourceID string) {
	if outcome != Processed {
		return
	}
	if resourceID != "" && p.deps.Cache != nil && ev.Kind != webhook.KindFail {
		if err := p.deps.Cache.Invalidate(ctx, resourceID); err != nil {
			logrus.WithError(err).WithField("resourceID", resourceID).Warn("CACHE:INVALIDATE_FAILED")
		}
	}
	if ev.Kind == webhook.KindSettle && p.deps.Dispatcher != nil {
		p.dispatchAsync(context.WithoutCancel(ctx), ev.Reference)
	}
}

// dispatchAsync 通知投递不占用边界处理预算，失败的 best_effort 由调度器重试。
func (p *Processor) dispatchAsync(ctx context.Context, orderID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, p.deps.DispatchTimeout)
		defer cancel()

		report, err := p.deps.Dispatcher.DispatchOrder(ctx, orderID)
		if err != nil {
			logrus.WithError(err).WithField("orderID", orderID).Error("DISPATCH:FAILED")
			return
		}
		logrus.WithFields(logrus.Fields{
			"orderID":   orderID,
			"succeeded": report.Succeeded(),
			"failed":    report.Failed(),
		}).Info("DISPATCH:DONE")
	}()
}

// Wait blocks until every background dispatch started by Handle has returned.
func (p *Processor) Wait() {
	p.wg.Wait()
}
