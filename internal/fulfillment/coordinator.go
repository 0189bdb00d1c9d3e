package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement/internal/capacity"
	"settlement/internal/metrics"
	"settlement/internal/model"
	"settlement/internal/notify"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome 结算结果。
type Outcome int

const (
	Settled Outcome = iota
	Conflict
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Settled:
		return "settled"
	case Conflict:
		return "conflict"
	default:
		return "failed"
	}
}

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrNotPending    = errors.New("order is not pending")
	ErrNotCompleted  = errors.New("order is not completed")

	// errCapacityExhausted 只用于回滚 savepoint，对外映射为 Conflict。
	errCapacityExhausted = errors.New("capacity exhausted")
)

// CapacityRequest 需要预占的容量。
type CapacityRequest struct {
	ResourceID string
	Quantity   int64
}

// SettleRequest 一次结算请求。Capacity 为空时按订单上挂的资源推导。
type SettleRequest struct {
	OrderID  string
	EventAt  time.Time
	Capacity *CapacityRequest
}

// Effect 是与状态迁移同事务落地的关键履约副作用（授予访问、清空购物车等）。
// 任一 Effect 失败都会回滚整个结算单元，包括容量预占。
type Effect interface {
	Apply(ctx context.Context, tx *gorm.DB, order *model.Order, now time.Time) error
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(ctx context.Context, tx *gorm.DB, order *model.Order, now time.Time) error

func (f EffectFunc) Apply(ctx context.Context, tx *gorm.DB, order *model.Order, now time.Time) error {
	return f(ctx, tx, order, now)
}

// Coordinator 把一次结算的全部副作用作为一个原子单元提交。
// 调用方显式传入事务句柄，协调器在其上开 savepoint，冲突或失败时只回滚本单元。
type Coordinator struct {
	ledger  *capacity.Ledger
	plan    *notify.Plan
	effects []Effect
	now     func() time.Time
}

func NewCoordinator(ledger *capacity.Ledger, plan *notify.Plan, effects ...Effect) *Coordinator {
	if len(effects) == 0 {
		effects = []Effect{GrantAccess{}}
	}
	return &Coordinator{
		ledger:  ledger,
		plan:    plan,
		effects: effects,
		now:     time.Now,
	}
}

// Settle 结算步骤：
// 1. 行锁下重新确认订单仍为 pending（权威校验，幂等守卫只是建议）
// 2. 挂了容量资源则预占，耗尽即整体回滚并返回 Conflict，订单保持 pending
// 3. 状态迁移 + 履约副作用同事务落地
// 4. 按通知计划写入 NotificationAttempt（事务内 outbox）
func (c *Coordinator) Settle(ctx context.Context, tx *gorm.DB, req SettleRequest) (Outcome, error) {
	now := c.now().UTC()
	var reserved *CapacityRequest

	err := tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderPending || order.FulfillmentAppliedAt != nil {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, order.ID, order.Status)
		}

		if capReq := capacityFor(order, req.Capacity); capReq != nil {
			result, err := c.ledger.Reserve(ctx, tx, capReq.ResourceID, capReq.Quantity)
			if err != nil {
				return err
			}
			if result == capacity.Exhausted {
				return errCapacityExhausted
			}
			rid := capReq.ResourceID
			order.ReservedResourceID = &rid
			order.ReservedQuantity = capReq.Quantity
			reserved = capReq
		}

		if err := order.Transition(model.OrderCompleted); err != nil {
			return err
		}
		order.FulfillmentAppliedAt = &now
		order.LastEventAt = eventTime(req.EventAt, now)
		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", order.ID, model.OrderPending).
			Updates(map[string]any{
				"status":                 order.Status,
				"fulfillment_applied_at": order.FulfillmentAppliedAt,
				"last_event_at":          order.LastEventAt,
				"reserved_resource_id":   order.ReservedResourceID,
				"reserved_quantity":      order.ReservedQuantity,
			})
		if res.Error != nil {
			return fmt.Errorf("complete order %s: %w", order.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: %s changed concurrently", ErrNotPending, order.ID)
		}

		for _, effect := range c.effects {
			if err := effect.Apply(ctx, tx, order, now); err != nil {
				return fmt.Errorf("apply fulfillment effect: %w", err)
			}
		}

		if c.plan != nil {
			if err := insertAttempts(tx, c.plan.Attempts(order, now)); err != nil {
				return err
			}
		}
		return nil
	})

	fields := logrus.Fields{"orderID": req.OrderID}
	switch {
	case err == nil:
		if reserved != nil {
			metrics.CapacityReservationsTotal.WithLabelValues(capacity.Reserved.String()).Inc()
		}
		logrus.WithFields(fields).Info("SETTLE:SUCCESS")
		return Settled, nil
	case errors.Is(err, errCapacityExhausted):
		metrics.CapacityReservationsTotal.WithLabelValues(capacity.Exhausted.String()).Inc()
		logrus.WithFields(fields).Warn("SETTLE:CONFLICT")
		c.alertConflict(ctx, tx, req.OrderID, now)
		return Conflict, nil
	default:
		logrus.WithFields(fields).WithError(err).Error("SETTLE:FAILED")
		return Failed, err
	}
}

// Fail 支付失败/会话过期：pending -> failed。
func (c *Coordinator) Fail(ctx context.Context, tx *gorm.DB, orderID string, eventAt time.Time, reason string) error {
	now := c.now().UTC()
	return tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := order.Transition(model.OrderFailed); err != nil {
			return fmt.Errorf("%w: %v", ErrNotPending, err)
		}
		return tx.Model(&model.Order{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{
				"status":         order.Status,
				"failure_reason": reason,
				"last_event_at":  eventTime(eventAt, now),
			}).Error
	})
}

// Refund 退款：completed -> refunded，同一单元内归还容量、撤销授权、作废未发送通知。
func (c *Coordinator) Refund(ctx context.Context, tx *gorm.DB, orderID string, eventAt time.Time) error {
	now := c.now().UTC()
	return tx.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := order.Transition(model.OrderRefunded); err != nil {
			return fmt.Errorf("%w: %v", ErrNotCompleted, err)
		}
		err = tx.Model(&model.Order{}).
			Where("id = ?", order.ID).
			Updates(map[string]any{
				"status":            order.Status,
				"refunded_at":       now,
				"last_event_at":     eventTime(eventAt, now),
				"reserved_quantity": 0,
			}).Error
		if err != nil {
			return fmt.Errorf("refund order %s: %w", order.ID, err)
		}

		// 只归还结算时真正预占的数量
		if order.ReservedResourceID != nil && order.ReservedQuantity > 0 {
			if err := c.ledger.Release(ctx, tx, *order.ReservedResourceID, order.ReservedQuantity); err != nil {
				return err
			}
		}
		err = tx.Model(&model.AccessGrant{}).
			Where("order_id = ? AND revoked_at IS NULL", order.ID).
			Update("revoked_at", now).Error
		if err != nil {
			return fmt.Errorf("revoke access for order %s: %w", order.ID, err)
		}
		cancelled, err := notify.CancelPending(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"orderID":   order.ID,
			"cancelled": cancelled,
		}).Info("REFUND:SUCCESS")
		return nil
	})
}

// alertConflict 容量冲突时给管理员排队 optional 告警；写入失败只记日志。
func (c *Coordinator) alertConflict(ctx context.Context, tx *gorm.DB, orderID string, now time.Time) {
	if c.plan == nil {
		return
	}
	var order model.Order
	if err := tx.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		logrus.WithError(err).WithField("orderID", orderID).Warn("SETTLE:CONFLICT_ALERT_FAILED")
		return
	}
	if err := insertAttempts(tx.WithContext(ctx), c.plan.ConflictAlerts(&order, now)); err != nil {
		logrus.WithError(err).WithField("orderID", orderID).Warn("SETTLE:CONFLICT_ALERT_FAILED")
	}
}

func lockOrder(ctx context.Context, tx *gorm.DB, id string) (*model.Order, error) {
	var order model.Order
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return &order, nil
}

func capacityFor(order *model.Order, req *CapacityRequest) *CapacityRequest {
	if req != nil {
		return req
	}
	if order.CapacityResourceID == nil || *order.CapacityResourceID == "" {
		return nil
	}
	return &CapacityRequest{ResourceID: *order.CapacityResourceID, Quantity: int64(order.Quantity)}
}

// insertAttempts 依赖 (order, channel, recipient, template) 唯一索引，重复写入被忽略。
func insertAttempts(tx *gorm.DB, attempts []model.NotificationAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&attempts).Error; err != nil {
		return fmt.Errorf("enqueue notifications: %w", err)
	}
	return nil
}

func eventTime(eventAt, now time.Time) *time.Time {
	if eventAt.IsZero() {
		return &now
	}
	t := eventAt.UTC()
	return &t
}
