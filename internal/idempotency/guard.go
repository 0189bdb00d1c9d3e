package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement/internal/model"
	"settlement/internal/webhook"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Decision 是幂等判定结果，预期内的分支都用标签值表达而不是 error。
type Decision int

const (
	Proceed Decision = iota
	AlreadyProcessed
	Stale
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyProcessed:
		return "already_processed"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Strategy 选择幂等判定方式。
type Strategy string

const (
	// StrategyLedger 以事件 ID 唯一约束去重，适用于事件可能先于订单到达、
	// 或事件与订单不是一一对应的场景（退款、支付失败）。
	StrategyLedger Strategy = "ledger"
	// StrategyStatus 只依赖订单状态，成本更低，要求事件与订单一一对应。
	StrategyStatus Strategy = "status"
)

// ParseStrategy maps a config value onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLedger, StrategyStatus:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown idempotency strategy %q", s)
	}
}

// Guard 判断事件的履约副作用是否已经落地。
// 结果只是建议：FulfillmentCoordinator 在锁内重新校验才是权威判断。
type Guard struct {
	strategy Strategy
	now      func() time.Time
}

func NewGuard(strategy Strategy) *Guard {
	if strategy == "" {
		strategy = StrategyLedger
	}
	return &Guard{strategy: strategy, now: time.Now}
}

func (g *Guard) Strategy() Strategy { return g.strategy }

// Check 必须在结算事务内调用：账本记录与履约一起提交或一起回滚，
// 这样失败的履约不会把事件错误地标记为已处理。
// 订单不存在时返回 Proceed 与 nil 订单，由协调器报告可重试错误。
func (g *Guard) Check(ctx context.Context, tx *gorm.DB, ev webhook.Event) (Decision, *model.Order, error) {
	if g.strategy == StrategyLedger {
		fresh, err := g.record(ctx, tx, ev)
		if err != nil {
			return Proceed, nil, err
		}
		if !fresh {
			return AlreadyProcessed, nil, nil
		}
	}

	var order model.Order
	err := tx.WithContext(ctx).Where("id = ?", ev.Reference).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Proceed, nil, nil
		}
		return Proceed, nil, fmt.Errorf("load order %s: %w", ev.Reference, err)
	}

	if order.IsStale(ev.CreatedAt) {
		return Stale, &order, nil
	}
	if alreadyApplied(&order, ev.Kind) {
		return AlreadyProcessed, &order, nil
	}
	return Proceed, &order, nil
}

func alreadyApplied(o *model.Order, kind webhook.Kind) bool {
	switch kind {
	case webhook.KindSettle:
		return o.Status != model.OrderPending || o.FulfillmentAppliedAt != nil
	case webhook.KindFail:
		return o.Status != model.OrderPending
	case webhook.KindRefund:
		return o.Status == model.OrderRefunded
	default:
		return false
	}
}

// record 在唯一约束下插入事件 ID；返回 false 表示该事件此前已处理。
func (g *Guard) record(ctx context.Context, tx *gorm.DB, ev webhook.Event) (bool, error) {
	rec := model.ProcessedEventRecord{
		EventID:     ev.ID,
		EventType:   ev.Type,
		ProcessedAt: g.now().UTC(),
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("record processed event %s: %w", ev.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Prune 清理超过保留期的账本记录；支付方不会无限期重投。
func (g *Guard) Prune(ctx context.Context, db *gorm.DB, retention time.Duration) (int64, error) {
	cutoff := g.now().Add(-retention).UTC()
	res := db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&model.ProcessedEventRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune processed events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
