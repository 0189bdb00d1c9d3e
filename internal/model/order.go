package model

import (
	"fmt"
	"time"
)

// OrderStatus 订单状态机：pending -> completed -> refunded，或 pending -> failed。
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderRefunded  OrderStatus = "refunded"
)

// orderTransitions 只列出合法迁移，其余一律拒绝。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderCompleted, OrderFailed},
	OrderCompleted: {OrderRefunded},
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order 结算订单（booking / purchase）。
// 审计要求：订单不做物理删除，因此没有 DeletedAt。
type Order struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExternalReference 关联支付方 checkout session。
	ExternalReference string      `gorm:"size:128;uniqueIndex;not null" json:"external_reference"`
	Kind              string      `gorm:"size:64;not null;default:'default'" json:"kind"`
	CustomerRef       string      `gorm:"size:255;not null" json:"customer_ref"`
	Amount            int64       `gorm:"not null;default:0" json:"amount"` // 单位：分
	Status            OrderStatus `gorm:"size:16;not null;default:'pending';index" json:"status"`

	CapacityResourceID *string `gorm:"size:36;index" json:"capacity_resource_id,omitempty"`
	Quantity           int     `gorm:"not null;default:1" json:"quantity"`

	// ReservedResourceID / ReservedQuantity 记录结算时实际预占的容量，退款按此归还。
	ReservedResourceID *string `gorm:"size:36" json:"reserved_resource_id,omitempty"`
	ReservedQuantity   int64   `gorm:"not null;default:0" json:"reserved_quantity"`

	// FulfillmentAppliedAt 非空即代表履约副作用已落地（幂等信号）。
	FulfillmentAppliedAt *time.Time `json:"fulfillment_applied_at,omitempty"`
	// LastEventAt 记录最近一次生效事件的支付方时间戳，用于拒绝乱序旧事件。
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	FailureReason string     `gorm:"size:255" json:"failure_reason,omitempty"`
}

func (Order) TableName() string { return "orders" }

// Transition moves the order to next, refusing illegal transitions.
func (o *Order) Transition(next OrderStatus) error {
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("illegal order transition %s -> %s", o.Status, next)
	}
	o.Status = next
	return nil
}

// IsStale reports whether a provider event created at eventAt predates the
// last event already applied to this order.
func (o *Order) IsStale(eventAt time.Time) bool {
	return o.LastEventAt != nil && eventAt.Before(*o.LastEventAt)
}
