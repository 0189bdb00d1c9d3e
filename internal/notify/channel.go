package notify

import (
	"context"
	"strconv"

	"settlement/internal/model"
)

// MessageRef 通道返回的投递回执。
type MessageRef string

// Payload 通道无关的通知内容，模板渲染由下游通道负责。
type Payload struct {
	Template string            `json:"template"`
	OrderID  string            `json:"order_id"`
	Data     map[string]string `json:"data"`
}

// Channel 是所有通知通道的统一能力：同一 payload 可能被重复发送，
// 去重由调度器的 attempt 记录负责，不依赖通道。
type Channel interface {
	Send(ctx context.Context, recipient string, p Payload) (MessageRef, error)
}

// ChannelFunc adapts a plain function to Channel.
type ChannelFunc func(ctx context.Context, recipient string, p Payload) (MessageRef, error)

func (f ChannelFunc) Send(ctx context.Context, recipient string, p Payload) (MessageRef, error) {
	return f(ctx, recipient, p)
}

// PayloadFor 根据订单构建通知内容。
func PayloadFor(template string, o *model.Order) Payload {
	return Payload{
		Template: template,
		OrderID:  o.ID,
		Data: map[string]string{
			"order_id":           o.ID,
			"external_reference": o.ExternalReference,
			"kind":               o.Kind,
			"status":             string(o.Status),
			"customer_ref":       o.CustomerRef,
			"amount":             strconv.FormatInt(o.Amount, 10),
			"quantity":           strconv.Itoa(o.Quantity),
		},
	}
}
