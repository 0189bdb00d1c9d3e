package webhook

import (
	"encoding/json"
	"time"
)

// Kind 是事件对履约的含义，由支付方事件类型映射而来。
type Kind string

const (
	KindSettle  Kind = "settle"
	KindFail    Kind = "fail"
	KindRefund  Kind = "refund"
	KindIgnored Kind = "ignored"
)

// 支付方事件类型。
const (
	TypeCheckoutCompleted = "checkout.session.completed"
	TypeCheckoutExpired   = "checkout.session.expired"
	TypePaymentFailed     = "payment_intent.payment_failed"
	TypeChargeRefunded    = "charge.refunded"
)

// KindOf maps a provider event type onto its fulfillment meaning.
func KindOf(eventType string) Kind {
	switch eventType {
	case TypeCheckoutCompleted:
		return KindSettle
	case TypeCheckoutExpired, TypePaymentFailed:
		return KindFail
	case TypeChargeRefunded:
		return KindRefund
	default:
		return KindIgnored
	}
}

// Event 验签通过后的类型化事件。
type Event struct {
	ID        string
	Type      string
	Kind      Kind
	CreatedAt time.Time
	// Reference 是下单时写入 checkout session 的订单 ID。
	Reference string
	SessionID string
	Quantity  int
}

// envelope 是支付方推送的原始 JSON 结构。
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID                string            `json:"id"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
			Quantity          int               `json:"quantity"`
		} `json:"object"`
	} `json:"data"`
}

func (e envelope) reference() string {
	if ref := e.Data.Object.ClientReferenceID; ref != "" {
		return ref
	}
	return e.Data.Object.Metadata["order_id"]
}

// Encode 把事件编码为支付方推送格式，供压测工具与单测构造请求体。
func Encode(ev Event) ([]byte, error) {
	var env envelope
	env.ID = ev.ID
	env.Type = ev.Type
	env.Created = ev.CreatedAt.Unix()
	env.Data.Object.ID = ev.SessionID
	env.Data.Object.ClientReferenceID = ev.Reference
	env.Data.Object.Quantity = ev.Quantity
	return json.Marshal(env)
}
