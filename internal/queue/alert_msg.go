package queue

import (
	"fmt"
	"time"
)

// AlertMessage 是转发到 Kafka 告警 topic 的运维通知。
type AlertMessage struct {
	AlertID   string            `json:"alert_id"`
	OrderID   string            `json:"order_id"`
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Validate 做最小字段校验，防止转发脏消息。
func (m AlertMessage) Validate() error {
	if m.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if m.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if m.Template == "" {
		return fmt.Errorf("template is required")
	}
	return nil
}
