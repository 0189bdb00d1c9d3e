package model

import "time"

// NotificationTier 通知的关键程度，决定失败时是阻断、重试还是只记录。
type NotificationTier string

const (
	TierCritical   NotificationTier = "critical"
	TierBestEffort NotificationTier = "best_effort"
	TierOptional   NotificationTier = "optional"
)

// NotificationStatus 通知投递状态。sent / exhausted / cancelled 为终态；
// failed 对 best_effort 表示等待重试，对 optional 即为终态。
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationExhausted NotificationStatus = "exhausted"
	// NotificationCancelled marks an attempt as moot, e.g. after a refund.
	NotificationCancelled NotificationStatus = "cancelled"
)

// NotificationAttempt 是通知任务队列中的一条记录，由结算事务写入，调度器逐次推进。
type NotificationAttempt struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID   string           `gorm:"size:36;not null;uniqueIndex:ux_attempt_route,priority:1" json:"order_id"`
	Channel   string           `gorm:"size:32;not null;uniqueIndex:ux_attempt_route,priority:2" json:"channel"`
	Recipient string           `gorm:"size:255;not null;uniqueIndex:ux_attempt_route,priority:3" json:"recipient"`
	Template  string           `gorm:"size:64;not null;uniqueIndex:ux_attempt_route,priority:4" json:"template"`
	Tier      NotificationTier `gorm:"size:16;not null" json:"tier"`

	AttemptCount int                `gorm:"not null;default:0" json:"attempt_count"`
	Status       NotificationStatus `gorm:"size:16;not null;default:'pending';index:ix_attempt_due,priority:1" json:"status"`
	NextRetryAt  time.Time          `gorm:"not null;index:ix_attempt_due,priority:2" json:"next_retry_at"`
	LastError    string             `gorm:"size:512" json:"last_error,omitempty"`
	MessageRef   string             `gorm:"size:128" json:"message_ref,omitempty"`
	// ClaimedUntil 调度租约，防止内联投递和后台调度重复发送同一条。
	ClaimedUntil *time.Time `json:"-"`
}

func (NotificationAttempt) TableName() string { return "notification_attempts" }

// Terminal reports whether no further delivery will be made for the attempt.
func (a NotificationAttempt) Terminal() bool {
	switch a.Status {
	case NotificationSent, NotificationExhausted, NotificationCancelled:
		return true
	case NotificationFailed:
		return a.Tier != TierBestEffort
	default:
		return false
	}
}
