package model

import "time"

// DeadLetter 记录重试耗尽的通知，供人工排查与补发。
type DeadLetter struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	AttemptID    string           `gorm:"size:36;uniqueIndex;not null" json:"attempt_id"`
	OrderID      string           `gorm:"size:36;index;not null" json:"order_id"`
	Channel      string           `gorm:"size:32;not null" json:"channel"`
	Recipient    string           `gorm:"size:255;not null" json:"recipient"`
	Template     string           `gorm:"size:64;not null" json:"template"`
	Tier         NotificationTier `gorm:"size:16;not null" json:"tier"`
	AttemptCount int              `gorm:"not null" json:"attempt_count"`
	LastError    string           `gorm:"size:512" json:"last_error"`
	ResentAt     *time.Time       `json:"resent_at,omitempty"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&Order{},
		&CapacityResource{},
		&ProcessedEventRecord{},
		&AccessGrant{},
		&NotificationAttempt{},
		&DeadLetter{},
	}
}
