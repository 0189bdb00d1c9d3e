package model

import "time"

// ProcessedEventRecord 幂等账本：一个事件 ID 只能写入一次，从不更新。
type ProcessedEventRecord struct {
	EventID     string    `gorm:"primaryKey;size:128" json:"event_id"`
	EventType   string    `gorm:"size:64;not null" json:"event_type"`
	ProcessedAt time.Time `gorm:"not null;index" json:"processed_at"`
}

func (ProcessedEventRecord) TableName() string { return "processed_events" }
