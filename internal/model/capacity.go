package model

import "time"

// CapacityResource 有限容量资源（座位、报名名额）。
// 约束：0 <= ReservedCount <= TotalCapacity，只允许经由 capacity.Ledger 修改。
type CapacityResource struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name          string `gorm:"size:128;not null" json:"name"`
	TotalCapacity int64  `gorm:"not null;default:0" json:"total_capacity"`
	ReservedCount int64  `gorm:"not null;default:0" json:"reserved_count"`
}

func (CapacityResource) TableName() string { return "capacity_resources" }

// Remaining is the headroom left on the resource.
func (r CapacityResource) Remaining() int64 {
	if r.ReservedCount >= r.TotalCapacity {
		return 0
	}
	return r.TotalCapacity - r.ReservedCount
}
