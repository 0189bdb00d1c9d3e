package model

import "time"

// AccessGrant 履约授予的访问权（报名、许可、门票），与订单状态迁移同一事务写入。
type AccessGrant struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	OrderID     string     `gorm:"size:36;uniqueIndex;not null" json:"order_id"`
	Kind        string     `gorm:"size:64;not null" json:"kind"`
	CustomerRef string     `gorm:"size:255;not null" json:"customer_ref"`
	GrantedAt   time.Time  `gorm:"not null" json:"granted_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func (AccessGrant) TableName() string { return "access_grants" }
