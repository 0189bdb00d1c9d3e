package fulfillment

import (
	"context"
	"fmt"
	"time"

	"settlement/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GrantAccess 默认关键副作用：为订单写入一条 AccessGrant。
type GrantAccess struct{}

func (GrantAccess) Apply(ctx context.Context, tx *gorm.DB, order *model.Order, now time.Time) error {
	grant := model.AccessGrant{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		Kind:        order.Kind,
		CustomerRef: order.CustomerRef,
		GrantedAt:   now,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "order_id"}}, DoNothing: true}).
		Create(&grant).Error
	if err != nil {
		return fmt.Errorf("grant access for order %s: %w", order.ID, err)
	}
	return nil
}
