package capacity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"settlement/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Result 预占结果。
type Result int

const (
	Reserved Result = iota
	Exhausted
)

func (r Result) String() string {
	if r == Reserved {
		return "reserved"
	}
	return "exhausted"
}

var (
	ErrResourceNotFound = errors.New("capacity resource not found")
	ErrInvalidQuantity  = errors.New("quantity must be >= 0")
)

// Availability 供展示用的容量快照。
type Availability struct {
	ResourceID string `json:"resource_id"`
	Total      int64  `json:"total"`
	Reserved   int64  `json:"reserved"`
	Remaining  int64  `json:"remaining"`
}

// Ledger 管理有限容量资源，保证并发下不超卖。
// 所有写操作都接收调用方的事务句柄，与订单状态更新处于同一事务。
type Ledger struct{}

func NewLedger() *Ledger { return &Ledger{} }

// Create 初始化一个容量资源。
func (l *Ledger) Create(ctx context.Context, db *gorm.DB, name string, total int64) (*model.CapacityResource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if total < 0 {
		return nil, fmt.Errorf("total capacity must be >= 0")
	}
	res := &model.CapacityResource{
		ID:            uuid.NewString(),
		Name:          name,
		TotalCapacity: total,
	}
	if err := db.WithContext(ctx).Create(res).Error; err != nil {
		return nil, fmt.Errorf("create capacity resource: %w", err)
	}
	return res, nil
}

// Reserve 在行锁内完成「读已占 → 校验余量 → 累加」。
// 锁持有到调用方事务结束；条件 UPDATE 作为第二道防线，即使方言不支持 FOR UPDATE 也不会超卖。
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, resourceID string, quantity int64) (Result, error) {
	if quantity < 0 {
		return Exhausted, ErrInvalidQuantity
	}
	if quantity == 0 {
		return Reserved, nil
	}

	var res model.CapacityResource
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", resourceID).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Exhausted, fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
		}
		return Exhausted, fmt.Errorf("lock capacity resource: %w", err)
	}

	if res.TotalCapacity == 0 || res.ReservedCount+quantity > res.TotalCapacity {
		return Exhausted, nil
	}

	upd := tx.WithContext(ctx).
		Model(&model.CapacityResource{}).
		Where("id = ? AND reserved_count + ? <= total_capacity", resourceID, quantity).
		Update("reserved_count", gorm.Expr("reserved_count + ?", quantity))
	if upd.Error != nil {
		return Exhausted, fmt.Errorf("reserve capacity: %w", upd.Error)
	}
	if upd.RowsAffected != 1 {
		return Exhausted, nil
	}
	return Reserved, nil
}

// Release 退款/取消时归还容量，不做余量校验，下限截断为 0。
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, resourceID string, quantity int64) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}
	if quantity == 0 {
		return nil
	}
	upd := tx.WithContext(ctx).
		Model(&model.CapacityResource{}).
		Where("id = ?", resourceID).
		Update("reserved_count", gorm.Expr("CASE WHEN reserved_count > ? THEN reserved_count - ? ELSE 0 END", quantity, quantity))
	if upd.Error != nil {
		return fmt.Errorf("release capacity: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}
	return nil
}

// Availability 只读查询，不加锁；预占时的权威校验总是在锁内重新读取。
func (l *Ledger) Availability(ctx context.Context, db *gorm.DB, resourceID string) (Availability, error) {
	var res model.CapacityResource
	if err := db.WithContext(ctx).Where("id = ?", resourceID).First(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Availability{}, fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
		}
		return Availability{}, fmt.Errorf("load capacity resource: %w", err)
	}
	return Availability{
		ResourceID: res.ID,
		Total:      res.TotalCapacity,
		Reserved:   res.ReservedCount,
		Remaining:  res.Remaining(),
	}, nil
}
