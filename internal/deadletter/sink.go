package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement/internal/metrics"
	"settlement/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("dead letter not found")

// Sink 持久化重试耗尽的通知 attempt，供人工排查与补发。
type Sink struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSink(db *gorm.DB) *Sink {
	return &Sink{db: db, now: time.Now}
}

// Record 写入死信。永不返回错误：写入失败只记日志，
// 调用方已成功的履约结果不受影响。
func (s *Sink) Record(ctx context.Context, attempt model.NotificationAttempt) {
	dl := model.DeadLetter{
		ID:           uuid.NewString(),
		CreatedAt:    s.now().UTC(),
		AttemptID:    attempt.ID,
		OrderID:      attempt.OrderID,
		Channel:      attempt.Channel,
		Recipient:    attempt.Recipient,
		Template:     attempt.Template,
		Tier:         attempt.Tier,
		AttemptCount: attempt.AttemptCount,
		LastError:    attempt.LastError,
	}
	fields := logrus.Fields{
		"attemptID": attempt.ID,
		"orderID":   attempt.OrderID,
		"channel":   attempt.Channel,
		"recipient": attempt.Recipient,
	}

	// 同一 attempt 补发后再次耗尽时刷新原记录。
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "attempt_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"attempt_count": dl.AttemptCount,
				"last_error":    dl.LastError,
				"created_at":    dl.CreatedAt,
				"resent_at":     nil,
			}),
		}).
		Create(&dl).Error
	if err != nil {
		logrus.WithFields(fields).WithError(err).Error("DEADLETTER:WRITE_FAILED")
		return
	}
	metrics.DeadLettersTotal.Inc()
	logrus.WithFields(fields).Warn("DEADLETTER:RECORDED")
}

// List 按时间倒序列出死信。
func (s *Sink) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	var out []model.DeadLetter
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// Resend 人工补发：把对应 attempt 重置为 pending，交给调度器重新投递。
func (s *Sink) Resend(ctx context.Context, id string) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&dl).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		now := s.now().UTC()
		res := tx.Model(&model.NotificationAttempt{}).
			Where("id = ? AND status = ?", dl.AttemptID, model.NotificationExhausted).
			Updates(map[string]any{
				"status":        model.NotificationPending,
				"attempt_count": 0,
				"next_retry_at": now,
				"claimed_until": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("attempt %s is no longer exhausted", dl.AttemptID)
		}
		dl.ResentAt = &now
		return tx.Model(&dl).Update("resent_at", now).Error
	})
	if err != nil {
		return nil, fmt.Errorf("resend dead letter: %w", err)
	}
	return &dl, nil
}
