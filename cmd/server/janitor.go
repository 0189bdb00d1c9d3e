package main

import (
	"context"
	"time"

	"settlement/internal/idempotency"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// runJanitor 定期清理过期的已处理事件记录。
func runJanitor(ctx context.Context, db *gorm.DB, guard *idempotency.Guard, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := guard.Prune(ctx, db, retention)
		if err != nil {
			logrus.WithError(err).Warn("JANITOR:PRUNE_FAILED")
		} else if n > 0 {
			logrus.WithField("pruned", n).Info("JANITOR:PRUNED")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
