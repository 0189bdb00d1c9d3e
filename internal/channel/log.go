package channel

import (
	"context"

	"settlement/internal/notify"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Log 开发环境通道：只写日志，未配置邮件网关时替代 email。
type Log struct {
	name string
}

func NewLog(name string) *Log { return &Log{name: name} }

func (l *Log) Send(_ context.Context, recipient string, p notify.Payload) (notify.MessageRef, error) {
	ref := uuid.NewString()
	logrus.WithFields(logrus.Fields{
		"channel":   l.name,
		"recipient": recipient,
		"template":  p.Template,
		"orderID":   p.OrderID,
		"ref":       ref,
	}).Info("NOTIFY:LOGGED")
	return notify.MessageRef(ref), nil
}
