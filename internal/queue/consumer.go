package queue

import (
	"context"
	"errors"
	"time"

	"settlement/internal/settlement"
	"settlement/internal/webhook"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// EventIDHeader 入口消息可选携带的事件 ID，仅用于日志。
const EventIDHeader = "Payment-Event-Id"

// MessageReader 是 kafka.Reader 的最小子集，便于测试替换。
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventHandler 处理一条带签名的支付事件，settlement.Processor 实现该接口。
type EventHandler interface {
	Handle(ctx context.Context, src settlement.Source, payload []byte, signature string) settlement.Result
}

// Consumer 从 Kafka 消费支付事件，与 webhook 入口共用同一个 Processor。
// 只有非瞬时结果才提交 offset；瞬时失败原地退避重试，保证 at-least-once。
type Consumer struct {
	r       MessageReader
	handler EventHandler

	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, handler EventHandler) *Consumer {
	return NewConsumerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1e3,
		MaxBytes: 1e6,
	}), handler)
}

func NewConsumerWithReader(r MessageReader, handler EventHandler) *Consumer {
	return &Consumer{
		r:          r,
		handler:    handler,
		backoff:    200 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Error("CONSUMER:FETCH_FAILED")
			}
			return // ctx cancel / 连接断开等
		}

		if !c.handle(ctx, m) {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			// 提交失败时消息会被重投，由幂等守卫兜底
			logrus.WithError(err).WithField("offset", m.Offset).Warn("CONSUMER:COMMIT_FAILED")
		}
	}
}

// handle 直到得到非瞬时结果才返回 true；ctx 结束时返回 false，消息不提交。
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	sig := header(m, webhook.SignatureHeader)
	wait := c.backoff
	for {
		res := c.handler.Handle(ctx, settlement.SourceKafka, m.Value, sig)
		if !res.Outcome.Transient() {
			return true
		}

		logrus.WithFields(logrus.Fields{
			"partition": m.Partition,
			"offset":    m.Offset,
			"eventID":   header(m, EventIDHeader),
			"retryIn":   wait.String(),
		}).WithError(res.Err).Warn("CONSUMER:RETRY")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait *= 2
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
