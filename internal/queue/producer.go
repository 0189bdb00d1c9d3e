package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter 是 kafka.Writer 的最小子集，便于测试替换。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 封装 Kafka 写入器。
type Producer struct {
	w MessageWriter
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一 alert_id 落到同一分区，下游按 key 去重。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	})
}

func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{w: w}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条告警，alert_id 作为 Kafka key。
func (p *Producer) Publish(ctx context.Context, msg AlertMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.AlertID),
		Value: b,
	})
}
