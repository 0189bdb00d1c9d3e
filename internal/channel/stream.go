package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"settlement/internal/notify"

	rd "github.com/redis/go-redis/v9"
)

// Stream 把通知写入 Redis Stream，由 queue.Relay 异步转发到 Kafka 告警 topic。
// 字段与 Relay 的解析约定保持一致：alert_id / order_id / recipient / template / data / created_at。
type Stream struct {
	rdb    *rd.Client
	stream string
	maxLen int64
	now    func() time.Time
}

func NewStream(rdb *rd.Client, stream string) *Stream {
	return &Stream{rdb: rdb, stream: stream, maxLen: 100000, now: time.Now}
}

func (s *Stream) Send(ctx context.Context, recipient string, p notify.Payload) (notify.MessageRef, error) {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return "", fmt.Errorf("encode alert data: %w", err)
	}
	id, err := s.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"alert_id":   p.OrderID + ":" + p.Template + ":" + recipient,
			"order_id":   p.OrderID,
			"recipient":  recipient,
			"template":   p.Template,
			"data":       string(data),
			"created_at": s.now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return notify.MessageRef(id), nil
}
