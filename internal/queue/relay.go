package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher 接收 Relay 转发的告警。
type Publisher interface {
	Publish(ctx context.Context, msg AlertMessage) error
}

// Relay 将 ops 通道写入的 Redis Stream 告警异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb       *rd.Client
	publisher Publisher

	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewRelay(rdb *rd.Client, publisher Publisher, stream, group, consumer string) *Relay {
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     2 * time.Second,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		logrus.WithError(err).WithField("stream", r.stream).Error("RELAY:ENSURE_GROUP_FAILED")
		return
	}

	for ctx.Err() == nil {
		if _, err := r.poll(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logrus.WithError(err).Warn("RELAY:POLL_FAILED")
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// poll 先处理本消费者历史 pending，没有时再阻塞读取新消息。返回成功转发的条数。
func (r *Relay) poll(ctx context.Context) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", r.block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	forwarded := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 发布失败不 ACK，消息会继续保留用于重试。
			logrus.WithError(err).WithField("id", xm.ID).Warn("RELAY:PUBLISH_FAILED")
			time.Sleep(200 * time.Millisecond)
			break
		}
		forwarded++
	}
	return forwarded, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}
	if block == 0 {
		// 0 在 Redis 里表示无限阻塞，读 pending 时不需要阻塞
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseAlert(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		logrus.WithError(err).WithField("id", xm.ID).Warn("RELAY:DROP_MALFORMED")
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseAlert(values map[string]interface{}) (AlertMessage, error) {
	var msg AlertMessage
	for key, dst := range map[string]*string{
		"alert_id":  &msg.AlertID,
		"order_id":  &msg.OrderID,
		"recipient": &msg.Recipient,
		"template":  &msg.Template,
	} {
		v, err := getStreamString(values, key)
		if err != nil {
			return AlertMessage{}, err
		}
		*dst = v
	}

	if raw, err := getStreamString(values, "data"); err == nil && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Data); err != nil {
			return AlertMessage{}, fmt.Errorf("invalid data %q", raw)
		}
	}
	if raw, err := getStreamString(values, "created_at"); err == nil {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return AlertMessage{}, fmt.Errorf("invalid created_at %q", raw)
		}
		msg.CreatedAt = t
	}

	if err := msg.Validate(); err != nil {
		return AlertMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
