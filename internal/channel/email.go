package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"settlement/internal/notify"
)

// Email 通过 HTTP 邮件网关发送。网关按 Idempotency-Key 去重，重复发送是安全的。
type Email struct {
	endpoint string
	client   *http.Client
}

func NewEmail(endpoint string, timeout time.Duration) *Email {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Email{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type emailRequest struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	OrderID  string            `json:"order_id"`
	Data     map[string]string `json:"data,omitempty"`
}

type emailResponse struct {
	MessageID string `json:"message_id"`
}

func (e *Email) Send(ctx context.Context, recipient string, p notify.Payload) (notify.MessageRef, error) {
	body, err := json.Marshal(emailRequest{
		To:       recipient,
		Template: p.Template,
		OrderID:  p.OrderID,
		Data:     p.Data,
	})
	if err != nil {
		return "", fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.OrderID+":"+p.Template+":"+recipient)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("email gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("email gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out emailResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.MessageID == "" {
		// 网关未返回消息 ID 时以幂等键作为引用
		return notify.MessageRef(req.Header.Get("Idempotency-Key")), nil
	}
	return notify.MessageRef(out.MessageID), nil
}
