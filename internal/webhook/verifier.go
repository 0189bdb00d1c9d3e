package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader 携带签名的请求头，格式：t=<unix 秒>,v1=<hex>[,v1=<hex>...]。
const SignatureHeader = "Payment-Signature"

// ErrInvalidEvent 验签或结构校验失败，属于终态拒绝，发送方不应重试。
var ErrInvalidEvent = errors.New("invalid event")

// Verifier 校验支付方事件的真实性与结构。纯函数，无副作用。
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. tolerance <= 0 disables the timestamp window check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify 校验签名并解析事件。任何失败都包装 ErrInvalidEvent 返回。
func (v *Verifier) Verify(payload []byte, header string) (Event, error) {
	return v.verify(payload, header, true)
}

// VerifyRecorded 校验已落盘事件（Kafka 入口）：签名与结构照常校验，跳过时间窗。
// 同一条消息会被原地重试或重启后重放，签名时间必然越来越旧；重放由幂等守卫兜底。
func (v *Verifier) VerifyRecorded(payload []byte, header string) (Event, error) {
	return v.verify(payload, header, false)
}

func (v *Verifier) verify(payload []byte, header string, checkWindow bool) (Event, error) {
	ts, sigs, err := parseHeader(header)
	if err != nil {
		return Event{}, err
	}

	expected := computeSignature(v.secret, ts, payload)
	matched := false
	for _, sig := range sigs {
		// 常量时间比较，防止时序侧信道。
		if hmac.Equal(expected, sig) {
			matched = true
		}
	}
	if !matched {
		return Event{}, fmt.Errorf("%w: signature mismatch", ErrInvalidEvent)
	}

	if checkWindow && v.tolerance > 0 {
		signedAt := time.Unix(ts, 0)
		if d := v.now().Sub(signedAt); d > v.tolerance || d < -v.tolerance {
			return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidEvent)
		}
	}

	return parseEvent(payload)
}

// Sign 生成签名头，供压测工具、Kafka 入口测试与单测使用。
func Sign(secret string, ts time.Time, payload []byte) string {
	unix := ts.Unix()
	sig := computeSignature([]byte(secret), unix, payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(sig))
}

func computeSignature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseHeader(header string) (int64, [][]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature", ErrInvalidEvent)
	}

	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, fmt.Errorf("%w: malformed signature header", ErrInvalidEvent)
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: invalid timestamp %q", ErrInvalidEvent, v)
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: invalid signature encoding", ErrInvalidEvent)
			}
			sigs = append(sigs, sig)
		}
		// 其他 scheme 忽略，便于支付方平滑升级签名算法。
	}
	if !hasTS {
		return 0, nil, fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: no v1 signature", ErrInvalidEvent)
	}
	return ts, sigs, nil
}

func parseEvent(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: malformed payload: %v", ErrInvalidEvent, err)
	}
	if env.ID == "" {
		return Event{}, fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if env.Created <= 0 {
		return Event{}, fmt.Errorf("%w: created is required", ErrInvalidEvent)
	}

	ev := Event{
		ID:        env.ID,
		Type:      env.Type,
		Kind:      KindOf(env.Type),
		CreatedAt: time.Unix(env.Created, 0).UTC(),
		Reference: env.reference(),
		SessionID: env.Data.Object.ID,
		Quantity:  env.Data.Object.Quantity,
	}
	if ev.Kind != KindIgnored && ev.Reference == "" {
		return Event{}, fmt.Errorf("%w: correlation reference is required for %s", ErrInvalidEvent, ev.Type)
	}
	if ev.Quantity < 0 {
		return Event{}, fmt.Errorf("%w: quantity must be >= 0", ErrInvalidEvent)
	}
	return ev, nil
}
