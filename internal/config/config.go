package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// AppConfig 聚合运行时配置，全部通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string `env:"DB_PATH" envDefault:"settlement.db"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka：支付事件入口（可选）与运维告警出口
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaEventsTopic   string   `env:"KAFKA_EVENTS_TOPIC" envDefault:"payment-events"`
	KafkaEventsGroup   string   `env:"KAFKA_EVENTS_GROUP" envDefault:"settlement-engine"`
	KafkaAlertsTopic   string   `env:"KAFKA_ALERTS_TOPIC" envDefault:"settlement-ops-alerts"`
	KafkaIngestEnabled bool     `env:"KAFKA_INGEST_ENABLED" envDefault:"false"`

	// Redis Stream：ops 通道写入流，Relay 异步转 Kafka
	NotifyStream   string `env:"NOTIFY_STREAM" envDefault:"settlement:ops_alerts"`
	NotifyGroup    string `env:"NOTIFY_GROUP" envDefault:"settlement-relay-group"`
	NotifyConsumer string `env:"NOTIFY_CONSUMER" envDefault:"settlement-relay-1"`

	// Webhook 验签与边界处理预算
	WebhookSecret    string        `env:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	HandlerBudget    time.Duration `env:"HANDLER_BUDGET" envDefault:"3s"`

	IdempotencyStrategy string        `env:"IDEMPOTENCY_STRATEGY" envDefault:"ledger"`
	LedgerRetention     time.Duration `env:"LEDGER_RETENTION" envDefault:"720h"`

	// best_effort 通知重试：base * 2^(n-1)，默认 2s/4s/8s
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMax             int           `env:"RETRY_MAX" envDefault:"3"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"500ms"`
	DispatchLease        time.Duration `env:"DISPATCH_LEASE" envDefault:"30s"`

	EmailGatewayURL string   `env:"EMAIL_GATEWAY_URL"`
	AdminRecipients []string `env:"ADMIN_RECIPIENTS" envSeparator:","`
	// 管理接口的简单令牌（demo 级别保护）
	AdminToken string `env:"ADMIN_TOKEN" envDefault:"dev-admin-token"`

	// 容量查询接口限流与缓存
	QueryRateLimit       int           `env:"QUERY_RATE_LIMIT" envDefault:"200"`
	QueryRateWindow      time.Duration `env:"QUERY_RATE_WINDOW" envDefault:"1s"`
	AvailabilityCacheTTL time.Duration `env:"AVAILABILITY_CACHE_TTL" envDefault:"30s"`
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)
	cfg.AdminRecipients = compact(cfg.AdminRecipients)
	cfg.IdempotencyStrategy = strings.ToLower(strings.TrimSpace(cfg.IdempotencyStrategy))

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (cfg AppConfig) Validate() error {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("WEBHOOK_SECRET must not be empty")
	}
	if cfg.WebhookTolerance < 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE must be >= 0")
	}
	if cfg.HandlerBudget <= 0 {
		return fmt.Errorf("HANDLER_BUDGET must be > 0")
	}
	switch cfg.IdempotencyStrategy {
	case "ledger", "status":
	default:
		return fmt.Errorf("IDEMPOTENCY_STRATEGY must be ledger or status, got %q", cfg.IdempotencyStrategy)
	}
	if cfg.LedgerRetention <= 0 {
		return fmt.Errorf("LEDGER_RETENTION must be > 0")
	}
	if cfg.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be > 0")
	}
	if cfg.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must be >= 0")
	}
	if cfg.DispatchPollInterval <= 0 {
		return fmt.Errorf("DISPATCH_POLL_INTERVAL must be > 0")
	}
	if cfg.DispatchLease <= 0 {
		return fmt.Errorf("DISPATCH_LEASE must be > 0")
	}
	if cfg.QueryRateLimit <= 0 {
		return fmt.Errorf("QUERY_RATE_LIMIT must be > 0")
	}
	if cfg.QueryRateWindow < time.Second {
		return fmt.Errorf("QUERY_RATE_WINDOW must be >= 1s")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaAlertsTopic == "" {
		return fmt.Errorf("KAFKA_ALERTS_TOPIC must not be empty")
	}
	if cfg.KafkaIngestEnabled && (cfg.KafkaEventsTopic == "" || cfg.KafkaEventsGroup == "") {
		return fmt.Errorf("KAFKA_EVENTS_TOPIC and KAFKA_EVENTS_GROUP are required when ingest is enabled")
	}
	if cfg.NotifyStream == "" || cfg.NotifyGroup == "" || cfg.NotifyConsumer == "" {
		return fmt.Errorf("NOTIFY_STREAM, NOTIFY_GROUP and NOTIFY_CONSUMER must not be empty")
	}
	return nil
}

// compact 去掉逗号分隔值中的空白项。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
