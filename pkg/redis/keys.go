package redis

import "fmt"

// AvailabilityKey 缓存某容量资源的可用量快照。
func AvailabilityKey(resourceID string) string {
	return fmt.Sprintf("settlement:capacity:availability:%s", resourceID)
}

// CheckoutIdempotencyKey 将客户端幂等键映射到已创建的 order_id。
func CheckoutIdempotencyKey(customerRef, idemKey string) string {
	return fmt.Sprintf("settlement:checkout:idem:%s:%s", customerRef, idemKey)
}

// RateLimitKey 限流计数键，scope 区分接口，subject 为 IP 或调用方标识。
func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("settlement:rate_limit:%s:%s", scope, subject)
}
