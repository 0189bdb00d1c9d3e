package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaClaimCheckout 幂等键不存在时写入 order_id 并返回空串，否则返回已绑定的 order_id。
const luaClaimCheckout = `
local key = KEYS[1]
local orderID = ARGV[1]
local ttlMs = tonumber(ARGV[2])
local existing = redis.call('GET', key)
if existing then
  return existing
end
redis.call('SET', key, orderID, 'PX', ttlMs)
return ''
`

// luaReleaseCheckoutIfMatch 仅当值匹配 order_id 时才删除，避免误删新请求的占位。
const luaReleaseCheckoutIfMatch = `
local key = KEYS[1]
local orderID = ARGV[1]
if redis.call('GET', key) == orderID then
  return redis.call('DEL', key)
end
return 0
`

// ClaimCheckout 为 (customer, idempotency key) 绑定新的 order_id。
// claimed=false 时 existing 为此前绑定的 order_id，调用方应直接返回它。
func ClaimCheckout(ctx context.Context, rdb *rd.Client, customerRef, idemKey, orderID string, ttl time.Duration) (existing string, claimed bool, err error) {
	key := CheckoutIdempotencyKey(customerRef, idemKey)
	res, err := rdb.Eval(ctx, luaClaimCheckout, []string{key}, orderID, ttl.Milliseconds()).Text()
	if err != nil {
		return "", false, err
	}
	if res == "" {
		return "", true, nil
	}
	return res, false, nil
}

// ReleaseCheckoutIfMatch 建单失败时释放占位，允许客户端用同一幂等键重试。
func ReleaseCheckoutIfMatch(ctx context.Context, rdb *rd.Client, customerRef, idemKey, orderID string) error {
	key := CheckoutIdempotencyKey(customerRef, idemKey)
	_, err := rdb.Eval(ctx, luaReleaseCheckoutIfMatch, []string{key}, orderID).Int()
	return err
}
