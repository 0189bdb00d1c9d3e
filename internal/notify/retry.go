package notify

import "time"

// RetryPolicy best_effort 的指数退避：第 n 次失败后等待 Base * 2^(n-1)。
type RetryPolicy struct {
	Base       time.Duration
	MaxRetries int
}

// DefaultRetryPolicy 2s, 4s, 8s 后耗尽。
var DefaultRetryPolicy = RetryPolicy{Base: 2 * time.Second, MaxRetries: 3}

// Next returns the delay before the next try after the given number of
// failed attempts, or false once retries are exhausted.
func (p RetryPolicy) Next(failures int) (time.Duration, bool) {
	if failures < 1 || failures > p.MaxRetries {
		return 0, false
	}
	return p.Base << (failures - 1), true
}
