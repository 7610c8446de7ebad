package infra

import "time"

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns the exponential delay for the given retry count:
// 1s, 2s, 4s ... capped at 60s.
func CalculateBackoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 6 {
		return backoffMax
	}
	d := backoffBase << uint(retry)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
