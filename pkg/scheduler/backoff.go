package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

// backoffDelay computes the wait before retry attempt n (1-based, the
// attempt that just failed): base · 2^(n-1) · jitter(0.5..1.5), capped.
func backoffDelay(policy models.BackoffPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := policy.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if policy.Max > 0 && d >= policy.Max {
			d = policy.Max
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if policy.Max > 0 && d > policy.Max {
		d = policy.Max
	}
	return d
}
