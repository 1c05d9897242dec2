package delivery

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"followup/internal/domain"
)

// Throttled limits the delivery rate of the wrapped deliverer.
type Throttled struct {
	next    Deliverer
	limiter *rate.Limiter
}

func Throttle(next Deliverer, rps int) *Throttled {
	if rps <= 0 {
		rps = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), rps)}
}

func (t *Throttled) Deliver(ctx context.Context, msg domain.Message) (domain.Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return domain.Receipt{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return t.next.Deliver(ctx, msg)
}
