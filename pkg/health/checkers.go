package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines run.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when the dependency does not answer a ping.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// StalenessCheck fails when the background job behind last has not succeeded
// within maxAge. A zero time counts as stale only after maxAge has passed
// since the check was created, so a freshly started process is healthy.
func StalenessCheck(last func() time.Time, maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	created := now()
	return func(context.Context) error {
		at := last()
		if at.IsZero() {
			at = created
		}
		if age := now().Sub(at); age > maxAge {
			return errors.Errorf("last success %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
