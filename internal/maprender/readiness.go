package maprender

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Readiness bounds how long a loaded provider may take to initialize.
type Readiness struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultReadiness() Readiness {
	return Readiness{Attempts: 20, Interval: 150 * time.Millisecond}
}

// MaxWait is the time spent between probes when every probe fails.
func (r Readiness) MaxWait() time.Duration {
	if r.Attempts <= 1 {
		return 0
	}
	return time.Duration(r.Attempts-1) * r.Interval
}

// waitReady probes p.Ready at a constant interval and gives up after
// r.Attempts probes or when ctx ends.
func waitReady(ctx context.Context, p Provider, r Readiness) error {
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Interval), uint64(r.Attempts-1)),
		ctx,
	)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return p.Ready(ctx)
	}, policy)
	if err != nil {
		return fmt.Errorf("not ready after %d attempts: %w", attempts, err)
	}
	return nil
}
