// Package budget tracks the daily provider call allowance and paces
// outbound calls.
//
// The Controller owns the policy (limit, UTC day boundary, minimum interval
// between calls). A Ledger owns the counter. The in-memory ledger is
// process-local; the SQL and Redis ledgers let several runs on the same day
// share one counter.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Ledger stores how many units were used on a given UTC day.
type Ledger interface {
	// Used returns the units recorded for day, zero if none.
	Used(ctx context.Context, day string) (int, error)
	// Add records n more units for day and returns the new total.
	Add(ctx context.Context, day string, n int) (int, error)
}

// Controller enforces a daily call limit and a minimum interval between calls.
// It is meant for one sequential run; concurrent runs must share a durable
// Ledger and accept that checks and increments are not one atomic step.
type Controller struct {
	limit       int
	minInterval time.Duration
	ledger      Ledger
	clock       clockwork.Clock

	mu       sync.Mutex
	lastCall time.Time
}

// NewController creates a Controller. A nil clock uses the real clock.
func NewController(limit int, minInterval time.Duration, ledger Ledger, clock clockwork.Clock) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limit < 0 {
		limit = 0
	}
	return &Controller{limit: limit, minInterval: minInterval, ledger: ledger, clock: clock}
}

// Limit returns the configured daily limit.
func (c *Controller) Limit() int { return c.limit }

// Day returns the ledger key for the current UTC calendar day.
func (c *Controller) Day() string {
	return dayKey(c.clock.Now())
}

// Remaining returns limit minus today's usage, never below zero.
func (c *Controller) Remaining(ctx context.Context) (int, error) {
	used, err := c.ledger.Used(ctx, c.Day())
	if err != nil {
		return 0, fmt.Errorf("read budget ledger: %w", err)
	}
	return clampRemaining(c.limit, used), nil
}

// Consume records n units against today's budget and returns what is left.
// Consuming past the limit is recorded but Remaining stays at zero.
func (c *Controller) Consume(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return c.Remaining(ctx)
	}
	used, err := c.ledger.Add(ctx, c.Day(), n)
	if err != nil {
		return 0, fmt.Errorf("update budget ledger: %w", err)
	}
	return clampRemaining(c.limit, used), nil
}

// WaitMinInterval blocks until at least the minimum interval has passed since
// the previous call returned. The first call does not wait.
func (c *Controller) WaitMinInterval(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.minInterval > 0 && !c.lastCall.IsZero() {
		wait := c.minInterval - c.clock.Since(c.lastCall)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(wait):
			}
		}
	}
	c.lastCall = c.clock.Now()
	return nil
}

func clampRemaining(limit, used int) int {
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
