package budget

import (
	"sync"
	"time"
)

type DenyReason string

const (
	DenyIterationCeiling DenyReason = "IterationCeiling"
	DenyTokenCeiling     DenyReason = "TokenCeiling"
	DenyTimeCeiling      DenyReason = "TimeCeiling"
)

type Ceilings struct {
	MaxIterations int
	MaxTokens     int
	MaxDuration   time.Duration
}

type Cost struct {
	Tokens  int
	Elapsed time.Duration
}

// Controller tracks one Run's spend against its ceilings. Authorize is
// consulted before an iteration starts; Charge is applied after every provider
// call. Both are safe under the Run's single-iteration-at-a-time model and
// against the wall-clock check racing a charge.
type Controller struct {
	mu sync.Mutex

	ceilings Ceilings
	started  time.Time
	now      func() time.Time

	iterations   int
	tokens       int
	providerTime time.Duration
}

func NewController(ceilings Ceilings) *Controller {
	return newController(ceilings, time.Now)
}

func newController(ceilings Ceilings, now func() time.Time) *Controller {
	return &Controller{
		ceilings: ceilings,
		started:  now(),
		now:      now,
	}
}

// Authorize decides whether the next iteration may start. The token estimate
// is charged against the ceiling up front so a run never begins an iteration
// it cannot afford.
func (c *Controller) Authorize(nextIterationTokenEstimate int) (bool, DenyReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.iterations >= c.ceilings.MaxIterations {
		return false, DenyIterationCeiling
	}
	if c.ceilings.MaxTokens > 0 && c.tokens+nextIterationTokenEstimate > c.ceilings.MaxTokens {
		return false, DenyTokenCeiling
	}
	if c.ceilings.MaxDuration > 0 && c.now().Sub(c.started) >= c.ceilings.MaxDuration {
		return false, DenyTimeCeiling
	}

	c.iterations++
	return true, ""
}

// Charge records the actual cost of a completed provider call.
func (c *Controller) Charge(cost Cost) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens += cost.Tokens
	c.providerTime += cost.Elapsed
}

// Remaining reports the wall-clock budget left, zero when exhausted.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ceilings.MaxDuration == 0 {
		return time.Duration(1<<62 - 1)
	}

	left := c.ceilings.MaxDuration - c.now().Sub(c.started)
	if left < 0 {
		return 0
	}
	return left
}

// Spend is the accumulated cost of a run. Elapsed is wall-clock time since
// the run started; ProviderTime is the summed duration of its provider calls.
type Spend struct {
	Iterations   int
	Tokens       int
	Elapsed      time.Duration
	ProviderTime time.Duration
}

func (c *Controller) Spent() Spend {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Spend{
		Iterations:   c.iterations,
		Tokens:       c.tokens,
		Elapsed:      c.now().Sub(c.started),
		ProviderTime: c.providerTime,
	}
}
