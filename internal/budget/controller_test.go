package budget

import (
	"math/rand"
	"testing"
	"time"
)

func TestAuthorizeIterationCeiling(t *testing.T) {
	t.Parallel()

	c := NewController(Ceilings{MaxIterations: 2, MaxTokens: 1000, MaxDuration: time.Minute})

	for i := 0; i < 2; i++ {
		ok, _ := c.Authorize(10)
		if !ok {
			t.Fatalf("iteration %d should be authorized", i)
		}
	}

	ok, reason := c.Authorize(10)
	if ok {
		t.Fatal("third iteration should be denied")
	}
	if reason != DenyIterationCeiling {
		t.Fatalf("expected IterationCeiling, got %s", reason)
	}
}

func TestAuthorizeTokenCeiling(t *testing.T) {
	t.Parallel()

	c := NewController(Ceilings{MaxIterations: 10, MaxTokens: 100, MaxDuration: time.Minute})

	ok, _ := c.Authorize(50)
	if !ok {
		t.Fatal("first iteration should be authorized")
	}

	c.Charge(Cost{Tokens: 80})

	ok, reason := c.Authorize(50)
	if ok {
		t.Fatal("iteration exceeding token ceiling should be denied")
	}
	if reason != DenyTokenCeiling {
		t.Fatalf("expected TokenCeiling, got %s", reason)
	}
}

func TestAuthorizeTimeCeiling(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	c := newController(Ceilings{MaxIterations: 10, MaxTokens: 1000, MaxDuration: 30 * time.Second}, func() time.Time {
		return current
	})

	ok, _ := c.Authorize(10)
	if !ok {
		t.Fatal("first iteration should be authorized")
	}

	current = current.Add(31 * time.Second)

	ok, reason := c.Authorize(10)
	if ok {
		t.Fatal("iteration past the time ceiling should be denied")
	}
	if reason != DenyTimeCeiling {
		t.Fatalf("expected TimeCeiling, got %s", reason)
	}

	if c.Remaining() != 0 {
		t.Fatalf("expected zero remaining, got %s", c.Remaining())
	}
}

func TestChargeAccumulatesProviderTime(t *testing.T) {
	t.Parallel()

	c := NewController(Ceilings{MaxIterations: 10, MaxTokens: 1000, MaxDuration: time.Minute})

	c.Charge(Cost{Tokens: 100, Elapsed: 200 * time.Millisecond})
	c.Charge(Cost{Tokens: 50, Elapsed: 300 * time.Millisecond})

	spent := c.Spent()
	if spent.ProviderTime != 500*time.Millisecond {
		t.Fatalf("provider time = %s, want 500ms", spent.ProviderTime)
	}
	if spent.Tokens != 150 {
		t.Fatalf("tokens = %d, want 150", spent.Tokens)
	}
}

// Randomized charges: however the costs fall, an authorized run never books
// more iterations than the ceiling allows, and the token ceiling is enforced
// before the iteration starts, not after.
func TestCeilingsHoldUnderRandomCharges(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		ceilings := Ceilings{
			MaxIterations: 1 + rng.Intn(5),
			MaxTokens:     500 + rng.Intn(5000),
			MaxDuration:   time.Minute,
		}
		c := NewController(ceilings)

		estimate := 100 + rng.Intn(400)

		for {
			ok, reason := c.Authorize(estimate)
			if !ok {
				if reason != DenyIterationCeiling && reason != DenyTokenCeiling {
					t.Fatalf("trial %d: unexpected deny reason %s", trial, reason)
				}
				break
			}

			// Actual spend stays at or below the estimate; the controller
			// guarantees the ceiling only under that contract.
			c.Charge(Cost{Tokens: rng.Intn(estimate + 1)})
		}

		spent := c.Spent()
		if spent.Iterations > ceilings.MaxIterations {
			t.Fatalf("trial %d: %d iterations exceeds ceiling %d", trial, spent.Iterations, ceilings.MaxIterations)
		}
		if spent.Tokens > ceilings.MaxTokens {
			t.Fatalf("trial %d: %d tokens exceeds ceiling %d", trial, spent.Tokens, ceilings.MaxTokens)
		}
	}
}
