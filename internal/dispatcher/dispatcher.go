// Package dispatcher drives the retry loop around a single dialect request:
// it asks the token manager for an account, invokes the caller's attempt
// callback, and on a retryable failure rotates to a different account with a
// status-dependent backoff before trying again.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cloudcode-gateway/gateway/internal/tokenmanager"
	log "github.com/sirupsen/logrus"
)

// Outcome is what an Attempt reports back about one dispatch try.
type Outcome struct {
	// StatusCode is the upstream HTTP status, or 0 if the attempt never
	// reached the upstream (e.g. a local translation error).
	StatusCode int
	// Retryable marks this outcome as one the dispatcher should rotate
	// accounts and retry for, rather than surface to the caller.
	Retryable bool
	// RetryAfterHeader and Body feed RateLimitTracker.ParseFromError when
	// StatusCode indicates a rate limit or server error.
	RetryAfterHeader string
	Body             []byte
	// Err is a non-nil transport/processing error. It does not by itself
	// imply Retryable; set Retryable explicitly.
	Err error
}

// Attempt performs one dispatch try against the given credentials.
type Attempt func(ctx context.Context, accessToken, projectID, email, accountID string) (Outcome, error)

// Dispatcher retries Attempt across the account pool with the backoff
// schedule: status-dependent base delay (1000ms*(k+1) for 429, 500ms*(k+1)
// for 500/503/529, 0 otherwise), jittered +/-20%, floored at 1ms, with
// attempts = min(3, pool size) clamped to at least 1. Every attempt after the
// first forces rotation away from the account that just failed.
type Dispatcher struct {
	manager *tokenmanager.Manager
}

// New builds a Dispatcher backed by manager.
func New(manager *tokenmanager.Manager) *Dispatcher {
	return &Dispatcher{manager: manager}
}

// Do runs the retry loop for quotaGroup/sessionID and returns the last
// Outcome (success or the final failed attempt) along with an error only
// when no account could be obtained at all or the caller's error is fatal.
func (d *Dispatcher) Do(ctx context.Context, quotaGroup, sessionID string, attempt Attempt) (Outcome, error) {
	maxAttempts := d.manager.PoolSize()
	if maxAttempts > 3 {
		maxAttempts = 3
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		outcome Outcome
		lastErr error
	)

	for k := 0; k < maxAttempts; k++ {
		forceRotate := k > 0
		accessToken, projectID, email, accountID, err := d.manager.GetToken(ctx, quotaGroup, forceRotate, sessionID)
		if err != nil {
			lastErr = err
			break
		}

		outcome, lastErr = attempt(ctx, accessToken, projectID, email, accountID)

		if outcome.StatusCode != 0 && (outcome.StatusCode == 429 || outcome.StatusCode >= 500) {
			d.manager.MarkRateLimited(accountID, outcome.StatusCode, outcome.RetryAfterHeader, outcome.Body)
		}

		if lastErr == nil && !outcome.Retryable {
			return outcome, nil
		}

		if k == maxAttempts-1 {
			break
		}

		delay := backoffDelay(k, outcome.StatusCode)
		log.WithFields(log.Fields{
			"account": accountID,
			"attempt": k + 1,
			"status":  outcome.StatusCode,
			"delay_ms": delay.Milliseconds(),
		}).Warn("dispatcher: retrying with a different account")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return outcome, ctx.Err()
		}
	}

	if lastErr != nil {
		return outcome, fmt.Errorf("dispatcher: exhausted retries: %w", lastErr)
	}
	return outcome, nil
}

// backoffDelay computes the jittered backoff for attempt index k (0-based)
// given the upstream status that triggered the retry.
func backoffDelay(k, statusCode int) time.Duration {
	var base time.Duration
	switch {
	case statusCode == 429:
		base = time.Duration(1000*(k+1)) * time.Millisecond
	case statusCode == 500 || statusCode == 503 || statusCode == 529:
		base = time.Duration(500*(k+1)) * time.Millisecond
	default:
		base = 0
	}
	if base <= 0 {
		return time.Millisecond
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // +/-20%
	delay := time.Duration(float64(base) * jitter)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}
