package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config configures retry behavior. A Multiplier of 1.0 gives linearly
// spaced attempts; above 1.0 the delay grows exponentially.
type Config struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
	Jitter     bool          `json:"jitter"`
	LogRetries bool          `json:"log_retries"`
}

// Result describes how a retried operation ended.
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
}

// DefaultConfig returns sensible general-purpose retry settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		LogRetries: true,
	}
}

// LLMConfig returns retry settings tuned for completion calls, which are
// slow and benefit from a longer backoff ceiling.
func LLMConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
		LogRetries: true,
	}
}

// PersistenceConfig returns the linear profile used around durable writes:
// 3 attempts total with linearly increasing delay.
func PersistenceConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 1.0,
		Jitter:     false,
		LogRetries: true,
	}
}

// Do executes op with backoff until it succeeds, retries are exhausted, or
// ctx is done.
func Do(ctx context.Context, config Config, op func() error) Result {
	startTime := time.Now()
	result := Result{}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := op()
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if config.LogRetries && attempt > 0 {
				log.Debug().Int("attempts", result.Attempts).Dur("total", result.TotalDuration).
					Msg("operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if attempt >= config.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := delayFor(config, attempt)
		if config.LogRetries {
			log.Debug().Err(err).Int("attempt", result.Attempts).Dur("delay", delay).
				Msg("operation failed; retrying")
		}

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// delayFor computes the wait before the next attempt: linear when the
// multiplier is 1.0, exponential otherwise, capped at MaxDelay.
func delayFor(config Config, attempt int) time.Duration {
	var delay time.Duration
	if config.Multiplier <= 1.0 {
		delay = config.BaseDelay * time.Duration(attempt+1)
	} else {
		delay = time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt)))
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// IsRetryable reports whether an error is worth retrying. Context
// cancellation and client-side validation never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"invalid api key", "unauthorized", "permission denied", "not found"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	for _, transient := range []string{"timeout", "connection", "temporarily", "rate limit", "too many requests",
		"503", "502", "500", "unavailable", "reset by peer", "eof"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	// Unknown failures default to retryable; the attempt cap bounds the cost.
	return true
}
