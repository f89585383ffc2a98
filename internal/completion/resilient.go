package completion

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/converse/internal/chat"
	"github.com/converse/internal/retry"
)

// Resilient wraps a completer with retry and timeout handling. Cancellation
// passes straight through: an aborted turn is never retried.
type Resilient struct {
	client  chat.Completer
	config  retry.Config
	timeout time.Duration
}

// NewResilient wraps client with the LLM retry profile. timeout bounds each
// full call including retries; zero means no bound beyond the caller's ctx.
func NewResilient(client chat.Completer, timeout time.Duration) *Resilient {
	return &Resilient{
		client:  client,
		config:  retry.LLMConfig(),
		timeout: timeout,
	}
}

// Complete runs the wrapped completion with backoff.
func (r *Resilient) Complete(ctx context.Context, req chat.CompletionRequest) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var response string
	result := retry.Do(ctx, r.config, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := r.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		response = raw
		return nil
	})

	if !result.Success {
		return "", result.LastError
	}
	if result.Attempts > 1 {
		log.Debug().
			Int("attempts", result.Attempts).
			Dur("total", result.TotalDuration).
			Msg("completion succeeded after retry")
	}
	return response, nil
}
