// Package jobqueue runs background conversation summarization on a
// River queue. Tunables live here; the worker is in jobqueue.go.
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunable parameters for the summarization queue.
type QueueConfig struct {
	// MaxWorkers bounds concurrent summarization jobs. Each one holds a
	// completion call open, so keep this well below the provider's
	// concurrency limit.
	MaxWorkers int

	// MaxRetries before a job is discarded. Summaries are best-effort and
	// re-triggered by conversation growth, so a short budget is enough.
	MaxRetries int

	// JobTimeout bounds one summarization attempt end to end.
	JobTimeout time.Duration

	// SummaryWindow is how many recent messages feed the summary prompt.
	SummaryWindow int
}

// DefaultQueueConfig returns the default summarization queue settings.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:    4,
		MaxRetries:    5,
		JobTimeout:    2 * time.Minute,
		SummaryWindow: 40,
	}
}

// RiverQueueConfig converts this config to River's queue configuration.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
