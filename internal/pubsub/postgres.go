package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the Postgres notification channel the persistence layer
// publishes message events on.
const NotifyChannel = "converse_message_events"

// PostgresChannel listens for message events over Postgres LISTEN/NOTIFY and
// fans them out to per-conversation subscribers through an in-process broker.
type PostgresChannel struct {
	pool   *pgxpool.Pool
	broker *Broker
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgresChannel creates a channel over the given pool. Call Start to
// begin listening.
func NewPostgresChannel(pool *pgxpool.Pool) *PostgresChannel {
	return &PostgresChannel{
		pool:   pool,
		broker: NewBroker(),
		done:   make(chan struct{}),
	}
}

// Start acquires a dedicated connection, issues LISTEN, and runs the receive
// loop until Close or ctx cancellation. Connection loss triggers re-listen
// with a short delay.
func (c *PostgresChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	// Fail fast when the first LISTEN cannot be established.
	conn, err := c.listen(ctx)
	if err != nil {
		return err
	}

	go c.run(ctx, conn)
	return nil
}

func (c *PostgresChannel) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}
	return conn, nil
}

func (c *PostgresChannel) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(c.done)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			var err error
			conn, err = c.listen(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("re-establishing message event listener failed")
				continue
			}
		}

		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("message event listener dropped; reconnecting")
			conn.Release()
			conn = nil
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("payload", notification.Payload).Msg("malformed message event payload")
			continue
		}
		c.broker.Publish(ev)
	}
}

// Subscribe registers a per-conversation handler.
func (c *PostgresChannel) Subscribe(ctx context.Context, conversationID string, fn HandlerFunc) (Handle, error) {
	return c.broker.Subscribe(ctx, conversationID, fn)
}

// Close stops the listener and waits for the receive loop to exit.
func (c *PostgresChannel) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}
