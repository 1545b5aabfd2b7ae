// Package bus carries operator commands over a Redis pub/sub channel. The
// bus is a latency shortcut, not a source of truth: every command handler
// re-checks the ledger before acting, and a lost message is recovered by the
// next reconciliation pass.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Command names.
const (
	CmdProvision   = "CMD:PROVISION"
	CmdTerminate   = "CMD:TERMINATE"
	CmdReinstall   = "CMD:REINSTALL"
	CmdSyncCatalog = "CMD:SYNC_CATALOG"
	CmdReconcile   = "CMD:RECONCILE"
)

// Command is the wire envelope. CorrelationID threads a request through the
// action log so an operator can trace one command end to end.
type Command struct {
	Name          string `json:"command"`
	CorrelationID string `json:"correlation_id"`
	InstanceID    string `json:"instance_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Zone          string `json:"zone,omitempty"`
	InstanceType  string `json:"instance_type,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Graceful      bool   `json:"graceful,omitempty"`
}

// Publisher sends commands to the channel.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

// NewPublisher returns a Publisher for the given client and channel.
func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	return &Publisher{rdb: rdb, channel: channel}
}

// Publish sends cmd, assigning a correlation id if the caller did not.
func (p *Publisher) Publish(ctx context.Context, cmd Command) (string, error) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("bus: marshal %s: %w", cmd.Name, err)
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return "", fmt.Errorf("bus: publish %s: %w", cmd.Name, err)
	}
	return cmd.CorrelationID, nil
}

// HandlerFunc processes one command. Handlers must be idempotent; the same
// command can arrive more than once.
type HandlerFunc func(ctx context.Context, cmd Command) error

// Consumer subscribes to the channel and dispatches commands to handlers.
type Consumer struct {
	rdb      *redis.Client
	channel  string
	log      zerolog.Logger
	handlers map[string]HandlerFunc
}

// NewConsumer returns a Consumer with no handlers registered.
func NewConsumer(rdb *redis.Client, channel string, log zerolog.Logger) *Consumer {
	return &Consumer{
		rdb:      rdb,
		channel:  channel,
		log:      log.With().Str("component", "bus").Logger(),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for the named command.
func (c *Consumer) Handle(name string, fn HandlerFunc) {
	c.handlers[name] = fn
}

// Run subscribes and processes messages until ctx is cancelled. Handler
// errors are logged, never fatal: a bad command must not take the consumer
// down with it.
func (c *Consumer) Run(ctx context.Context) error {
	pubsub := c.rdb.Subscribe(ctx, c.channel)
	defer pubsub.Close()

	// Force the subscribe round-trip so a bad Redis config fails loudly at
	// startup instead of silently dropping commands.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", c.channel, err)
	}
	c.log.Info().Str("channel", c.channel).Msg("command bus listening")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus: subscription to %s closed", c.channel)
			}
			c.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

// dispatch decodes one payload and runs its handler.
func (c *Consumer) dispatch(ctx context.Context, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed command")
		return
	}
	handler, ok := c.handlers[cmd.Name]
	if !ok {
		c.log.Warn().Str("command", cmd.Name).Msg("dropping unknown command")
		return
	}
	log := c.log.With().
		Str("command", cmd.Name).
		Str("correlation_id", cmd.CorrelationID).
		Str("instance_id", cmd.InstanceID).
		Logger()
	log.Info().Msg("command received")
	if err := handler(ctx, cmd); err != nil {
		log.Error().Err(err).Msg("command failed")
		return
	}
	log.Info().Msg("command handled")
}
