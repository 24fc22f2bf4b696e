package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned when the connection is closed.
	ErrNotConnected = errors.New("not connected to RabbitMQ")
	// ErrPublishNacked is returned when the broker refuses to take a message.
	ErrPublishNacked = errors.New("publish nacked by broker")
)

// UnroutableError is returned when a mandatory publication reached no queue.
type UnroutableError struct {
	Exchange   string
	RoutingKey string
	ReplyCode  uint16
	ReplyText  string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("message returned by broker (exchange=%q, routing_key=%q): %d %s",
		e.Exchange, e.RoutingKey, e.ReplyCode, e.ReplyText)
}

// DefaultDelayTiers are the fixed TTLs of the delay queues declared per kind.
var DefaultDelayTiers = []time.Duration{
	time.Second,
	5 * time.Second,
	15 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// Exchange routes jobs to one queue per kind; the routing key is the kind.
	Exchange string
	// DeadLetterExchange receives jobs rejected after their last attempt.
	DeadLetterExchange string
	QueuePrefix        string
	Kinds              []string
	// DelayTiers overrides DefaultDelayTiers.
	DelayTiers []time.Duration

	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	PublishRetries    int
	PublishRetryDelay time.Duration
}

// AMQPURL renders the broker URL.
func (c *Config) AMQPURL() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.VHost,
	}
	if c.VHost == "/" || c.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// WorkQueue is the queue consumed for kind.
func (c *Config) WorkQueue(kind string) string {
	return c.QueuePrefix + kind
}

// DelayQueue holds jobs of kind for exactly tier before they return to the
// work queue. Every message in it shares the same TTL, so expiry order
// matches arrival order.
func (c *Config) DelayQueue(kind string, tier time.Duration) string {
	return c.QueuePrefix + kind + ".delay." + tierName(tier)
}

// Tiers returns the configured delay tiers in ascending order.
func (c *Config) Tiers() []time.Duration {
	src := c.DelayTiers
	if len(src) == 0 {
		src = DefaultDelayTiers
	}
	tiers := make([]time.Duration, 0, len(src))
	for _, t := range src {
		if t > 0 {
			tiers = append(tiers, t)
		}
	}
	if len(tiers) == 0 {
		return slices.Clone(DefaultDelayTiers)
	}
	slices.Sort(tiers)
	return slices.Compact(tiers)
}

// DelayTier picks the longest tier not exceeding delay, or the shortest tier
// when delay is below all of them. A job parked in a tier shorter than its
// delay comes back early and is deferred again by the consumer.
func (c *Config) DelayTier(delay time.Duration) time.Duration {
	tiers := c.Tiers()
	tier := tiers[0]
	for _, t := range tiers {
		if t > delay {
			break
		}
		tier = t
	}
	return tier
}

func tierName(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// DeadQueue collects jobs of kind that exhausted their attempts.
func (c *Config) DeadQueue(kind string) string {
	return c.QueuePrefix + kind + ".dead"
}

// Message is a job publication.
type Message struct {
	Kind      string
	MessageID string
	Body      []byte
	Headers   amqp.Table
	// Delay parks the message in the kind's delay tier first, see DelayTier.
	Delay time.Duration
}

// Client represents a RabbitMQ client
type Client struct {
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	returns   chan amqp.Return
	consumers map[string]*amqp.Channel
}

// NewClient connects and declares the job topology.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		consumers: make(map[string]*amqp.Channel),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.AMQPURL(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	if err := c.openPublishChannel(); err != nil {
		c.conn.Close()
		return err
	}

	if err := c.setup(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.Exchange),
		slog.String("dead_letter_exchange", c.config.DeadLetterExchange),
		slog.Any("kinds", c.config.Kinds),
		slog.Any("delay_tiers", c.config.Tiers()),
	)
	return nil
}

// openPublishChannel opens the shared channel in confirm mode and registers
// for returns of unroutable mandatory publications.
func (c *Client) openPublishChannel() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	c.channel = ch
	c.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

// setup declares the exchanges and, per kind, the work and dead queues plus
// one delay queue per tier.
func (c *Client) setup() error {
	for _, exchange := range []string{c.config.Exchange, c.config.DeadLetterExchange} {
		if err := c.channel.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	for _, kind := range c.config.Kinds {
		type queueDecl struct {
			name     string
			args     amqp.Table
			exchange string
		}
		queues := []queueDecl{
			{c.config.WorkQueue(kind), workQueueArgs(c.config.DeadLetterExchange, kind), c.config.Exchange},
			{c.config.DeadQueue(kind), nil, c.config.DeadLetterExchange},
		}
		for _, tier := range c.config.Tiers() {
			queues = append(queues, queueDecl{c.config.DelayQueue(kind, tier), delayQueueArgs(c.config.Exchange, kind, tier), ""})
		}

		for _, q := range queues {
			if _, err := c.channel.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
			}
			if q.exchange == "" {
				continue
			}
			if err := c.channel.QueueBind(q.name, kind, q.exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
			}
		}
	}
	return nil
}

func workQueueArgs(deadLetterExchange, kind string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": kind,
	}
}

func delayQueueArgs(exchange, kind string, tier time.Duration) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": kind,
		"x-message-ttl":             tier.Milliseconds(),
	}
}

// publishing builds the AMQP publication and its destination.
func (c *Client) publishing(msg Message) (exchange, key string, pub amqp.Publishing) {
	pub = amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Type:         msg.Kind,
		Timestamp:    time.Now().UTC(),
		Headers:      msg.Headers,
		Body:         msg.Body,
	}

	if msg.Delay > 0 {
		return "", c.config.DelayQueue(msg.Kind, c.config.DelayTier(msg.Delay)), pub
	}
	return c.config.Exchange, msg.Kind, pub
}

// Publish sends msg, retrying with exponential backoff.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	maxRetries := c.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	exchange, key, pub := c.publishing(msg)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = c.publishOnce(ctx, exchange, key, pub)
		if lastErr == nil {
			c.logger.Debug("Message published to RabbitMQ",
				slog.String("kind", msg.Kind),
				slog.String("message_id", msg.MessageID),
				slog.String("routing_key", key),
				slog.Duration("delay", msg.Delay),
			)
			return nil
		}

		var unroutable *UnroutableError
		if errors.As(lastErr, &unroutable) {
			// topology is missing, publishing again cannot succeed
			return lastErr
		}

		if attempt < maxRetries {
			backoff := baseDelay * time.Duration(1<<uint(attempt))
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoff),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// publishOnce publishes as mandatory and waits for the broker confirm. The
// channel is reopened when a previous channel exception closed it.
func (c *Client) publishOnce(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}
	if c.channel == nil || c.channel.IsClosed() {
		c.logger.Warn("RabbitMQ publish channel closed, reopening")
		if err := c.openPublishChannel(); err != nil {
			return err
		}
	}
	drainReturns(c.returns)

	confirm, err := c.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, pub)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm: %w", err)
	}
	return settlePublish(acked, c.returns, exchange, key)
}

// settlePublish maps a confirm to an error. The broker sends basic.return
// before the ack of the same publication, so a return is already buffered
// when the ack arrives.
func settlePublish(acked bool, returns <-chan amqp.Return, exchange, key string) error {
	if !acked {
		return ErrPublishNacked
	}
	select {
	case ret, ok := <-returns:
		if !ok {
			return nil
		}
		return &UnroutableError{
			Exchange:   exchange,
			RoutingKey: key,
			ReplyCode:  ret.ReplyCode,
			ReplyText:  ret.ReplyText,
		}
	default:
		return nil
	}
}

// drainReturns discards returns left over from abandoned publications.
func drainReturns(returns <-chan amqp.Return) {
	for {
		select {
		case _, ok := <-returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Consume opens a dedicated channel limited to prefetch unacknowledged
// deliveries and starts consuming the work queue of kind.
func (c *Client) Consume(kind, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	queue := c.config.WorkQueue(kind)
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}
	c.consumers[consumerTag] = ch

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch", prefetch),
	)
	return deliveries, nil
}

// Cancel stops deliveries for consumerTag. Unacknowledged deliveries stay on
// the channel until it is closed, so in-flight jobs can still be acked.
func (c *Client) Cancel(consumerTag string) error {
	c.mu.Lock()
	ch, ok := c.consumers[consumerTag]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", consumerTag, err)
	}
	return nil
}

// Close closes consumer channels and the connection.
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	defer c.mu.Unlock()

	for tag, ch := range c.consumers {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close consumer channel",
				slog.String("consumer_tag", tag),
				slog.Any("error", err),
			)
		}
	}
	c.consumers = make(map[string]*amqp.Channel)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}
