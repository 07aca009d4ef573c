// Package amqp forwards cycle events to a RabbitMQ queue.
package amqp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Client keeps one confirmed channel to the broker and reconnects in the
// background.
type Client struct {
	m               *sync.Mutex
	log             *slog.Logger
	connection      *amqp091.Connection
	channel         *amqp091.Channel
	done            chan bool
	notifyConnClose chan *amqp091.Error
	notifyChanClose chan *amqp091.Error
	notifyConfirm   chan amqp091.Confirmation
	queueName       string
	durable         bool
	isReady         bool
}

// New starts connecting to addr in the background.
func New(queueName, addr string, durable bool, l *slog.Logger) *Client {
	client := Client{
		m:         &sync.Mutex{},
		log:       l,
		queueName: queueName,
		durable:   durable,
		done:      make(chan bool),
	}
	go client.handleReconnect(addr)
	return &client
}

func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.log.Info("attempting to connect", "queue", client.queueName)

		conn, err := client.connect(addr)
		if err != nil {
			client.log.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

func (client *Client) connect(addr string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(addr)
	if err != nil {
		return nil, err
	}

	client.changeConnection(conn)
	client.log.Info("connected")
	return conn, nil
}

// handleReInit waits for a channel error and then re-initializes the
// channel. It returns true once the client is closed.
func (client *Client) handleReInit(conn *amqp091.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.log.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.log.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.log.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.log.Info("channel closed, re-running init...")
		}
	}
}

func (client *Client) init(conn *amqp091.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}
	_, err = ch.QueueDeclare(
		client.queueName,
		client.durable, // Durable
		false,          // Delete when unused
		false,          // Exclusive
		false,          // No-wait
		nil,            // Arguments
	)
	if err != nil {
		return err
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.log.Info("client init done")

	return nil
}

func (client *Client) changeConnection(connection *amqp091.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp091.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp091.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp091.Error, 1)
	client.notifyConfirm = make(chan amqp091.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

func nextBackoff(b time.Duration) time.Duration {
	b *= backoffMultiplier
	if b > maxBackoff {
		b = maxBackoff
	}
	return b
}

// Push publishes data and waits for the broker's confirmation, retrying with
// exponential backoff while the client is not connected.
func (client *Client) Push(ctx context.Context, data []byte) error {
	backoff := initialBackoff

	for retry := 0; ; retry++ {
		if retry >= maxRetryAttempts {
			return errMaxRetriesExceeded
		}

		if err := client.UnsafePush(ctx, data); err == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case confirm := <-client.confirmations():
				if confirm.Ack {
					return nil
				}
				client.log.Warn("push not acknowledged, retrying", "delivery_tag", confirm.DeliveryTag)
			}
		} else {
			client.log.Debug("push failed, retrying with backoff", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		}
	}
}

func (client *Client) confirmations() chan amqp091.Confirmation {
	client.m.Lock()
	defer client.m.Unlock()
	return client.notifyConfirm
}

// UnsafePush publishes without waiting for a confirmation.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         data,
		},
	)
}

// Close shuts down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady {
		select {
		case <-client.done:
		default:
			close(client.done)
		}
		return errAlreadyClosed
	}
	close(client.done)
	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}

	client.isReady = false
	return nil
}
