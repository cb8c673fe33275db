// Package events fans trip lifecycle notifications out to a RabbitMQ
// exchange. Downstream collaborators (push notification workers, audit)
// bind their own queues; the engine only declares the exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

const (
	exchangeName = "trip-lifecycle"

	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second
	confirmWait    = 10 * time.Second
)

var (
	errNotConnected = errors.New("not connected to a server")
	errShutdown     = errors.New("publisher is shutting down")
)

// Publisher maintains a confirm-mode channel to RabbitMQ and republishes
// the connection after failures. Publish is best-effort with one confirm
// per message; callers treat failures as non-fatal.
type Publisher struct {
	mu              sync.Mutex
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	isReady         bool
	log             *logrus.Logger
}

// New creates a publisher and starts connecting in the background.
func New(addr string, log *logrus.Logger) *Publisher {
	p := &Publisher{
		done: make(chan struct{}),
		log:  log,
	}
	go p.handleReconnect(addr)
	return p
}

func (p *Publisher) handleReconnect(addr string) {
	for {
		p.mu.Lock()
		p.isReady = false
		p.mu.Unlock()

		conn, err := amqp.Dial(addr)
		if err != nil {
			p.log.WithError(err).Warn("amqp connect failed, retrying")
			select {
			case <-p.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}
		p.setConnection(conn)
		p.log.Info("amqp connected")

		if p.handleReInit(conn) {
			return
		}
	}
}

// handleReInit keeps the channel alive on the given connection. Returns
// true on shutdown, false when the connection itself died.
func (p *Publisher) handleReInit(conn *amqp.Connection) bool {
	for {
		if err := p.init(conn); err != nil {
			p.log.WithError(err).Warn("amqp channel init failed, retrying")
			select {
			case <-p.done:
				return true
			case <-p.notifyConnClose:
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-p.done:
			return true
		case <-p.notifyConnClose:
			p.log.Warn("amqp connection closed, reconnecting")
			return false
		case <-p.notifyChanClose:
			p.log.Warn("amqp channel closed, reinitializing")
		}
	}
}

func (p *Publisher) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(
		exchangeName,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	p.mu.Lock()
	p.channel = ch
	p.notifyChanClose = make(chan *amqp.Error, 1)
	p.notifyConfirm = make(chan amqp.Confirmation, 1)
	ch.NotifyClose(p.notifyChanClose)
	ch.NotifyPublish(p.notifyConfirm)
	p.isReady = true
	p.mu.Unlock()
	return nil
}

func (p *Publisher) setConnection(conn *amqp.Connection) {
	p.mu.Lock()
	p.connection = conn
	p.notifyConnClose = make(chan *amqp.Error, 1)
	conn.NotifyClose(p.notifyConnClose)
	p.mu.Unlock()
}

// PublishLifecycle sends one event and waits for the broker confirm.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev fleet.TripEvent) error {
	p.mu.Lock()
	ready := p.isReady
	ch := p.channel
	confirm := p.notifyConfirm
	p.mu.Unlock()
	if !ready {
		return errNotConnected
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode trip event: %w", err)
	}
	err = ch.PublishWithContext(ctx,
		exchangeName,
		"trip.lifecycle."+string(ev.Status), // ignored by fanout, kept for tracing
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.At,
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish trip event: %w", err)
	}

	select {
	case <-p.done:
		return errShutdown
	case <-ctx.Done():
		return ctx.Err()
	case c := <-confirm:
		if !c.Ack {
			return fmt.Errorf("trip event nacked (tag %d)", c.DeliveryTag)
		}
		return nil
	case <-time.After(confirmWait):
		return errors.New("trip event confirm timed out")
	}
}

// Close shuts the channel and connection down cleanly.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isReady {
		close(p.done)
		return nil
	}
	close(p.done)
	if err := p.channel.Close(); err != nil {
		return err
	}
	if err := p.connection.Close(); err != nil {
		return err
	}
	p.isReady = false
	return nil
}
