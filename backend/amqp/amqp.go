// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"errors"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/rspcontroller/rsp-downstream/backend"
	"github.com/rspcontroller/rsp-downstream/types"
	"github.com/streadway/amqp"
)

// Config contains configuration for AMQP
type Config struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	QueueName    string
	TLSConfig    *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// AMQP transport to the downstream devices
type AMQP struct {
	config Config
	ctx    log.Interface

	mu          sync.Mutex
	publishMu   sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	filters     []string
	handler     backend.MessageHandler
	established []func()
	done        chan struct{}
}

// New returns a new AMQP
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}
	if config.QueueName == "" {
		config.QueueName = "rsp-controller"
		if user, err := user.Current(); err == nil {
			config.QueueName += "-" + user.Username
		}
		if hostname, err := os.Hostname(); err == nil {
			config.QueueName += "@" + hostname
		}
	}
	return &AMQP{
		config: config,
		ctx:    ctx.WithField("Connector", "AMQP"),
		done:   make(chan struct{}),
	}, nil
}

// RoutingKey converts an MQTT-style topic or filter to an AMQP routing key
func RoutingKey(topic string) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "+" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}

// Topic converts an AMQP routing key to an MQTT-style topic
func Topic(routingKey string) string {
	return strings.Replace(routingKey, ".", "/", -1)
}

func (c *AMQP) dial() (*amqp.Connection, error) {
	if c.config.TLSConfig != nil {
		return amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	}
	return amqp.Dial(c.config.url())
}

func (c *AMQP) setup(conn *amqp.Connection) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
		// A failed passive declare closes the channel
		if ch, err = conn.Channel(); err != nil {
			return nil, nil, err
		}
		if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return nil, nil, err
		}
	}
	if _, err := ch.QueueDeclare(c.config.QueueName, false, true, true, false, nil); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	filters := make([]string, len(c.filters))
	copy(filters, c.filters)
	c.mu.Unlock()
	for _, filter := range filters {
		if err := ch.QueueBind(c.config.QueueName, RoutingKey(filter), c.config.ExchangeName, false, nil); err != nil {
			return nil, nil, err
		}
		c.ctx.WithField("Filter", filter).Debug("Subscribed")
	}
	consumer, err := conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	deliveries, err := consumer.Consume(c.config.QueueName, "", false, true, false, false, nil)
	if err != nil {
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (c *AMQP) connect() (err error) {
	for retries := 0; retries < ConnectRetries; retries++ {
		var conn *amqp.Connection
		conn, err = c.dial()
		if err == nil {
			var ch *amqp.Channel
			var deliveries <-chan amqp.Delivery
			ch, deliveries, err = c.setup(conn)
			if err == nil {
				c.mu.Lock()
				c.conn, c.channel = conn, ch
				callbacks := make([]func(), len(c.established))
				copy(callbacks, c.established)
				c.mu.Unlock()
				c.ctx.Info("Connected")
				go c.consume(deliveries)
				go c.monitor(conn)
				for _, callback := range callbacks {
					callback()
				}
				return nil
			}
			conn.Close()
		}
		c.ctx.WithError(err).Warn("Error trying to connect")
		select {
		case <-c.done:
			return errors.New("amqp: disconnected")
		case <-time.After(ConnectRetryDelay):
		}
	}
	return err
}

// Connect to AMQP. The connection is re-established when it is lost.
func (c *AMQP) Connect() error {
	return c.connect()
}

func (c *AMQP) monitor(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-c.done:
		return
	case amqpErr, hasErr := <-closed:
		c.mu.Lock()
		if c.conn == conn {
			c.conn, c.channel = nil, nil
		}
		c.mu.Unlock()
		if !hasErr {
			c.ctx.Info("Connection closed")
			return
		}
		c.ctx.WithError(amqpErr).Warn("Connection lost. Reconnecting...")
	}
	if err := c.connect(); err != nil {
		c.ctx.WithError(err).Error("Could not reconnect")
	}
}

func (c *AMQP) consume(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			c.ctx.WithField("RoutingKey", delivery.RoutingKey).Warn("Received unhandled message on AMQP")
		} else {
			handler(&types.InboundMessage{
				Topic:     Topic(delivery.RoutingKey),
				Payload:   delivery.Body,
				Duplicate: delivery.Redelivered,
			})
		}
		delivery.Ack(false)
	}
}

// Disconnect from AMQP
func (c *AMQP) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.channel = nil, nil
	return err
}

// Subscribe implements backend.Transport
func (c *AMQP) Subscribe(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.filters {
		if existing == filter {
			return nil
		}
	}
	c.filters = append(c.filters, filter)
	if c.channel == nil {
		return nil
	}
	if err := c.channel.QueueBind(c.config.QueueName, RoutingKey(filter), c.config.ExchangeName, false, nil); err != nil {
		return err
	}
	c.ctx.WithField("Filter", filter).Debug("Subscribed")
	return nil
}

// Publish implements backend.Transport
func (c *AMQP) Publish(topic string, payload []byte, qos byte) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return backend.ErrNotConnected
	}
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	deliveryMode := amqp.Transient
	if qos > 0 {
		deliveryMode = amqp.Persistent
	}
	err := channel.Publish(c.config.ExchangeName, RoutingKey(topic), false, false, amqp.Publishing{
		DeliveryMode: deliveryMode,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		Body:         payload,
	})
	if err == amqp.ErrClosed {
		return backend.ErrNotConnected
	}
	if err != nil {
		return err
	}
	c.ctx.WithField("Topic", topic).Debug("Published message")
	return nil
}

// HandleMessages implements backend.Transport
func (c *AMQP) HandleMessages(handler backend.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// HandleEstablished implements backend.Transport
func (c *AMQP) HandleEstablished(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.established = append(c.established, callback)
}
