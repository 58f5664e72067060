// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/ttn/utils/random"
	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rspcontroller/rsp-downstream/backend"
	"github.com/rspcontroller/rsp-downstream/types"
)

// PublishTimeout is the timeout before returning from publish without checking error
var PublishTimeout = 50 * time.Millisecond

// SubscribeTimeout is the time to wait for a subscription to be acknowledged
var SubscribeTimeout = 5 * time.Second

// SubscribeQoS is the maximum QoS requested for subscriptions
var SubscribeQoS byte = 0x01

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	Username  string
	Password  string
	ClientID  string
	TLSConfig *tls.Config
}

// MQTT transport to the downstream devices
type MQTT struct {
	ctx    log.Interface
	client paho.Client

	mu          sync.Mutex
	filters     []string
	handler     backend.MessageHandler
	established []func()
}

// New returns a new MQTT
func New(config Config, ctx log.Interface) (*MQTT, error) {
	mqtt := new(MQTT)

	mqtt.ctx = ctx.WithField("Connector", "MQTT")

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("rsp-controller-%s", random.String(16))
	}
	mqttOpts.SetClientID(config.ClientID)
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetAutoReconnect(true)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.WithField("Topic", msg.Topic()).Debug("Received message outside of subscriptions")
		mqtt.handle(msg)
	})
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.Warnf("Disconnected (%s). Reconnecting...", err.Error())
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.Info("Connected")
		mqtt.onConnect()
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// Connect to MQTT
func (c *MQTT) Connect() error {
	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		token := c.client.Connect()
		finished := token.WaitTimeout(1 * time.Second)
		if !finished {
			c.ctx.Warn("MQTT connection took longer than expected...")
			token.Wait()
		}
		err = token.Error()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to MQTT (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("Could not connect to MQTT (%s)", err)
	}
	return err
}

// Disconnect from MQTT
func (c *MQTT) Disconnect() error {
	c.client.Disconnect(100)
	return nil
}

// onConnect is called by paho on every (re)connect; with a clean session the
// broker has forgotten our subscriptions, so they are applied again before
// anyone is told the session is up.
func (c *MQTT) onConnect() {
	c.mu.Lock()
	filters := make([]string, len(c.filters))
	copy(filters, c.filters)
	callbacks := make([]func(), len(c.established))
	copy(callbacks, c.established)
	c.mu.Unlock()

	for _, filter := range filters {
		if err := c.subscribe(filter); err != nil {
			c.ctx.WithField("Filter", filter).WithError(err).Warn("Could not subscribe")
		}
	}
	for _, callback := range callbacks {
		callback()
	}
}

func (c *MQTT) subscribe(filter string) error {
	token := c.client.Subscribe(filter, SubscribeQoS, func(_ paho.Client, msg paho.Message) {
		c.handle(msg)
	})
	if !token.WaitTimeout(SubscribeTimeout) {
		return fmt.Errorf("subscribe to %s timed out", filter)
	}
	if err := token.Error(); err != nil {
		return err
	}
	c.ctx.WithField("Filter", filter).Debug("Subscribed")
	return nil
}

func (c *MQTT) handle(msg paho.Message) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		c.ctx.WithField("Topic", msg.Topic()).Warn("Received unhandled message on MQTT")
		return
	}
	handler(&types.InboundMessage{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Duplicate: msg.Duplicate(),
		Retained:  msg.Retained(),
	})
}

// Subscribe implements backend.Transport. The subscription is applied
// immediately when connected, and on every (re)connect.
func (c *MQTT) Subscribe(filter string) error {
	c.mu.Lock()
	for _, existing := range c.filters {
		if existing == filter {
			c.mu.Unlock()
			return nil
		}
	}
	c.filters = append(c.filters, filter)
	c.mu.Unlock()
	if c.client.IsConnectionOpen() {
		return c.subscribe(filter)
	}
	return nil
}

// Publish implements backend.Transport
func (c *MQTT) Publish(topic string, payload []byte, qos byte) error {
	if !c.client.IsConnectionOpen() {
		return backend.ErrNotConnected
	}
	ctx := c.ctx.WithField("Topic", topic)
	token := c.client.Publish(topic, qos, false, payload)
	if token.WaitTimeout(PublishTimeout) {
		if err := token.Error(); err != nil {
			if !c.client.IsConnectionOpen() {
				return backend.ErrNotConnected
			}
			return err
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
		return nil
	}
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not publish message")
			return
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
	}()
	return nil
}

// HandleMessages implements backend.Transport
func (c *MQTT) HandleMessages(handler backend.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// HandleEstablished implements backend.Transport
func (c *MQTT) HandleEstablished(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.established = append(c.established, callback)
}
