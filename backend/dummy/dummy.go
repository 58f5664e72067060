// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"sync"

	"github.com/apex/log"
	"github.com/rspcontroller/rsp-downstream/backend"
	"github.com/rspcontroller/rsp-downstream/types"
)

// BufferSize indicates the maximum number of published messages that should be buffered
var BufferSize = 10

// Publication is a message that was published on the dummy transport
type Publication struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// Dummy transport
type Dummy struct {
	mu          sync.Mutex
	ctx         log.Interface
	connected   bool
	filters     []string
	handler     backend.MessageHandler
	established []func()
	published   []Publication
	publish     chan Publication
}

// New returns a new Dummy transport
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:     ctx.WithField("Connector", "Dummy"),
		publish: make(chan Publication, BufferSize),
	}
}

// Connect implements backend.Transport
func (d *Dummy) Connect() error {
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	d.ctx.Debug("Connected")
	d.establish()
	return nil
}

// Reconnect simulates a lost and re-established session
func (d *Dummy) Reconnect() {
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	d.ctx.Debug("Reconnected")
	d.establish()
}

func (d *Dummy) establish() {
	d.mu.Lock()
	callbacks := make([]func(), len(d.established))
	copy(callbacks, d.established)
	d.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

// Disconnect implements backend.Transport
func (d *Dummy) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.ctx.Debug("Disconnected")
	return nil
}

// Subscribe implements backend.Transport
func (d *Dummy) Subscribe(filter string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.filters {
		if existing == filter {
			return nil
		}
	}
	d.filters = append(d.filters, filter)
	d.ctx.WithField("Filter", filter).Debug("Subscribed")
	return nil
}

// Filters returns the subscribed filters in subscription order
func (d *Dummy) Filters() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	filters := make([]string, len(d.filters))
	copy(filters, d.filters)
	return filters
}

// Publish implements backend.Transport
func (d *Dummy) Publish(topic string, payload []byte, qos byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.ctx.WithField("Topic", topic)
	if !d.connected {
		ctx.Debug("Did not publish [not connected]")
		return backend.ErrNotConnected
	}
	publication := Publication{Topic: topic, Payload: payload, QoS: qos}
	d.published = append(d.published, publication)
	select {
	case d.publish <- publication:
		ctx.Debug("Published")
	default:
		ctx.Debug("Published [buffer full]")
	}
	return nil
}

// Published returns everything that was published since the Dummy was created
func (d *Dummy) Published() []Publication {
	d.mu.Lock()
	defer d.mu.Unlock()
	published := make([]Publication, len(d.published))
	copy(published, d.published)
	return published
}

// PublishedOn returns what was published on the given topic
func (d *Dummy) PublishedOn(topic string) (published []Publication) {
	for _, publication := range d.Published() {
		if publication.Topic == topic {
			published = append(published, publication)
		}
	}
	return
}

// Publications returns a channel of publications
func (d *Dummy) Publications() <-chan Publication {
	return d.publish
}

// HandleMessages implements backend.Transport
func (d *Dummy) HandleMessages(handler backend.MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// HandleEstablished implements backend.Transport
func (d *Dummy) HandleEstablished(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.established = append(d.established, callback)
}

// Deliver simulates a delivery from the broker
func (d *Dummy) Deliver(msg *types.InboundMessage) {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		d.ctx.WithField("Topic", msg.Topic).Warn("Received unhandled message")
		return
	}
	handler(msg)
}
