// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import (
	"errors"

	"github.com/rspcontroller/rsp-downstream/types"
)

// ErrNotConnected is returned by Publish when the transport has no live session
var ErrNotConnected = errors.New("transport not connected")

// MessageHandler is called for every delivery matching a subscription.
// It may be called concurrently with Publish.
type MessageHandler func(msg *types.InboundMessage)

// Transport is a publish/subscribe connection to the downstream devices
type Transport interface {
	// Connect establishes the session. Subscriptions are (re)applied on every establishment.
	Connect() error
	Disconnect() error
	// Subscribe registers a topic filter. Subscribing to the same filter twice has no effect.
	Subscribe(filter string) error
	Publish(topic string, payload []byte, qos byte) error
	// HandleMessages sets the handler for inbound deliveries
	HandleMessages(handler MessageHandler)
	// HandleEstablished adds a callback that is called after every successful session establishment
	HandleEstablished(callback func())
}
