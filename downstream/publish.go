// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/status/statusserver"
	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
)

// QoS used for all downstream traffic
const QoS byte = 1

// PublishConnectResponse publishes the response to an RSP connect request
func (g *Gateway) PublishConnectResponse(deviceID string, msg []byte) error {
	return g.publish(topic.Device(topic.RSP, topic.Connect, deviceID), msg)
}

// PublishCommand publishes a command to an RSP
func (g *Gateway) PublishCommand(deviceID string, msg []byte) error {
	return g.publish(topic.Device(topic.RSP, topic.Command, deviceID), msg)
}

// PublishControllerStatus publishes a controller status notification to all devices.
// The notification is published on the deprecated gateway status topic as well,
// so that older devices keep receiving it.
func (g *Gateway) PublishControllerStatus(msg []byte) error {
	if err := g.publish(topic.Topic{Class: topic.RSP, Category: topic.ControllerStatus}, msg); err != nil {
		return err
	}
	return g.PublishGatewayStatus(msg)
}

// PublishGatewayStatus publishes on the deprecated gateway status topic only
func (g *Gateway) PublishGatewayStatus(msg []byte) error {
	return g.publish(topic.Topic{Class: topic.RSP, Category: topic.GatewayStatus}, msg)
}

// PublishGPIOConnectResponse publishes the response to a GPIO connect request
func (g *Gateway) PublishGPIOConnectResponse(deviceID string, msg []byte) error {
	return g.publish(topic.Device(topic.GPIO, topic.Connect, deviceID), msg)
}

// PublishGPIOCommand publishes a command to a GPIO device
func (g *Gateway) PublishGPIOCommand(deviceID string, msg []byte) error {
	return g.publish(topic.Device(topic.GPIO, topic.Command, deviceID), msg)
}

func (g *Gateway) publish(t topic.Topic, payload []byte) error {
	name := t.String()
	ctx := g.ctx.WithField("Topic", name)

	g.mu.RLock()
	chain := g.chain
	g.mu.RUnlock()

	msg := &types.OutboundMessage{Topic: name, DeviceID: t.DeviceID, Payload: payload}
	if err := chain.Execute(middleware.NewContext(), msg); err != nil {
		ctx.WithError(err).Debug("Refused outbound message")
		registerPublish(t.Category, err)
		return &PublishError{Topic: name, Err: err}
	}

	if err := g.transport.Publish(name, payload, QoS); err != nil {
		ctx.WithError(err).Warn("Could not publish")
		registerPublish(t.Category, err)
		return &PublishError{Topic: name, Err: err}
	}
	registerPublish(t.Category, nil)
	statusserver.Outbound()
	ctx.Debug("Published")
	return nil
}
