// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/status/statusserver"
	"github.com/rspcontroller/rsp-downstream/types"
)

// Dispatch consumes inbound device traffic. OnMessage may be called concurrently
// when the transport delivers concurrently. The message is only valid during the call.
type Dispatch interface {
	OnMessage(topic string, msg *types.InboundMessage)
}

// DispatchFunc adapts a function to a Dispatch
type DispatchFunc func(topic string, msg *types.InboundMessage)

// OnMessage implements Dispatch
func (f DispatchFunc) OnMessage(topic string, msg *types.InboundMessage) {
	f(topic, msg)
}

func (g *Gateway) handleInbound(msg *types.InboundMessage) {
	g.mu.RLock()
	dispatch, chain := g.dispatch, g.chain
	g.mu.RUnlock()

	statusserver.Inbound()
	if err := chain.Execute(middleware.NewContext(), msg); err != nil {
		reason := dropReason(err)
		g.ctx.WithField("Topic", msg.Topic).WithField("Reason", reason).WithError(err).Debug("Dropped inbound message")
		inboundCounter.WithLabelValues(reason).Inc()
		statusserver.Dropped()
		return
	}

	dispatch.OnMessage(msg.Topic, msg)
	inboundCounter.WithLabelValues(resultDispatched).Inc()
}
