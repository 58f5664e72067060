// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package topicfilter

import (
	"errors"

	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
)

// NewFilter returns a middleware that filters traffic so that messages outside the device namespace are ignored
func NewFilter() *Filter {
	return &Filter{}
}

// Filter middleware
type Filter struct{}

// ErrNotUplink is returned for messages on topics that only the controller publishes on
var ErrNotUplink = errors.New("topicfilter: topic does not carry device traffic")

type topicKey struct{}

// FromContext returns the parsed topic that the Filter stored in the middleware context
func FromContext(ctx middleware.Context) (topic.Topic, bool) {
	t, ok := ctx.Get(topicKey{}).(topic.Topic)
	return t, ok
}

// HandleInbound blocks messages on unknown topics
func (*Filter) HandleInbound(ctx middleware.Context, msg *types.InboundMessage) error {
	t, err := topic.Parse(msg.Topic)
	if err != nil {
		return err
	}
	if t.Direction()&topic.Uplink == 0 {
		return ErrNotUplink
	}
	ctx.Set(topicKey{}, t)
	return nil
}
