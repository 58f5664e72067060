// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package retained drops retained deliveries. A retained message is the
// broker's last known value for a topic, replayed on subscribe; it is not
// fresh device activity.
package retained

import (
	"errors"

	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/types"
)

// New returns a middleware that drops retained deliveries
func New() *Retained {
	return &Retained{}
}

// Retained middleware
type Retained struct{}

// ErrRetainedMessage is returned for retained deliveries
var ErrRetainedMessage = errors.New("retained: message is a retained snapshot")

// HandleInbound blocks retained messages
func (*Retained) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	if msg.Retained {
		return ErrRetainedMessage
	}
	return nil
}
