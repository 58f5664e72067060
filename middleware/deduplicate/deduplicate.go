// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"errors"

	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/types"
)

// NewDeduplicate returns a middleware that drops deliveries the transport marked as duplicate
func NewDeduplicate() *Deduplicate {
	return &Deduplicate{}
}

// Deduplicate middleware. It trusts the duplicate flag of the transport and
// keeps no message history of its own.
type Deduplicate struct{}

// ErrDuplicateMessage is returned when an inbound message is a redelivery
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

// HandleInbound blocks duplicate messages
func (d *Deduplicate) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	if msg.Duplicate {
		return ErrDuplicateMessage
	}
	return nil
}
