// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
)

// Summary returns the broker URI and the topics the gateway subscribes and publishes on
func (g *Gateway) Summary() *types.Summary {
	return &types.Summary{
		BrokerURI:  g.config.BrokerURI,
		Subscribes: topic.Subscriptions(),
		Publishes:  topic.Publishes(),
	}
}
