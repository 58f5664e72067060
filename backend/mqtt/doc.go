// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects to an MQTT broker in order to communicate with RSP and
// GPIO devices.
//
// Topic filters passed to Subscribe are remembered and applied again every
// time the connection is (re)established, after which the established
// callbacks run. Deliveries are passed on with the broker's duplicate and
// retained flags; filtering them is up to the caller.
//
// Publish waits up to PublishTimeout for the broker to acknowledge. When the
// acknowledgement takes longer, Publish returns without error and the outcome
// is logged. This keeps message handlers that publish from stalling the
// delivery of other messages.
package mqtt
