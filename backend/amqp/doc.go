// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects to an AMQP server in order to communicate with RSP and
// GPIO devices.
//
// Devices talk MQTT to the broker (for example the RabbitMQ MQTT plugin), which
// maps topics onto the routing keys of a topic exchange: "rfid/rsp/data/rsp-42"
// becomes "rfid.rsp.data.rsp-42". The controller consumes from one exclusive
// queue that is bound once for every subscribed filter. Device IDs must not
// contain dots.
//
// AMQP has no retained messages. Redelivered messages are passed on as
// duplicates.
package amqp
