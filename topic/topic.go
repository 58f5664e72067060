// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package topic maps the downstream topic namespace of the RSP controller.
//
// Every topic has the shape "<prefix>/<category>[/<device-id>]". Devices of
// class "rsp" (RFID sensor platforms) live under "rfid/rsp", GPIO devices live
// under "rfid/gpio". The device ID is only ever an addressing token: there is
// no registry of devices besides the topics they publish on.
package topic

import (
	"errors"
	"strings"
)

// DeviceClass is a class of downstream device with its own topic prefix
type DeviceClass string

// Device classes
const (
	RSP  DeviceClass = "rsp"
	GPIO DeviceClass = "gpio"
)

// Root of the downstream namespace
const Root = "rfid"

// Prefix returns the topic prefix of the device class
func (c DeviceClass) Prefix() string {
	return Root + "/" + string(c)
}

// Category of a topic within a device class namespace
type Category string

// Categories
const (
	Command          Category = "command"
	Connect          Category = "connect"
	Data             Category = "data"
	Response         Category = "response"
	RSPStatus        Category = "rsp_status"
	ControllerStatus Category = "controller_status"
	// Deprecated: alias of ControllerStatus, still published for older devices
	GatewayStatus Category = "gw_status"
	GPIOStatus    Category = "status"
)

// Direction of the traffic on a category
type Direction int

// Directions
const (
	Downlink Direction = 1 << iota // controller to device(s)
	Uplink                         // device to controller
)

// Addressing of a category
type Addressing int

// Addressing modes
const (
	// Broadcast categories never carry a device ID
	Broadcast Addressing = iota
	// Addressed categories always carry a device ID
	Addressed
	// Announce categories carry a device ID except when a device announces itself on the bare topic
	Announce
)

type category struct {
	direction  Direction
	addressing Addressing
}

var namespace = map[DeviceClass]map[Category]category{
	RSP: {
		Command:          {Downlink, Addressed},
		Connect:          {Downlink | Uplink, Announce},
		Data:             {Uplink, Addressed},
		Response:         {Uplink, Addressed},
		RSPStatus:        {Uplink, Addressed},
		ControllerStatus: {Downlink, Broadcast},
		GatewayStatus:    {Downlink, Broadcast},
	},
	GPIO: {
		Command:    {Downlink, Addressed},
		Connect:    {Downlink | Uplink, Announce},
		Response:   {Uplink, Addressed},
		GPIOStatus: {Uplink, Addressed},
	},
}

// ErrUnknownTopic is returned when a topic does not belong to the downstream namespace
var ErrUnknownTopic = errors.New("topic: unknown topic")

// Topic is a parsed downstream topic
type Topic struct {
	Class    DeviceClass
	Category Category
	DeviceID string
}

// String builds the topic name
func (t Topic) String() string {
	name := t.Class.Prefix() + "/" + string(t.Category)
	if t.DeviceID != "" {
		name += "/" + t.DeviceID
	}
	return name
}

// Direction returns the direction of the topic's category
func (t Topic) Direction() Direction {
	return namespace[t.Class][t.Category].direction
}

// Addressing returns the addressing mode of the topic's category
func (t Topic) Addressing() Addressing {
	return namespace[t.Class][t.Category].addressing
}

// Valid returns whether the topic is part of the namespace
func (t Topic) Valid() bool {
	def, ok := namespace[t.Class][t.Category]
	if !ok {
		return false
	}
	if strings.Contains(t.DeviceID, "/") {
		return false
	}
	switch def.addressing {
	case Broadcast:
		return t.DeviceID == ""
	case Addressed:
		return t.DeviceID != ""
	}
	return true
}

// Device returns the addressed topic for a device
func Device(class DeviceClass, category Category, deviceID string) Topic {
	return Topic{Class: class, Category: category, DeviceID: deviceID}
}

// Parse a topic name by its positional segments: prefix, category and optional device ID
func Parse(name string) (Topic, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != Root {
		return Topic{}, ErrUnknownTopic
	}
	t := Topic{Class: DeviceClass(parts[1]), Category: Category(parts[2])}
	if len(parts) == 4 {
		if parts[3] == "" {
			return Topic{}, ErrUnknownTopic
		}
		t.DeviceID = parts[3]
	}
	if !t.Valid() {
		return Topic{}, ErrUnknownTopic
	}
	return t, nil
}

// Filter returns the subscription filter for all devices on a category.
// Broadcast categories are returned without wildcard.
func Filter(class DeviceClass, category Category) string {
	t := Topic{Class: class, Category: category}
	if t.Addressing() == Broadcast {
		return t.String()
	}
	return t.String() + "/#"
}

// Subscriptions returns the filters for all device-originated traffic, in subscription order
func Subscriptions() []string {
	return []string{
		Filter(RSP, Connect),
		Filter(RSP, Response),
		Filter(RSP, RSPStatus),
		Filter(RSP, Data),
		Filter(GPIO, Connect),
		Filter(GPIO, Response),
		Filter(GPIO, GPIOStatus),
	}
}

// Publishes returns the topics (without device ID) the controller publishes on
func Publishes() []string {
	return []string{
		Topic{Class: RSP, Category: Command}.String(),
		Topic{Class: RSP, Category: Connect}.String(),
		Topic{Class: RSP, Category: ControllerStatus}.String(),
		Topic{Class: RSP, Category: GatewayStatus}.String(),
		Topic{Class: GPIO, Category: Command}.String(),
		Topic{Class: GPIO, Category: Connect}.String(),
	}
}

// Categories returns the categories of a device class
func Categories(class DeviceClass) []Category {
	categories := make([]Category, 0, len(namespace[class]))
	for category := range namespace[class] {
		categories = append(categories, category)
	}
	return categories
}
