// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import "encoding/json"

// InboundMessage is a delivery from the transport. It only lives for the duration of dispatch.
type InboundMessage struct {
	Topic     string
	Payload   []byte
	Duplicate bool
	Retained  bool
}

// OutboundMessage is used internally
type OutboundMessage struct {
	Topic    string
	DeviceID string
	Payload  []byte
}

// JSONRPCVersion is set on all notifications the controller originates
const JSONRPCVersion = "2.0"

// Notification is a JSON-RPC notification
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// ControllerStatus is the status code a controller publishes on the controller status topic
type ControllerStatus string

// Controller statuses
const (
	ControllerStarted      ControllerStatus = "RSP_CONTROLLER_STARTED"
	ControllerShuttingDown ControllerStatus = "RSP_CONTROLLER_SHUTTING_DOWN"
)

// ControllerStatusUpdateMethod is the method of the controller status notification
const ControllerStatusUpdateMethod = "rsp_controller_status_update"

// ControllerStatusUpdate is the params object of the controller status notification
type ControllerStatusUpdate struct {
	DeviceID string           `json:"device_id"`
	Status   ControllerStatus `json:"status"`
}

// NewControllerStatusUpdate returns the controller status notification for the controller's device ID
func NewControllerStatusUpdate(deviceID string, status ControllerStatus) *Notification {
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Method:  ControllerStatusUpdateMethod,
		Params: &ControllerStatusUpdate{
			DeviceID: deviceID,
			Status:   status,
		},
	}
}

// Marshal the notification
func (n *Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

// Summary of the topics the downstream gateway uses
type Summary struct {
	BrokerURI  string   `json:"broker_uri"`
	Subscribes []string `json:"subscribes"`
	Publishes  []string `json:"publishes"`
}
