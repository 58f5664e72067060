// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	"github.com/rspcontroller/rsp-downstream/backend"
	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/middleware/deduplicate"
	"github.com/rspcontroller/rsp-downstream/middleware/retained"
	"github.com/rspcontroller/rsp-downstream/middleware/topicfilter"
	"github.com/rspcontroller/rsp-downstream/topic"
)

// Config of the downstream gateway
type Config struct {
	// DeviceID of the controller, used in the controller status notification
	DeviceID string
	// BrokerURI is reported in the health summary
	BrokerURI string
}

// State of the downstream session
type State int32

// Session states
const (
	StateUnconnected State = iota
	StateSubscribed
	StateAnnounced
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateAnnounced:
		return "ANNOUNCED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Gateway mediates all traffic between the controller and the devices in the field.
//
// Inbound deliveries pass the middleware chain and are then handed to a single Dispatch.
// Outbound traffic goes through the Publish methods. Every time the transport establishes
// a session, the controller announces itself on the controller status topics.
type Gateway struct {
	config    Config
	ctx       log.Interface
	transport backend.Transport

	mu       sync.RWMutex
	dispatch Dispatch
	chain    middleware.Chain
	started  bool
	stopped  bool

	hooks      sync.Once
	subscribed mapset.Set
	state      int32

	announceMu sync.Mutex
}

// New returns a new Gateway on top of the given transport
func New(config Config, transport backend.Transport, ctx log.Interface) *Gateway {
	return &Gateway{
		config:    config,
		ctx:       ctx.WithField("DeviceID", config.DeviceID),
		transport: transport,
		chain: middleware.Chain{
			retained.New(),
			deduplicate.NewDeduplicate(),
			topicfilter.NewFilter(),
		},
		subscribed: mapset.NewSet(),
	}
}

// SetDispatch registers the consumer of inbound messages. It must be called before Start.
// A nil dispatch is refused with ErrNoDispatch, a dispatch after Start with ErrAlreadyStarted.
func (g *Gateway) SetDispatch(dispatch Dispatch) error {
	if isNil(dispatch) {
		return ErrNoDispatch
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}
	g.dispatch = dispatch
	return nil
}

func isNil(dispatch Dispatch) bool {
	switch dispatch := dispatch.(type) {
	case nil:
		return true
	case DispatchFunc:
		return dispatch == nil
	}
	return false
}

// Use adds middleware to the chain. Inbound middleware runs after the delivery and topic filters.
func (g *Gateway) Use(middleware ...interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chain = append(g.chain, middleware...)
}

// State returns the current session state
func (g *Gateway) State() State {
	return State(atomic.LoadInt32(&g.state))
}

func (g *Gateway) setState(state State) {
	atomic.StoreInt32(&g.state, int32(state))
}

// Start subscribes to all device traffic and connects the transport.
// When Start fails, it can be called again.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if isNil(g.dispatch) {
		g.mu.Unlock()
		g.ctx.Error("No dispatch registered, not subscribing")
		return ErrNoDispatch
	}
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.mu.Unlock()

	g.hooks.Do(func() {
		g.transport.HandleMessages(g.handleInbound)
		g.transport.HandleEstablished(g.announce)
	})

	for _, filter := range topic.Subscriptions() {
		if !g.subscribed.Add(filter) {
			continue
		}
		if err := g.transport.Subscribe(filter); err != nil {
			g.ctx.WithField("Filter", filter).WithError(err).Error("Could not subscribe")
			g.subscribed.Remove(filter)
			g.abortStart()
			return err
		}
		g.ctx.WithField("Filter", filter).Debug("Subscribed")
	}
	g.setState(StateSubscribed)

	if err := g.transport.Connect(); err != nil {
		g.ctx.WithError(err).Error("Could not connect transport")
		g.setState(StateUnconnected)
		g.abortStart()
		return err
	}
	g.ctx.Info("Started")
	return nil
}

func (g *Gateway) abortStart() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = false
}

// Stop announces the shutdown of the controller and disconnects the transport.
// The gateway can not be started again.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.started || g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	g.mu.Unlock()

	g.shutdown()
	if err := g.transport.Disconnect(); err != nil {
		g.ctx.WithError(err).Warn("Could not disconnect transport")
		return err
	}
	g.ctx.Info("Stopped")
	return nil
}
