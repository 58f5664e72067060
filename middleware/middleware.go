// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/rspcontroller/rsp-downstream/types"
)

// Context for middleware. A Context belongs to a single message.
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain. The first middleware that returns an error stops the chain.
func (c Chain) Execute(ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.InboundMessage:
		return c.filterInbound().Execute(ctx, msg)
	case *types.OutboundMessage:
		return c.filterOutbound().Execute(ctx, msg)
	}
	return nil
}

// Inbound middleware
type Inbound interface {
	HandleInbound(Context, *types.InboundMessage) error
}

type inboundChain []Inbound

func (c inboundChain) Execute(ctx Context, msg *types.InboundMessage) error {
	for _, middleware := range c {
		err := middleware.HandleInbound(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterInbound() (filtered inboundChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Inbound); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Outbound middleware
type Outbound interface {
	HandleOutbound(Context, *types.OutboundMessage) error
}

type outboundChain []Outbound

func (c outboundChain) Execute(ctx Context, msg *types.OutboundMessage) error {
	for _, middleware := range c {
		err := middleware.HandleOutbound(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterOutbound() (filtered outboundChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Outbound); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
