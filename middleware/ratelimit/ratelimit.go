// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	redis "gopkg.in/redis.v5"

	"github.com/TheThingsNetwork/go-utils/rate"
	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/middleware/topicfilter"
	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
)

// Limits per device per minute. Zero means unlimited.
type Limits struct {
	Inbound  int
	Outbound int
}

// NewRateLimit returns a middleware that rate-limits inbound and outbound messages per device
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		limits:  conf,
		devices: make(map[string]*limits),
	}
}

// NewRedisRateLimit returns a middleware that rate-limits inbound and outbound messages per device.
// The counters are kept in Redis, so that they are shared between controller instances.
func NewRedisRateLimit(client *redis.Client, conf Limits) *RateLimit {
	l := NewRateLimit(conf)
	l.client = client
	return l
}

// RateLimit inbound and outbound messages per device
type RateLimit struct {
	limits Limits
	client *redis.Client

	mu      sync.Mutex
	devices map[string]*limits
}

func (l *RateLimit) newLimiter(deviceID, direction string, limit int) rate.Limiter {
	if limit == 0 {
		return nil
	}
	var counter rate.Counter
	if l.client != nil {
		counter = rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s:%s", deviceID, direction), time.Second, time.Minute)
	} else {
		counter = rate.NewCounter(time.Second, time.Minute)
	}
	return rate.NewLimiter(counter, time.Minute, uint64(limit))
}

type limits struct {
	inbound  rate.Limiter
	outbound rate.Limiter
}

// get returns the limits of a device, creating them on first use
func (l *RateLimit) get(deviceID string) *limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limits, ok := l.devices[deviceID]; ok {
		return limits
	}
	limits := &limits{
		inbound:  l.newLimiter(deviceID, "inbound", l.limits.Inbound),
		outbound: l.newLimiter(deviceID, "outbound", l.limits.Outbound),
	}
	l.devices[deviceID] = limits
	return limits
}

// Forget removes the limits of a device
func (l *RateLimit) Forget(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.devices, deviceID)
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

func check(limiter rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	limit, err := limiter.Limit()
	if err != nil {
		return err
	}
	if limit {
		return ErrRateLimited
	}
	return nil
}

// HandleInbound rate-limits messages from devices
func (l *RateLimit) HandleInbound(ctx middleware.Context, msg *types.InboundMessage) error {
	if l.limits.Inbound == 0 {
		return nil
	}
	t, ok := topicfilter.FromContext(ctx)
	if !ok {
		var err error
		if t, err = topic.Parse(msg.Topic); err != nil {
			return nil
		}
	}
	if t.DeviceID == "" {
		return nil
	}
	return check(l.get(t.DeviceID).inbound)
}

// HandleOutbound rate-limits messages to devices
func (l *RateLimit) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	if l.limits.Outbound == 0 || msg.DeviceID == "" {
		return nil
	}
	return check(l.get(msg.DeviceID).outbound)
}
