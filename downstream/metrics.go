// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rspcontroller/rsp-downstream/middleware/blocklist"
	"github.com/rspcontroller/rsp-downstream/middleware/deduplicate"
	"github.com/rspcontroller/rsp-downstream/middleware/ratelimit"
	"github.com/rspcontroller/rsp-downstream/middleware/retained"
	"github.com/rspcontroller/rsp-downstream/middleware/topicfilter"
	"github.com/rspcontroller/rsp-downstream/topic"
)

var inboundCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rsp",
		Subsystem: "downstream",
		Name:      "inbound_messages_total",
		Help:      "Total number of inbound messages by result.",
	}, []string{"result"},
)

var publishedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rsp",
		Subsystem: "downstream",
		Name:      "published_messages_total",
		Help:      "Total number of published messages by topic category.",
	}, []string{"category"},
)

var publishErrorCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rsp",
		Subsystem: "downstream",
		Name:      "publish_errors_total",
		Help:      "Total number of failed publishes by topic category.",
	}, []string{"category"},
)

var announcementCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rsp",
		Subsystem: "downstream",
		Name:      "announcements_total",
		Help:      "Total number of controller status announcements by result.",
	}, []string{"result"},
)

// Inbound results
const (
	resultDispatched   = "dispatched"
	resultRetained     = "retained"
	resultDuplicate    = "duplicate"
	resultUnknownTopic = "unknown_topic"
	resultBlocked      = "blocked"
	resultRateLimited  = "rate_limited"
	resultRejected     = "rejected"
)

func dropReason(err error) string {
	switch {
	case errors.Is(err, retained.ErrRetainedMessage):
		return resultRetained
	case errors.Is(err, deduplicate.ErrDuplicateMessage):
		return resultDuplicate
	case errors.Is(err, topic.ErrUnknownTopic), errors.Is(err, topicfilter.ErrNotUplink):
		return resultUnknownTopic
	case errors.Is(err, blocklist.ErrBlockedDevice):
		return resultBlocked
	case errors.Is(err, ratelimit.ErrRateLimited):
		return resultRateLimited
	}
	return resultRejected
}

func registerPublish(category topic.Category, err error) {
	if err != nil {
		publishErrorCounter.WithLabelValues(string(category)).Inc()
		return
	}
	publishedCounter.WithLabelValues(string(category)).Inc()
}

func init() {
	prometheus.MustRegister(inboundCounter)
	prometheus.MustRegister(publishedCounter)
	prometheus.MustRegister(publishErrorCounter)
	prometheus.MustRegister(announcementCounter)
}
