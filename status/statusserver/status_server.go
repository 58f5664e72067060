// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package statusserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/rspcontroller/rsp-downstream/types"
)

var global = newStatusServer()

func newStatusServer() *statusServer {
	return &statusServer{
		inbound:       metrics.NewMeter(),
		dropped:       metrics.NewMeter(),
		outbound:      metrics.NewMeter(),
		announcements: metrics.NewCounter(),
	}
}

type statusServer struct {
	accessKeys []string

	inbound       metrics.Meter
	dropped       metrics.Meter
	outbound      metrics.Meter
	announcements metrics.Counter

	mu      sync.RWMutex
	summary func() *types.Summary
}

// Rates of a meter over the last 1, 5 and 15 minutes
type Rates struct {
	Rate1  float64 `json:"rate_1"`
	Rate5  float64 `json:"rate_5"`
	Rate15 float64 `json:"rate_15"`
}

func rates(meter metrics.Meter) *Rates {
	snapshot := meter.Snapshot()
	return &Rates{
		Rate1:  snapshot.Rate1(),
		Rate5:  snapshot.Rate5(),
		Rate15: snapshot.Rate15(),
	}
}

// StatusResponse is served as JSON on the status endpoint
type StatusResponse struct {
	Inbound       *Rates         `json:"inbound"`
	Dropped       *Rates         `json:"dropped"`
	Outbound      *Rates         `json:"outbound"`
	Announcements int64          `json:"announcements"`
	Summary       *types.Summary `json:"summary,omitempty"`
}

func (s *statusServer) AddAccessKey(key string) {
	s.accessKeys = append(s.accessKeys, key)
}

// AddAccessKey adds an access key for a client
func AddAccessKey(key string) {
	global.AddAccessKey(key)
}

func (s *statusServer) SetSummary(summary func() *types.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = summary
}

// SetSummary sets the source of the health summary in the default status server
func SetSummary(summary func() *types.Summary) {
	global.SetSummary(summary)
}

func (s *statusServer) Inbound() {
	s.inbound.Mark(1)
}

// Inbound registers an inbound delivery in the default status server
func Inbound() {
	global.Inbound()
}

func (s *statusServer) Dropped() {
	s.dropped.Mark(1)
}

// Dropped registers a dropped inbound delivery in the default status server
func Dropped() {
	global.Dropped()
}

func (s *statusServer) Outbound() {
	s.outbound.Mark(1)
}

// Outbound registers a published message in the default status server
func Outbound() {
	global.Outbound()
}

func (s *statusServer) Announcement() {
	s.announcements.Inc(1)
}

// Announcement registers a controller announcement in the default status server
func Announcement() {
	global.Announcement()
}

func (s *statusServer) getStatus() *StatusResponse {
	status := &StatusResponse{
		Inbound:       rates(s.inbound),
		Dropped:       rates(s.dropped),
		Outbound:      rates(s.outbound),
		Announcements: s.announcements.Snapshot().Count(),
	}
	s.mu.RLock()
	summary := s.summary
	s.mu.RUnlock()
	if summary != nil {
		status.Summary = summary()
	}
	return status
}

func (s *statusServer) authorized(r *http.Request) bool {
	if len(s.accessKeys) == 0 {
		return true
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Key ")
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.getStatus())
}

// Handler returns the HTTP handler of the default status server
func Handler() http.Handler {
	return global
}
