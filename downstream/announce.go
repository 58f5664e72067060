// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"github.com/rspcontroller/rsp-downstream/status/statusserver"
	"github.com/rspcontroller/rsp-downstream/types"
)

// announce is called by the transport after every session establishment
func (g *Gateway) announce() {
	g.announceMu.Lock()
	defer g.announceMu.Unlock()

	g.mu.RLock()
	stopped := g.stopped
	g.mu.RUnlock()
	if stopped {
		return
	}

	g.setState(StateSubscribed)
	if err := g.publishStatus(types.ControllerStarted); err != nil {
		g.ctx.WithError(err).Warn("Could not announce controller")
		announcementCounter.WithLabelValues("failed").Inc()
		return
	}
	g.setState(StateAnnounced)
	announcementCounter.WithLabelValues("announced").Inc()
	statusserver.Announcement()
	g.ctx.Info("Announced controller")
}

// shutdown announces the shutdown if the controller was announced, and leaves the session unconnected.
// It waits for an announcement in flight, so that every announced start is followed by a shutdown.
func (g *Gateway) shutdown() {
	g.announceMu.Lock()
	defer g.announceMu.Unlock()

	if g.State() == StateAnnounced {
		if err := g.publishStatus(types.ControllerShuttingDown); err != nil {
			g.ctx.WithError(err).Warn("Could not announce controller shutdown")
		}
	}
	g.setState(StateUnconnected)
}

func (g *Gateway) publishStatus(status types.ControllerStatus) error {
	payload, err := types.NewControllerStatusUpdate(g.config.DeviceID, status).Marshal()
	if err != nil {
		return err
	}
	return g.PublishControllerStatus(payload)
}
