// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package downstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/rspcontroller/rsp-downstream/backend"
	"github.com/rspcontroller/rsp-downstream/backend/dummy"
	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
	. "github.com/smartystreets/goconvey/convey"
)

type dispatched struct {
	topic string
	msg   *types.InboundMessage
}

type refuseDevice string

var errRefused = errors.New("refused")

func (r refuseDevice) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	if msg.DeviceID == string(r) {
		return errRefused
	}
	return nil
}

func (r refuseDevice) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	if msg.Topic == "rfid/rsp/data/"+string(r) {
		return errRefused
	}
	return nil
}

type failingTransport struct {
	*dummy.Dummy
}

func (failingTransport) Publish(string, []byte, byte) error {
	return errors.New("broker unavailable")
}

// failingSubscribe fails the first subscription to a filter
type failingSubscribe struct {
	*dummy.Dummy
	mu     sync.Mutex
	filter string
}

func (t *failingSubscribe) Subscribe(filter string) error {
	t.mu.Lock()
	fail := filter == t.filter
	if fail {
		t.filter = ""
	}
	t.mu.Unlock()
	if fail {
		return errors.New("subscribe refused")
	}
	return t.Dummy.Subscribe(filter)
}

// holdingTransport holds the next controller status publish until released
type holdingTransport struct {
	*dummy.Dummy
	mu      sync.Mutex
	hold    chan struct{}
	entered chan struct{}
}

func (t *holdingTransport) holdNext() (entered, release chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hold, t.entered = make(chan struct{}), make(chan struct{})
	return t.entered, t.hold
}

func (t *holdingTransport) Publish(name string, payload []byte, qos byte) error {
	var hold, entered chan struct{}
	if name == "rfid/rsp/controller_status" {
		t.mu.Lock()
		hold, entered = t.hold, t.entered
		t.hold, t.entered = nil, nil
		t.mu.Unlock()
	}
	if hold != nil {
		close(entered)
		<-hold
	}
	return t.Dummy.Publish(name, payload, qos)
}

func statusPublications(transport *dummy.Dummy) (statuses []dummy.Publication) {
	for _, publication := range transport.Published() {
		switch publication.Topic {
		case "rfid/rsp/controller_status", "rfid/rsp/gw_status":
			statuses = append(statuses, publication)
		}
	}
	return
}

func decodeStatus(payload []byte) (method string, update types.ControllerStatusUpdate) {
	var notification struct {
		JSONRPC string                       `json:"jsonrpc"`
		Method  string                       `json:"method"`
		Params  types.ControllerStatusUpdate `json:"params"`
	}
	So(json.Unmarshal(payload, &notification), ShouldBeNil)
	So(notification.JSONRPC, ShouldEqual, "2.0")
	return notification.Method, notification.Params
}

func TestGateway(t *testing.T) {
	Convey("Given a new Context and Transport", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		transport := dummy.New(ctx)

		Convey("When creating a new Gateway", func() {
			g := New(Config{DeviceID: "controller-1", BrokerURI: "tcp://localhost:1883"}, transport, ctx)

			Convey("It should be unconnected", func() {
				So(g.State(), ShouldEqual, StateUnconnected)
			})

			Convey("When starting without Dispatch", func() {
				err := g.Start()
				Convey("There should be an ErrNoDispatch", func() {
					So(err, ShouldEqual, ErrNoDispatch)
				})
				Convey("Nothing should be subscribed", func() {
					So(transport.Filters(), ShouldBeEmpty)
				})
				Convey("It should still be unconnected", func() {
					So(g.State(), ShouldEqual, StateUnconnected)
				})
			})

			Convey("When publishing before starting", func() {
				err := g.PublishCommand("rsp-42", []byte(`{}`))
				Convey("There should be a not connected error", func() {
					So(errors.Is(err, backend.ErrNotConnected), ShouldBeTrue)
					var publishErr *PublishError
					So(errors.As(err, &publishErr), ShouldBeTrue)
					So(publishErr.Topic, ShouldEqual, "rfid/rsp/command/rsp-42")
				})
			})

			Convey("When getting the Summary", func() {
				summary := g.Summary()
				Convey("It should contain the broker URI", func() {
					So(summary.BrokerURI, ShouldEqual, "tcp://localhost:1883")
				})
				Convey("It should contain the command topic", func() {
					So(summary.Publishes, ShouldContain, "rfid/rsp/command")
				})
				Convey("It should contain the subscriptions", func() {
					So(summary.Subscribes, ShouldResemble, topic.Subscriptions())
				})
			})

			Convey("When a Dispatch is registered", func() {
				var messages []dispatched
				So(g.SetDispatch(DispatchFunc(func(topic string, msg *types.InboundMessage) {
					messages = append(messages, dispatched{topic, msg})
				})), ShouldBeNil)

				Convey("When starting the Gateway", func() {
					err := g.Start()

					Convey("There should be no error", func() {
						So(err, ShouldBeNil)
					})

					Convey("It should have subscribed in order", func() {
						So(transport.Filters(), ShouldResemble, []string{
							"rfid/rsp/connect/#",
							"rfid/rsp/response/#",
							"rfid/rsp/rsp_status/#",
							"rfid/rsp/data/#",
							"rfid/gpio/connect/#",
							"rfid/gpio/response/#",
							"rfid/gpio/status/#",
						})
					})

					Convey("It should be announced", func() {
						So(g.State(), ShouldEqual, StateAnnounced)
					})

					Convey("It should have announced on both status topics", func() {
						for _, name := range []string{"rfid/rsp/controller_status", "rfid/rsp/gw_status"} {
							published := transport.PublishedOn(name)
							So(published, ShouldHaveLength, 1)
							So(published[0].QoS, ShouldEqual, QoS)
							method, update := decodeStatus(published[0].Payload)
							So(method, ShouldEqual, types.ControllerStatusUpdateMethod)
							So(update.DeviceID, ShouldEqual, "controller-1")
							So(update.Status, ShouldEqual, types.ControllerStarted)
						}
					})

					Convey("When starting again", func() {
						err := g.Start()
						Convey("There should be an ErrAlreadyStarted", func() {
							So(err, ShouldEqual, ErrAlreadyStarted)
						})
						Convey("The filters should not be subscribed twice", func() {
							So(transport.Filters(), ShouldHaveLength, 7)
						})
					})

					Convey("When the transport reconnects", func() {
						transport.Reconnect()
						Convey("There should be two announcements", func() {
							So(transport.PublishedOn("rfid/rsp/controller_status"), ShouldHaveLength, 2)
							So(transport.PublishedOn("rfid/rsp/gw_status"), ShouldHaveLength, 2)
						})
					})

					Convey("When a device sends a connect request", func() {
						payload := []byte(`{"jsonrpc":"2.0","method":"connect","id":"1","params":{"hostname":"rsp-42"}}`)
						transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/connect/rsp-42", Payload: payload})
						Convey("It should be dispatched unchanged", func() {
							So(messages, ShouldHaveLength, 1)
							So(messages[0].topic, ShouldEqual, "rfid/rsp/connect/rsp-42")
							So(messages[0].msg.Payload, ShouldResemble, payload)
						})
					})

					Convey("When a device announces itself on the bare connect topic", func() {
						transport.Deliver(&types.InboundMessage{Topic: "rfid/gpio/connect", Payload: []byte(`{}`)})
						Convey("It should be dispatched", func() {
							So(messages, ShouldHaveLength, 1)
							So(messages[0].topic, ShouldEqual, "rfid/gpio/connect")
						})
					})

					Convey("When a retained message is delivered", func() {
						transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/rsp_status/rsp-42", Payload: []byte(`{}`), Retained: true})
						Convey("It should not be dispatched", func() {
							So(messages, ShouldBeEmpty)
						})
					})

					Convey("When a duplicate message is delivered", func() {
						transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/data/rsp-42", Payload: []byte(`{}`), Duplicate: true})
						Convey("It should not be dispatched", func() {
							So(messages, ShouldBeEmpty)
						})
					})

					Convey("When a message on an unknown topic is delivered", func() {
						transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/unknown/rsp-42", Payload: []byte(`{}`)})
						Convey("It should not be dispatched", func() {
							So(messages, ShouldBeEmpty)
						})
					})

					Convey("When publishing a command", func() {
						err := g.PublishCommand("rsp-42", []byte(`{"jsonrpc":"2.0","method":"start"}`))
						Convey("There should be no error", func() {
							So(err, ShouldBeNil)
						})
						Convey("It should be published on the command topic of the device", func() {
							published := transport.PublishedOn("rfid/rsp/command/rsp-42")
							So(published, ShouldHaveLength, 1)
							So(published[0].QoS, ShouldEqual, QoS)
							So(string(published[0].Payload), ShouldEqual, `{"jsonrpc":"2.0","method":"start"}`)
						})
					})

					Convey("When publishing on all outbound operations", func() {
						So(g.PublishConnectResponse("rsp-42", []byte{1}), ShouldBeNil)
						So(g.PublishGatewayStatus([]byte{2}), ShouldBeNil)
						So(g.PublishGPIOConnectResponse("gpio-7", []byte{3}), ShouldBeNil)
						So(g.PublishGPIOCommand("gpio-7", []byte{4}), ShouldBeNil)
						Convey("Each should be published on its topic", func() {
							So(transport.PublishedOn("rfid/rsp/connect/rsp-42"), ShouldHaveLength, 1)
							So(transport.PublishedOn("rfid/rsp/gw_status"), ShouldHaveLength, 2)
							So(transport.PublishedOn("rfid/gpio/connect/gpio-7"), ShouldHaveLength, 1)
							So(transport.PublishedOn("rfid/gpio/command/gpio-7"), ShouldHaveLength, 1)
						})
					})

					Convey("When stopping the Gateway", func() {
						err := g.Stop()
						Convey("There should be no error", func() {
							So(err, ShouldBeNil)
						})
						Convey("It should have announced the shutdown", func() {
							published := transport.PublishedOn("rfid/rsp/controller_status")
							So(published, ShouldHaveLength, 2)
							_, update := decodeStatus(published[1].Payload)
							So(update.Status, ShouldEqual, types.ControllerShuttingDown)
						})
						Convey("It should be unconnected", func() {
							So(g.State(), ShouldEqual, StateUnconnected)
						})
						Convey("Publishing should fail", func() {
							err := g.PublishCommand("rsp-42", nil)
							So(errors.Is(err, backend.ErrNotConnected), ShouldBeTrue)
						})
						Convey("When stopping again", func() {
							So(g.Stop(), ShouldBeNil)
						})
					})
				})

				Convey("When adding middleware", func() {
					g.Use(refuseDevice("rsp-13"))
					So(g.Start(), ShouldBeNil)

					Convey("When publishing to a refused device", func() {
						err := g.PublishCommand("rsp-13", nil)
						Convey("The middleware error should be returned", func() {
							So(errors.Is(err, errRefused), ShouldBeTrue)
						})
						Convey("Nothing should be published", func() {
							So(transport.PublishedOn("rfid/rsp/command/rsp-13"), ShouldBeEmpty)
						})
					})

					Convey("When a refused device sends data", func() {
						transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/data/rsp-13"})
						transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/data/rsp-42"})
						Convey("Only the other device should be dispatched", func() {
							So(messages, ShouldHaveLength, 1)
							So(messages[0].topic, ShouldEqual, "rfid/rsp/data/rsp-42")
						})
					})
				})
			})
		})

		Convey("When registering a nil Dispatch", func() {
			g := New(Config{DeviceID: "controller-1"}, transport, ctx)
			var f DispatchFunc
			Convey("A nil interface should be refused", func() {
				So(g.SetDispatch(nil), ShouldEqual, ErrNoDispatch)
			})
			Convey("A nil DispatchFunc should be refused", func() {
				So(g.SetDispatch(f), ShouldEqual, ErrNoDispatch)
			})
			Convey("Starting should fail with ErrNoDispatch", func() {
				g.SetDispatch(f)
				So(g.Start(), ShouldEqual, ErrNoDispatch)
				So(transport.Filters(), ShouldBeEmpty)
			})
		})

		Convey("When replacing the Dispatch after starting", func() {
			g := New(Config{DeviceID: "controller-1"}, transport, ctx)
			var received int
			So(g.SetDispatch(DispatchFunc(func(string, *types.InboundMessage) { received++ })), ShouldBeNil)
			So(g.Start(), ShouldBeNil)

			err := g.SetDispatch(DispatchFunc(func(string, *types.InboundMessage) {}))
			Convey("It should be refused", func() {
				So(err, ShouldEqual, ErrAlreadyStarted)
			})
			Convey("Deliveries should still reach the first Dispatch", func() {
				transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/data/rsp-42"})
				So(received, ShouldEqual, 1)
			})
			Convey("A nil Dispatch should not replace it", func() {
				So(g.SetDispatch(nil), ShouldEqual, ErrNoDispatch)
				transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/data/rsp-42"})
				So(received, ShouldEqual, 1)
			})
		})

		Convey("When a subscription fails during Start", func() {
			flaky := &failingSubscribe{Dummy: transport, filter: "rfid/rsp/data/#"}
			g := New(Config{DeviceID: "controller-1"}, flaky, ctx)
			So(g.SetDispatch(DispatchFunc(func(string, *types.InboundMessage) {})), ShouldBeNil)

			err := g.Start()
			Convey("The error should be returned", func() {
				So(err, ShouldNotBeNil)
				So(g.State(), ShouldEqual, StateUnconnected)
			})

			Convey("When starting again", func() {
				err := g.Start()
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
				Convey("All filters should be subscribed once", func() {
					So(transport.Filters(), ShouldHaveLength, 7)
					So(transport.Filters(), ShouldContain, "rfid/rsp/data/#")
				})
				Convey("The controller should be announced once", func() {
					So(transport.PublishedOn("rfid/rsp/controller_status"), ShouldHaveLength, 1)
					So(g.State(), ShouldEqual, StateAnnounced)
				})
			})
		})

		Convey("When stopping while an announcement is in flight", func() {
			holding := &holdingTransport{Dummy: transport}
			g := New(Config{DeviceID: "controller-1"}, holding, ctx)
			So(g.SetDispatch(DispatchFunc(func(string, *types.InboundMessage) {})), ShouldBeNil)
			So(g.Start(), ShouldBeNil)

			entered, release := holding.holdNext()
			reconnected := make(chan struct{})
			go func() {
				transport.Reconnect()
				close(reconnected)
			}()
			<-entered

			stopped := make(chan error)
			go func() { stopped <- g.Stop() }()
			time.Sleep(20 * time.Millisecond)
			close(release)
			<-reconnected

			Convey("Stop should return without error", func() {
				So(<-stopped, ShouldBeNil)
			})
			Convey("The shutdown should be announced after the start", func() {
				<-stopped
				published := transport.PublishedOn("rfid/rsp/controller_status")
				So(published, ShouldHaveLength, 3)
				_, update := decodeStatus(published[1].Payload)
				So(update.Status, ShouldEqual, types.ControllerStarted)
				_, update = decodeStatus(published[2].Payload)
				So(update.Status, ShouldEqual, types.ControllerShuttingDown)
				So(g.State(), ShouldEqual, StateUnconnected)
			})
		})

		Convey("When creating a new Gateway on a transport that can not publish", func() {
			g := New(Config{DeviceID: "controller-1"}, failingTransport{transport}, ctx)
			g.SetDispatch(DispatchFunc(func(string, *types.InboundMessage) {}))

			Convey("When starting the Gateway", func() {
				err := g.Start()
				Convey("The failed announcement should not be fatal", func() {
					So(err, ShouldBeNil)
				})
				Convey("It should stay subscribed", func() {
					So(g.State(), ShouldEqual, StateSubscribed)
				})
				Convey("A warning should be logged", func() {
					So(logs.String(), ShouldContainSubstring, "Could not announce controller")
				})
			})
		})
	})
}

func TestGatewayConcurrentEstablishment(t *testing.T) {
	Convey("Given a started Gateway", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.InfoLevel,
		}

		transport := dummy.New(ctx)
		g := New(Config{DeviceID: "controller-1"}, transport, ctx)

		var received int64
		So(g.SetDispatch(DispatchFunc(func(string, *types.InboundMessage) {
			atomic.AddInt64(&received, 1)
		})), ShouldBeNil)
		So(g.Start(), ShouldBeNil)

		Convey("When the session is re-established concurrently with traffic", func() {
			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(3)
				go func() {
					defer wg.Done()
					transport.Reconnect()
				}()
				go func() {
					defer wg.Done()
					transport.Deliver(&types.InboundMessage{Topic: "rfid/rsp/data/rsp-42", Payload: []byte(`{}`)})
				}()
				go func() {
					defer wg.Done()
					g.PublishCommand("rsp-42", []byte(`{}`))
				}()
			}
			wg.Wait()

			Convey("There should be one announcement per establishment on both status topics", func() {
				So(transport.PublishedOn("rfid/rsp/controller_status"), ShouldHaveLength, n+1)
				So(transport.PublishedOn("rfid/rsp/gw_status"), ShouldHaveLength, n+1)
			})

			Convey("Announcements should not overlap", func() {
				statuses := statusPublications(transport)
				So(statuses, ShouldHaveLength, 2*(n+1))
				for i := 0; i < len(statuses); i += 2 {
					So(statuses[i].Topic, ShouldEqual, "rfid/rsp/controller_status")
					So(statuses[i+1].Topic, ShouldEqual, "rfid/rsp/gw_status")
				}
			})

			Convey("All deliveries and commands should have passed", func() {
				So(atomic.LoadInt64(&received), ShouldEqual, n)
				So(transport.PublishedOn("rfid/rsp/command/rsp-42"), ShouldHaveLength, n)
			})

			Convey("The gateway should be announced", func() {
				So(g.State(), ShouldEqual, StateAnnounced)
			})
		})
	})
}
