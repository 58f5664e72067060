// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rspcontroller/rsp-downstream/backend"
	"github.com/rspcontroller/rsp-downstream/backend/amqp"
	"github.com/rspcontroller/rsp-downstream/backend/mqtt"
	"github.com/rspcontroller/rsp-downstream/downstream"
	"github.com/rspcontroller/rsp-downstream/middleware/blocklist"
	"github.com/rspcontroller/rsp-downstream/middleware/ratelimit"
	"github.com/rspcontroller/rsp-downstream/status/statusserver"
	"github.com/rspcontroller/rsp-downstream/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// brokerRegexp matches user:pass@host:port
var brokerRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

type broker struct {
	Username string
	Password string
	Address  string
}

func parseBroker(s string) (*broker, error) {
	parts := brokerRegexp.FindStringSubmatch(s)
	if parts == nil {
		return nil, fmt.Errorf("invalid broker %q, expected user:pass@host:port", s)
	}
	return &broker{Username: parts[1], Password: parts[2], Address: parts[3]}, nil
}

func loadTLSConfig(rootCAFile string) (*tls.Config, error) {
	if rootCAFile == "" {
		return nil, nil
	}
	roots, err := ioutil.ReadFile(rootCAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(roots) {
		ctx.Warn("Could not load all CAs from the Root CA file")
	} else {
		ctx.Infof("Using Root CAs from %s", rootCAFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func newTransport(tlsConfig *tls.Config) (transport backend.Transport, brokerURI string, err error) {
	switch name := config.GetString("transport"); name {
	case "mqtt":
		broker, err := parseBroker(config.GetString("mqtt"))
		if err != nil {
			return nil, "", err
		}
		brokerURI = "tcp://" + broker.Address
		if tlsConfig != nil {
			brokerURI = "ssl://" + broker.Address
		}
		ctx.WithField("Username", broker.Username).WithField("Address", broker.Address).Info("Initializing MQTT")
		transport, err = mqtt.New(mqtt.Config{
			Brokers:   []string{brokerURI},
			Username:  broker.Username,
			Password:  broker.Password,
			TLSConfig: tlsConfig,
		}, ctx)
		return transport, brokerURI, err
	case "amqp":
		broker, err := parseBroker(config.GetString("amqp"))
		if err != nil {
			return nil, "", err
		}
		brokerURI = "amqp://" + broker.Address
		if tlsConfig != nil {
			brokerURI = "amqps://" + broker.Address
		}
		ctx.WithField("Username", broker.Username).WithField("Address", broker.Address).Info("Initializing AMQP")
		transport, err = amqp.New(amqp.Config{
			Address:      broker.Address,
			Username:     broker.Username,
			Password:     broker.Password,
			ExchangeName: config.GetString("amqp-exchange"),
			TLSConfig:    tlsConfig,
		}, ctx)
		return transport, brokerURI, err
	default:
		return nil, "", fmt.Errorf("unknown transport %q", name)
	}
}

// logDispatch logs all inbound device traffic
func logDispatch(topic string, msg *types.InboundMessage) {
	ctx.WithField("Topic", topic).WithField("Size", len(msg.Payload)).Info("Received message")
}

func runDownstream(cmd *cobra.Command, args []string) {
	tlsConfig, err := loadTLSConfig(config.GetString("root-ca-file"))
	if err != nil {
		ctx.WithError(err).Fatal("Could not load Root CA file")
	}

	transport, brokerURI, err := newTransport(tlsConfig)
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize transport")
	}

	gateway := downstream.New(downstream.Config{
		DeviceID:  config.GetString("device-id"),
		BrokerURI: brokerURI,
	}, transport, ctx)
	if err := gateway.SetDispatch(downstream.DispatchFunc(logDispatch)); err != nil {
		ctx.WithError(err).Fatal("Could not register dispatch")
	}

	if lists := config.GetStringSlice("blocklist"); len(lists) > 0 {
		list, err := blocklist.NewBlocklist(ctx, lists...)
		if err != nil {
			ctx.WithError(err).Fatal("Could not load blocklist")
		}
		defer list.Close()
		ctx.WithField("Devices", list.Len()).Info("Using blocklist")
		gateway.Use(list)
	}

	limits := ratelimit.Limits{
		Inbound:  config.GetInt("ratelimit-inbound"),
		Outbound: config.GetInt("ratelimit-outbound"),
	}
	if limits.Inbound != 0 || limits.Outbound != 0 {
		var limiter *ratelimit.RateLimit
		if redisAddress := config.GetString("redis-address"); redisAddress != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     redisAddress,
				Password: config.GetString("redis-password"),
				DB:       config.GetInt("redis-db"),
			})
			defer client.Close()
			ctx.WithField("Address", redisAddress).Info("Initializing Redis rate limiter")
			limiter = ratelimit.NewRedisRateLimit(client, limits)
		} else {
			ctx.Info("Initializing Memory rate limiter")
			limiter = ratelimit.NewRateLimit(limits)
		}
		gateway.Use(limiter)
	}

	if statusAddress := config.GetString("status-address"); statusAddress != "" {
		for _, key := range config.GetStringSlice("status-access-key") {
			statusserver.AddAccessKey(key)
		}
		statusserver.SetSummary(gateway.Summary)
		mux := http.NewServeMux()
		mux.Handle("/status", statusserver.Handler())
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			ctx.WithField("Address", statusAddress).Info("Starting status server")
			if err := http.ListenAndServe(statusAddress, mux); err != nil {
				ctx.WithError(err).Error("Status server stopped")
			}
		}()
	}

	if err := gateway.Start(); err != nil {
		ctx.WithError(err).Fatal("Could not start downstream gateway")
	}

	defer func() {
		gateway.Stop()
		time.Sleep(100 * time.Millisecond)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")
}

func init() {
	DownstreamCmd.Flags().String("device-id", "", "Device ID of the controller (defaults to user@hostname)")
	DownstreamCmd.Flags().String("transport", "mqtt", "Transport to the devices (mqtt or amqp)")
	DownstreamCmd.Flags().String("mqtt", "guest:guest@localhost:1883", "MQTT Broker to connect to")
	DownstreamCmd.Flags().String("amqp", "guest:guest@localhost:5672", "AMQP Broker to connect to")
	DownstreamCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP topic exchange that carries the device topics")
	DownstreamCmd.Flags().String("root-ca-file", "", "Location of the file containing Root CA certificates")
	DownstreamCmd.Flags().StringSlice("blocklist", nil, "Files or URLs of device blocklists")
	DownstreamCmd.Flags().Int("ratelimit-inbound", 0, "Maximum messages per minute from a single device (0 is unlimited)")
	DownstreamCmd.Flags().Int("ratelimit-outbound", 0, "Maximum messages per minute to a single device (0 is unlimited)")
	DownstreamCmd.Flags().String("redis-address", "", "Redis host and port for shared rate limits (empty for in-memory)")
	DownstreamCmd.Flags().String("redis-password", "", "Redis password")
	DownstreamCmd.Flags().Int("redis-db", 0, "Redis database")

	DownstreamCmd.Flags().String("status-address", "", "Address of the HTTP status server (empty to disable)")
	DownstreamCmd.Flags().StringSlice("status-access-key", nil, "Access keys for the status server")

	viper.BindPFlags(DownstreamCmd.Flags())
}
