// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/serialization"
	"github.com/glimte/mmate-relay/transports/memory"
	"github.com/glimte/mmate-relay/transports/postgres"
	"github.com/glimte/mmate-relay/transports/rabbitmq"
	redistransport "github.com/glimte/mmate-relay/transports/redis"
)

// ErrUnsupportedScheme is returned for a connection URL no transport handles
var ErrUnsupportedScheme = errors.New("unsupported connection scheme")

// Client provides the main entry point: a Messenger bound to a transport chosen
// from the connection URL. The client owns the transport and closes it.
type Client struct {
	*messaging.Messenger
	transport   messaging.Transport
	metrics     messaging.MetricsCollector
	health      *health.Registry
	serviceName string
}

// NewClient creates a client. The URL scheme picks the transport:
//
//	memory://                  in-process, for tests and single-process use
//	redis://, rediss://        Redis PUBLISH/SUBSCRIBE
//	amqp://, amqps://          RabbitMQ topic exchange
//	postgres://, postgresql:// PostgreSQL LISTEN/NOTIFY, exact channels only
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		serviceName: "relay",
		exchange:    rabbitmq.DefaultExchange,
	}
	for _, opt := range options {
		opt(cfg)
	}

	transport := cfg.transport
	if transport == nil {
		var err error
		if transport, err = newTransport(connectionString, cfg); err != nil {
			return nil, err
		}
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = messaging.NewInMemoryMetricsCollector()
	}

	messengerOpts := []messaging.Option{
		messaging.WithLogger(cfg.logger),
		messaging.WithMetrics(metrics),
	}
	if cfg.cloudEvents {
		messengerOpts = append(messengerOpts,
			messaging.WithCodec(serialization.NewCloudEventsCodec(serialization.WithSource("/"+cfg.serviceName))))
	}
	messengerOpts = append(messengerOpts, cfg.messengerOptions...)

	messenger, err := messaging.New(transport, messengerOpts...)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to create messenger: %w", err)
	}

	c := &Client{
		Messenger:   messenger,
		transport:   transport,
		metrics:     metrics,
		health:      health.NewRegistry(),
		serviceName: cfg.serviceName,
	}

	c.health.SetMetadata("service", cfg.serviceName)
	c.health.SetMetadata("signature", messenger.Signature())
	if pinger, ok := transport.(messaging.Pinger); ok {
		c.health.Register(health.NewTransportChecker(cfg.transportName, pinger))
	}
	c.health.Register(health.NewSubscriptionChecker(messenger))
	c.health.Register(health.NewDropRateChecker(metrics, 0.1, 0.5))

	cfg.logger.Info("relay client ready",
		"service", cfg.serviceName,
		"transport", cfg.transportName,
		"signature", messenger.Signature())

	return c, nil
}

func newTransport(connectionString string, cfg *clientConfig) (messaging.Transport, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return nil, &messaging.ConfigurationError{Field: "url", Reason: "invalid connection URL", Err: err}
	}

	var transport messaging.Transport
	switch u.Scheme {
	case "memory":
		cfg.transportName = "memory"
		transport = memory.New(memory.WithLogger(cfg.logger))
	case "redis", "rediss":
		cfg.transportName = "redis"
		transport, err = redistransport.New(connectionString, redistransport.WithLogger(cfg.logger))
	case "amqp", "amqps":
		cfg.transportName = "rabbitmq"
		transport, err = rabbitmq.NewTransport(connectionString,
			rabbitmq.WithLogger(cfg.logger),
			rabbitmq.WithExchange(cfg.exchange))
	case "postgres", "postgresql":
		cfg.transportName = "postgres"
		transport, err = postgres.New(connectionString, postgres.WithLogger(cfg.logger))
	default:
		return nil, &messaging.ConfigurationError{
			Field:  "url",
			Reason: fmt.Sprintf("scheme %q", u.Scheme),
			Err:    ErrUnsupportedScheme,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.transportName, err)
	}
	return transport, nil
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Metrics returns the metrics collector shared by the messenger and the health checks
func (c *Client) Metrics() messaging.MetricsCollector {
	return c.metrics
}

// Health returns the health registry. Callers may register their own checkers.
func (c *Client) Health() *health.Registry {
	return c.health
}

// ServiceName returns the configured service name
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Close closes the messenger, then the transport
func (c *Client) Close() error {
	return errors.Join(c.Messenger.Close(), c.transport.Close())
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	serviceName      string
	exchange         string
	cloudEvents      bool
	metrics          messaging.MetricsCollector
	transport        messaging.Transport
	transportName    string
	messengerOptions []messaging.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName names the service in logs, health metadata and CloudEvents sources
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithRabbitMQExchange sets the topic exchange used with amqp URLs
func WithRabbitMQExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = name
	}
}

// WithCloudEvents encodes packets as CloudEvents instead of plain JSON. Every
// instance on a channel must agree on the codec.
func WithCloudEvents() ClientOption {
	return func(cfg *clientConfig) {
		cfg.cloudEvents = true
	}
}

// WithMetrics replaces the in-memory metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTransport uses transport instead of one built from the URL. The client
// still takes ownership of it.
func WithTransport(name string, transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportName = name
		cfg.transport = transport
	}
}

// WithMessengerOptions passes options through to messaging.New
func WithMessengerOptions(options ...messaging.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.messengerOptions = append(cfg.messengerOptions, options...)
	}
}
