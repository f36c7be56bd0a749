package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/serialization"
)

// PublishFunc sends an encoded packet on a channel
type PublishFunc func(ctx context.Context, channel, payload string) (int64, error)

// TableConfig is what a listener or callback table shares with its Messenger
type TableConfig struct {
	// Signature of the owning instance, used for self-skip and signed replies
	Signature string
	Codec     serialization.Codec
	Types     serialization.TypeRegistry
	// Publish sends replies; only listener tables use it
	Publish PublishFunc
	Logger  *slog.Logger
	Metrics MetricsCollector
	// Now is the clock for callback expiry
	Now func() time.Time
}

func (c TableConfig) withDefaults() TableConfig {
	if c.Codec == nil {
		c.Codec = serialization.NewJSONCodec()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = &NoOpMetricsCollector{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// accept decodes a raw delivery and applies the self-skip rule
func (c TableConfig) accept(channel, raw string) (*contracts.Packet, bool) {
	p, err := c.Codec.DecodePacket(raw)
	if err != nil {
		c.Logger.Warn("dropping malformed packet",
			"channel", channel,
			"error", err)
		c.Metrics.RecordDrop(channel, DropMalformed)
		return nil, false
	}

	if p.IsFrom(c.Signature) {
		c.Logger.Debug("skipping own packet",
			"channel", channel,
			"type", p.Type.String(),
			"event", p.Event)
		c.Metrics.RecordDrop(channel, DropSelf)
		return nil, false
	}

	return p, true
}
