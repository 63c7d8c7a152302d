package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_RequiresDLQEmulation(t *testing.T) {
	assert.False(t, Capabilities{SupportsNativeDLQ: true}.RequiresDLQEmulation())
	assert.True(t, Capabilities{}.RequiresDLQEmulation())
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"ack and nack", Capabilities{SupportsAck: true, SupportsNack: true}, true},
		{"ack only", Capabilities{SupportsAck: true}, false},
		{"nack only", Capabilities{SupportsNack: true}, false},
		{"neither", Capabilities{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	all := []Capabilities{
		ChannelCapabilities,
		KafkaCapabilities,
		RabbitMQCapabilities,
		NATSCapabilities,
		AWSCapabilities,
		HTTPCapabilities,
	}
	seen := map[string]bool{}
	for _, caps := range all {
		assert.NotEmpty(t, caps.Name)
		assert.False(t, seen[caps.Name], "duplicate capability name %q", caps.Name)
		seen[caps.Name] = true
	}

	// The relay relies on redelivery for abandoned orders.
	for _, caps := range []Capabilities{ChannelCapabilities, KafkaCapabilities, RabbitMQCapabilities, AWSCapabilities} {
		assert.True(t, caps.SupportsReliableDelivery(), caps.Name)
	}
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
	assert.False(t, HTTPCapabilities.SupportsReliableDelivery())
}
