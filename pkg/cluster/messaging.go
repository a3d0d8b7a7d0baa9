// Package cluster implements the cluster coordination layer: the Messaging
// Service (component G), the Proxy Registry (H), the Heartbeat Publisher
// (I) and the Server-List Handler (J), per spec.md §4.5-§4.7.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel identifiers, stable strings per spec.md §6.4.
const (
	ChannelHeartbeat   = "numdrassl:heartbeat"
	ChannelServerList  = "numdrassl:server-list"
	ChannelPlayerCount = "numdrassl:player-count"
	ChannelChat        = "numdrassl:chat"
	ChannelTransfer    = "numdrassl:transfer"
	ChannelPlugin      = "numdrassl:plugin"
	ChannelBroadcast   = "numdrassl:broadcast"
)

// Message is implemented by every payload carried over a channel. MessageType
// is the discriminator carried alongside the JSON payload so a receiver can
// pick the right concrete type to decode into.
type Message interface {
	MessageType() string
}

// Handler receives a decoded Message from a subscription. Handlers run on
// the messaging service's own executor (distinct from transport I/O loops,
// per spec.md §4.5's concurrency contract) and must not block.
type Handler func(sourceProxyID string, msg Message)

// TypeFilter optionally restricts a subscription to one messageType; an
// empty string matches every message on the channel.
type TypeFilter = string

// Service is the Messaging Service interface (component G), implemented by
// both the Redis-backed broker (broker.go) and the in-process loopback
// (loopback.go), per spec.md §4.5.
type Service interface {
	// Publish sends msg on channel. The returned error is populated only
	// for the broker-backed implementation's failure paths (spec.md §7,
	// NetworkTransient); the loopback implementation never fails to
	// deliver locally.
	Publish(ctx context.Context, channel string, msg Message) error

	// Subscribe registers handler for channel, optionally filtered to one
	// messageType, optionally including messages this same proxy
	// published (includeSelf). It returns an unsubscribe function.
	Subscribe(channel string, filter TypeFilter, includeSelf bool, handler Handler) (unsubscribe func())

	// UnsubscribeAll removes every subscription on channel.
	UnsubscribeAll(channel string)

	// IsConnected reports whether the underlying transport is currently
	// usable. For the loopback implementation this is always true.
	IsConnected() bool

	// Close tears down the service and all its subscriptions.
	Close() error
}

// decoderRegistry maps a messageType discriminator to a decode function,
// replacing a reflective type-adapter scan with one explicit registration
// per type — the same REDESIGN FLAG treatment spec.md §9 asks for on the
// event bus, applied here to message decoding.
type decoderRegistry struct {
	decoders map[string]func(json.RawMessage) (Message, error)
}

func newDecoderRegistry() *decoderRegistry {
	r := &decoderRegistry{decoders: make(map[string]func(json.RawMessage) (Message, error))}
	r.register(messageTypeHeartbeat, func(raw json.RawMessage) (Message, error) {
		var m HeartbeatMessage
		err := json.Unmarshal(raw, &m)
		return m, err
	})
	r.register(messageTypeServerList, func(raw json.RawMessage) (Message, error) {
		var m ServerListMessage
		err := json.Unmarshal(raw, &m)
		return m, err
	})
	return r
}

func (r *decoderRegistry) register(messageType string, fn func(json.RawMessage) (Message, error)) {
	r.decoders[messageType] = fn
}

func (r *decoderRegistry) decode(messageType string, raw json.RawMessage) (Message, error) {
	fn, ok := r.decoders[messageType]
	if !ok {
		return nil, fmt.Errorf("cluster: no decoder registered for messageType %q", messageType)
	}
	return fn(raw)
}

// envelope is the wire shape of every published message: a messageType
// discriminator, the originating proxy id, and the JSON-encoded payload.
type envelope struct {
	MessageType   string          `json:"messageType"`
	SourceProxyID string          `json:"sourceProxyId"`
	Payload       json.RawMessage `json:"payload"`
}

func encodeEnvelope(sourceProxyID string, msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("cluster: marshal payload: %w", err)
	}
	env := envelope{
		MessageType:   msg.MessageType(),
		SourceProxyID: sourceProxyID,
		Payload:       payload,
	}
	return json.Marshal(env)
}

func decodeEnvelope(reg *decoderRegistry, data []byte) (sourceProxyID string, msg Message, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("cluster: unmarshal envelope: %w", err)
	}
	msg, err = reg.decode(env.MessageType, env.Payload)
	if err != nil {
		return "", nil, err
	}
	return env.SourceProxyID, msg, nil
}
