// Package message turns batches and events into versioned, sequenced
// envelopes, serializes them and hands them to a Transport.
package message

import (
	"strings"
	"sync/atomic"
	"time"
)

// EnvelopeVersion is the envelope format version written by this package.
const EnvelopeVersion = 1

// TimestampFormat is the ISO-8601 layout used for envelope timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// MessageType identifies what an envelope carries. It doubles as the
// transport category.
type MessageType uint8

const (
	MessageUnknown MessageType = iota
	MessageEventBatch
	MessageEvent
	MessageAction
	MessageActionResult
)

// String returns the wire name of the message type.
func (m MessageType) String() string {
	switch m {
	case MessageEventBatch:
		return "event_batch"
	case MessageEvent:
		return "event"
	case MessageAction:
		return "action"
	case MessageActionResult:
		return "action_result"
	default:
		return "unknown"
	}
}

// ParseMessageType maps a wire name to a MessageType.
func ParseMessageType(name string) MessageType {
	switch strings.ToLower(name) {
	case "event_batch":
		return MessageEventBatch
	case "event":
		return MessageEvent
	case "action":
		return MessageAction
	case "action_result":
		return MessageActionResult
	default:
		return MessageUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m MessageType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MessageType) UnmarshalText(text []byte) error {
	*m = ParseMessageType(string(text))
	return nil
}

// Envelope wraps outbound or inbound data with ordering metadata.
// Downstream consumers use SequenceID to detect gaps: a missing id
// means a send was attempted and lost.
type Envelope[T any] struct {
	Version     int         `json:"version" msgpack:"version" cbor:"version"`
	SequenceID  uint64      `json:"sequence_id" msgpack:"sequence_id" cbor:"sequence_id"`
	Timestamp   string      `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	MessageType MessageType `json:"message_type" msgpack:"message_type" cbor:"message_type"`
	Data        T           `json:"data" msgpack:"data" cbor:"data"`
}

// Time parses the envelope timestamp.
func (e Envelope[T]) Time() (time.Time, error) {
	return time.Parse(TimestampFormat, e.Timestamp)
}

// Sequencer hands out strictly increasing sequence ids starting at 1.
// Ids are never reused for the lifetime of the Sequencer.
type Sequencer struct {
	last atomic.Uint64
}

// Next returns the next sequence id.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}
