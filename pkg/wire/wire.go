// Package wire implements the fixed-header control-message codec:
// message framing, the message-type taxonomy, and the I/O type byte.
// Any implementation of the protocol must produce byte-identical
// headers to interoperate, so this package is the one place in the
// module that is deliberately hand-rolled against the standard library
// rather than a third-party binary/serialization library.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MessageType is the single-byte message discriminator.
type MessageType byte

const (
	Initiate             MessageType = 1
	Cancel               MessageType = 2
	Compatible           MessageType = 3
	Connect              MessageType = 4
	ShowConnected        MessageType = 5
	StateInquiry         MessageType = 10
	StateResponse        MessageType = 11
	CapabilitiesInquiry  MessageType = 12
	CapabilitiesResponse MessageType = 13
	PatchRestore         MessageType = 20

	// bad is the sentinel type for a header too short to parse. It is
	// never sent; it only ever appears as the result of Decode.
	bad MessageType = 0
)

func (t MessageType) String() string {
	switch t {
	case Initiate:
		return "INITIATE"
	case Cancel:
		return "CANCEL"
	case Compatible:
		return "COMPATIBLE"
	case Connect:
		return "CONNECT"
	case ShowConnected:
		return "SHOW_CONNECTED"
	case StateInquiry:
		return "STATE_INQUIRY"
	case StateResponse:
		return "STATE_RESPONSE"
	case CapabilitiesInquiry:
		return "CAPABILITIES_INQUIRY"
	case CapabilitiesResponse:
		return "CAPABILITIES_RESPONSE"
	case PatchRestore:
		return "PATCH_RESTORE"
	default:
		return "BAD"
	}
}

// IOType is the single-byte I/O type enumeration. Two
// jacks are compatible iff their IOType values are equal.
type IOType byte

const (
	Unknown IOType = iota
	CV
	Audio
	Gate
	Trigger
	Clock
	MIDI
	OSCMsg
)

func (t IOType) String() string {
	switch t {
	case CV:
		return "CV"
	case Audio:
		return "AUDIO"
	case Gate:
		return "GATE"
	case Trigger:
		return "TRIGGER"
	case Clock:
		return "CLOCK"
	case MIDI:
		return "MIDI"
	case OSCMsg:
		return "OSC_MSG"
	default:
		return "UNKNOWN"
	}
}

// headerLen is type(1) + mod_len(2) + io_type(1) + io_len(2) + payload_len(2).
const headerLen = 8

// Message is a decoded control-plane datagram.
type Message struct {
	Type     MessageType
	ModuleID string
	IOType   IOType
	IOID     string
	Payload  json.RawMessage
}

// IsBad reports whether Decode had to fall back to the sentinel "bad"
// message, because the header was shorter than 8 bytes or the
// module_id, io_id or payload ran past the end of the datagram.
// Receivers silently drop such messages.
func (m Message) IsBad() bool {
	return m.Type == bad
}

// Encode produces the wire representation of m. Unknown trailing bytes
// are never produced by Encode; they are only ever tolerated by Decode.
func Encode(m Message) []byte {
	var modBytes = []byte(m.ModuleID)
	var ioBytes = []byte(m.IOID)
	var payload = m.Payload
	if payload == nil {
		payload = []byte{}
	}

	var buf = make([]byte, headerLen+len(modBytes)+len(ioBytes)+len(payload))

	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(modBytes))) //nolint:gosec
	buf[3] = byte(m.IOType)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(ioBytes))) //nolint:gosec
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(payload))) //nolint:gosec

	var offset = headerLen
	offset += copy(buf[offset:], modBytes)
	offset += copy(buf[offset:], ioBytes)
	copy(buf[offset:], payload)

	return buf
}

// Decode parses a received datagram. A header shorter than 8 bytes
// yields the sentinel bad message (IsBad() == true) rather than an
// error: receivers drop it silently rather than propagate a decode
// error up the stack.
func Decode(data []byte) Message {
	if len(data) < headerLen {
		return Message{Type: bad}
	}

	var modLen = int(binary.BigEndian.Uint16(data[1:3]))
	var ioType = IOType(data[3])
	var ioLen = int(binary.BigEndian.Uint16(data[4:6]))
	var payloadLen = int(binary.BigEndian.Uint16(data[6:8]))

	var offset = headerLen
	var modEnd = offset + modLen
	if modEnd > len(data) {
		return Message{Type: bad}
	}
	var moduleID = string(data[offset:modEnd])

	offset = modEnd
	var ioEnd = offset + ioLen
	if ioEnd > len(data) {
		return Message{Type: bad}
	}
	var ioID = string(data[offset:ioEnd])

	offset = ioEnd
	var payloadEnd = offset + payloadLen
	if payloadEnd > len(data) {
		// Truncated payload: still a usable header, but no payload
		// bytes can be trusted. Treat as decode failure.
		return Message{Type: bad}
	}

	return Message{
		Type:     MessageType(data[0]),
		ModuleID: moduleID,
		IOType:   ioType,
		IOID:     ioID,
		Payload:  json.RawMessage(data[offset:payloadEnd]),
	}
}

// InitiatePayload is the body of an INITIATE message.
type InitiatePayload struct {
	Group     string `json:"group"`
	Type      IOType `json:"type"`
	Offset    int    `json:"offset"`
	BlockSize int    `json:"block_size"`
}

// CompatiblePayload is the body of a COMPATIBLE message.
type CompatiblePayload struct {
	Type IOType `json:"type"`
}

// ShowConnectedPayload is the body of a SHOW_CONNECTED message.
type ShowConnectedPayload struct {
	TargetMod string `json:"target_mod"`
	TargetIO  string `json:"target_io"`
}

// PatchRestorePayload is the body of a PATCH_RESTORE message. State is
// left as a raw document: its shape is controller-defined.
type PatchRestorePayload struct {
	TargetMod string          `json:"target_mod"`
	State     json.RawMessage `json:"state"`
}

// DecodePayload unmarshals m.Payload into v, returning a decode-failure
// error that callers should treat as "silently drop, no state change"
// rather than propagate.
func DecodePayload(m Message, v any) error {
	if len(m.Payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("wire: decode payload for %s: %w", m.Type, err)
	}

	return nil
}

// MustEncodePayload marshals v to JSON. It only fails for payload types
// that cannot be represented in JSON, which none of the message types
// in this package are; callers may treat an error here as a programming
// bug.
func MustEncodePayload(v any) json.RawMessage {
	var data, err = json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: payload %T cannot be encoded as JSON: %v", v, err))
	}

	return data
}
