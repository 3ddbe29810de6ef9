// Package wire defines the relay frame and the codecs that carry it.
//
// A frame is {event, id, sender, data}. JSON text frames are the default and
// match what browser clients send; Go clients may negotiate msgpack binary
// frames through the WebSocket sub-protocol.
package wire

import (
	"fmt"

	"github.com/mossy-p/roomcall/internal/models"
)

const (
	SubprotocolJSON    = "roomcall.json"
	SubprotocolMsgpack = "roomcall.msgpack"
)

// Subprotocols lists every sub-protocol the relay accepts, in preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Frame is one relay message. Data holds the payload already encoded with the
// codec the frame travels in.
type Frame struct {
	Event  models.Event
	ID     uint64
	Sender string
	Data   []byte
}

// Codec turns frames and payloads into bytes for one sub-protocol.
type Codec interface {
	Name() string
	// MessageType is the gorilla/websocket message type frames are sent as.
	MessageType() int
	EncodeFrame(f *Frame) ([]byte, error)
	DecodeFrame(b []byte) (*Frame, error)
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// IsNull reports whether an encoded payload is absent or null.
	IsNull(data []byte) bool
}

// ForSubprotocol returns the codec for a negotiated sub-protocol. An empty or
// unknown name selects JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

// ParseSubprotocol accepts a sub-protocol by its full name or by the short
// encoding name, json or msgpack.
func ParseSubprotocol(name string) (string, error) {
	switch name {
	case "json", SubprotocolJSON:
		return SubprotocolJSON, nil
	case "msgpack", SubprotocolMsgpack:
		return SubprotocolMsgpack, nil
	}
	return "", fmt.Errorf("unknown sub-protocol %q: want json or msgpack", name)
}

// NewFrame encodes data with c into a frame.
func NewFrame(c Codec, event models.Event, id uint64, sender string, data any) (*Frame, error) {
	raw, err := c.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Frame{Event: event, ID: id, Sender: sender, Data: raw}, nil
}

// Message is an inbound relay message whose payload is decoded on demand.
type Message struct {
	Event  models.Event
	Sender string

	data  []byte
	codec Codec
}

// NewMessage wraps a decoded frame.
func NewMessage(c Codec, f *Frame) Message {
	return Message{Event: f.Event, Sender: f.Sender, data: f.Data, codec: c}
}

// EncodeMessage builds a Message from a plain payload. In-process transports
// and tests use it to hand messages to listeners.
func EncodeMessage(c Codec, event models.Event, sender string, data any) (Message, error) {
	f, err := NewFrame(c, event, 0, sender, data)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(c, f), nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if m.codec == nil {
		return fmt.Errorf("decode %s payload: no codec", m.Event)
	}
	if m.IsNull() {
		return nil
	}
	return m.codec.Unmarshal(m.data, v)
}

// IsNull reports whether the payload is absent or null.
func (m Message) IsNull() bool {
	return m.codec == nil || m.codec.IsNull(m.data)
}
