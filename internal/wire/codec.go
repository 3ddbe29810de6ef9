package wire

import (
	"bytes"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mossy-p/roomcall/internal/models"
)

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

var jsonNull = []byte("null")

type jsonFrame struct {
	Event  models.Event    `json:"event"`
	ID     uint64          `json:"id,omitempty"`
	Sender string          `json:"sender,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string     { return SubprotocolJSON }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) EncodeFrame(f *Frame) ([]byte, error) {
	data := f.Data
	if len(data) == 0 {
		data = jsonNull
	}
	return json.Marshal(jsonFrame{Event: f.Event, ID: f.ID, Sender: f.Sender, Data: data})
}

func (jsonCodec) DecodeFrame(b []byte) (*Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal(b, &jf); err != nil {
		return nil, err
	}
	return &Frame{Event: jf.Event, ID: jf.ID, Sender: jf.Sender, Data: jf.Data}, nil
}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) IsNull(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, jsonNull)
}

// msgpackNil is the single-byte msgpack encoding of nil.
const msgpackNil = 0xc0

type msgpackFrame struct {
	Event  models.Event       `msgpack:"event"`
	ID     uint64             `msgpack:"id,omitempty"`
	Sender string             `msgpack:"sender,omitempty"`
	Data   msgpack.RawMessage `msgpack:"data"`
}

// msgpackCodec encodes payloads using their json tags, so pion's
// SessionDescription and ICECandidateInit keep their browser field names.
type msgpackCodec struct{}

func (msgpackCodec) Name() string     { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (msgpackCodec) EncodeFrame(f *Frame) ([]byte, error) {
	data := f.Data
	if len(data) == 0 {
		data = []byte{msgpackNil}
	}
	return msgpack.Marshal(&msgpackFrame{Event: f.Event, ID: f.ID, Sender: f.Sender, Data: data})
}

func (msgpackCodec) DecodeFrame(b []byte) (*Frame, error) {
	var mf msgpackFrame
	if err := msgpack.Unmarshal(b, &mf); err != nil {
		return nil, err
	}
	return &Frame{Event: mf.Event, ID: mf.ID, Sender: mf.Sender, Data: mf.Data}, nil
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (msgpackCodec) IsNull(data []byte) bool {
	return len(data) == 0 || (len(data) == 1 && data[0] == msgpackNil)
}
