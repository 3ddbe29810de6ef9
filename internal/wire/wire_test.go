package wire

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomcall/internal/models"
)

func TestForSubprotocol(t *testing.T) {
	assert.Equal(t, JSON, ForSubprotocol(""))
	assert.Equal(t, JSON, ForSubprotocol("socket.io"))
	assert.Equal(t, JSON, ForSubprotocol(SubprotocolJSON))
	assert.Equal(t, Msgpack, ForSubprotocol(SubprotocolMsgpack))

	assert.Equal(t, websocket.TextMessage, JSON.MessageType())
	assert.Equal(t, websocket.BinaryMessage, Msgpack.MessageType())
}

func TestParseSubprotocol(t *testing.T) {
	for name, want := range map[string]string{
		"json":             SubprotocolJSON,
		"msgpack":          SubprotocolMsgpack,
		SubprotocolJSON:    SubprotocolJSON,
		SubprotocolMsgpack: SubprotocolMsgpack,
	} {
		got, err := ParseSubprotocol(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}

	_, err := ParseSubprotocol("protobuf")
	assert.ErrorContains(t, err, "unknown sub-protocol")
}

func TestJSONFrameMatchesBrowserShape(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	f, err := NewFrame(JSON, models.EventSendSDP, 0, "alice", offer)
	require.NoError(t, err)

	b, err := JSON.EncodeFrame(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"send_sdp","sender":"alice","data":{"type":"offer","sdp":"v=0"}}`, string(b))
}

func TestJSONFrameWithoutDataIsNull(t *testing.T) {
	b, err := JSON.EncodeFrame(&Frame{Event: models.EventLeave, Sender: "bob"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"leave","sender":"bob","data":null}`, string(b))

	f, err := JSON.DecodeFrame([]byte(`{"event":"candidate","sender":"bob"}`))
	require.NoError(t, err)
	msg := NewMessage(JSON, f)
	assert.True(t, msg.IsNull())

	var c *webrtc.ICECandidateInit
	require.NoError(t, msg.Decode(&c))
	assert.Nil(t, c)
}

func TestMsgpackUsesJSONFieldNames(t *testing.T) {
	raw, err := Msgpack.Marshal(models.LoginAck{Success: true, Role: models.RolePublisher})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, Msgpack.Unmarshal(raw, &fields))
	assert.Equal(t, true, fields["success"])
	assert.Equal(t, "publisher", fields["role"])
	assert.NotContains(t, fields, "reason")
}

func TestMsgpackCarriesCandidate(t *testing.T) {
	mid := "0"
	index := uint16(1)
	candidate := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}

	f, err := NewFrame(Msgpack, models.EventCandidate, 7, "alice", candidate)
	require.NoError(t, err)
	b, err := Msgpack.EncodeFrame(f)
	require.NoError(t, err)

	decoded, err := Msgpack.DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, models.EventCandidate, decoded.Event)
	assert.Equal(t, uint64(7), decoded.ID)

	msg := NewMessage(Msgpack, decoded)
	require.False(t, msg.IsNull())

	var got webrtc.ICECandidateInit
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, candidate.Candidate, got.Candidate)
	require.NotNil(t, got.SDPMLineIndex)
	assert.Equal(t, uint16(1), *got.SDPMLineIndex)
}

func TestMsgpackNullPayload(t *testing.T) {
	b, err := Msgpack.EncodeFrame(&Frame{Event: models.EventCandidate, Sender: "alice"})
	require.NoError(t, err)

	f, err := Msgpack.DecodeFrame(b)
	require.NoError(t, err)
	assert.True(t, NewMessage(Msgpack, f).IsNull())
}

func TestMessageWithoutCodec(t *testing.T) {
	var m Message
	assert.True(t, m.IsNull())
	assert.Error(t, m.Decode(&struct{}{}))
}
