package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/internal/events"
	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/wire"
)

// Transport is the relay message channel. Handlers registered with On are
// invoked one at a time, in arrival order.
type Transport interface {
	Connect(ctx context.Context) error
	On(event models.Event, fn func(wire.Message))
	Emit(ctx context.Context, event models.Event, data any) error
	// Request sends an acknowledged message and decodes the ack into reply.
	Request(ctx context.Context, event models.Event, data, reply any) error
	Close() error
}

// Reconnector is implemented by transports that redial after a drop.
type Reconnector interface {
	OnReconnect(fn func())
}

// DisconnectNotifier is implemented by transports that report a final drop.
type DisconnectNotifier interface {
	OnDisconnect(fn func(err error))
}

// PeerConnection is the part of *webrtc.PeerConnection the engine drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerFactory creates the peer connection for one session.
type PeerFactory func(iceServers []webrtc.ICEServer) (PeerConnection, error)

// PionFactory adapts a constructor of concrete pion peer connections.
func PionFactory(newPC func([]webrtc.ICEServer) (*webrtc.PeerConnection, error)) PeerFactory {
	return func(iceServers []webrtc.ICEServer) (PeerConnection, error) {
		pc, err := newPC(iceServers)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
}

// MediaSource acquires the local camera and microphone.
type MediaSource interface {
	Acquire(ctx context.Context, constraints models.MediaConstraints) (LocalMedia, error)
}

// LocalMedia is an acquired local stream.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// State is the engine lifecycle position.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateIdle
	StateAwaitingCall
	StateNegotiating
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateAwaitingCall:
		return "awaiting-call"
	case StateNegotiating:
		return "negotiating"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// loggedIn reports whether the state lies between a successful login and
// teardown.
func (s State) loggedIn() bool {
	return s == StateAwaitingCall || s == StateNegotiating || s == StateLive
}

// Direction qualifies who started the call.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionCaller
	DirectionCallee
)

func (d Direction) String() string {
	switch d {
	case DirectionCaller:
		return "caller"
	case DirectionCallee:
		return "callee"
	default:
		return "none"
	}
}

// Flags is a snapshot of the per-session negotiation flags.
type Flags struct {
	HasPublished              bool
	RemoteDescriptionReceived bool
	CallAgreed                bool
}

// CallInvitation is an inbound call waiting for a local decision.
type CallInvitation struct {
	From            models.Identity
	AcceptedByLocal bool
}

// Engine event names.
const (
	EventCallIncoming  events.Name = "call-incoming"
	EventRoleAssigned  events.Name = "role-assigned"
	EventSessionLive   events.Name = "session-live"
	EventRemoteTrack   events.Name = "remote-track"
	EventPublishFailed events.Name = "publish-failed"
	EventPeerLeft      events.Name = "peer-left"
	EventSessionEnded  events.Name = "session-ended"
)

// Event is delivered to engine subscribers. Only the fields relevant to Name
// are set.
type Event struct {
	Name  events.Name
	From  models.Identity
	Role  models.Role
	Track *webrtc.TrackRemote
	Err   error
}
