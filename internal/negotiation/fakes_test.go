package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/wire"
)

type sent struct {
	event models.Event
	data  any
}

type fakeTransport struct {
	mu         sync.Mutex
	handlers   map[models.Event][]func(wire.Message)
	sent       []sent
	logins     []models.LoginRequest
	acks       []models.LoginAck
	connectErr error
	emitErr    error
	closed     int
	reconnect  []func()
	disconnect []func(error)

	// connectHook runs inside Connect, before it returns.
	connectHook func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[models.Event][]func(wire.Message))}
}

// queueAck sets the replies to the next login requests, in order. When the
// queue is empty the login succeeds as publisher.
func (f *fakeTransport) queueAck(acks ...models.LoginAck) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, acks...)
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectHook != nil {
		f.connectHook()
	}
	return f.connectErr
}

func (f *fakeTransport) On(event models.Event, fn func(wire.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], fn)
}

func (f *fakeTransport) Emit(_ context.Context, event models.Event, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.sent = append(f.sent, sent{event: event, data: data})
	return nil
}

func (f *fakeTransport) Request(_ context.Context, event models.Event, data, reply any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event != models.EventLogin {
		return fmt.Errorf("unexpected request %s", event)
	}
	f.logins = append(f.logins, data.(models.LoginRequest))
	ack := models.LoginAck{Success: true, Role: models.RolePublisher}
	if len(f.acks) > 0 {
		ack, f.acks = f.acks[0], f.acks[1:]
	}
	*reply.(*models.LoginAck) = ack
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnect = append(f.reconnect, fn)
}

func (f *fakeTransport) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = append(f.disconnect, fn)
}

// deliver hands a relay message to the registered listeners, as the signal
// client's dispatcher would.
func (f *fakeTransport) deliver(event models.Event, sender string, data any) {
	msg, err := wire.EncodeMessage(wire.JSON, event, sender, data)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	handlers := append([]func(wire.Message){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (f *fakeTransport) reconnected() {
	f.mu.Lock()
	hooks := append([]func(){}, f.reconnect...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeTransport) dropped(err error) {
	f.mu.Lock()
	hooks := append([]func(error){}, f.disconnect...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (f *fakeTransport) sentOf(event models.Event) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s.data)
		}
	}
	return out
}

func (f *fakeTransport) descriptions() []webrtc.SessionDescription {
	var out []webrtc.SessionDescription
	for _, d := range f.sentOf(models.EventSendSDP) {
		out = append(out, d.(webrtc.SessionDescription))
	}
	return out
}

type fakePeer struct {
	mu         sync.Mutex
	offers     int
	answers    int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closed     bool

	createErr    error
	setRemoteErr error
	candidateErr error

	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return webrtc.SessionDescription{}, p.createErr
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return webrtc.SessionDescription{}, p.createErr
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.answers)}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc)
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.candidateErr != nil {
		return p.candidateErr
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil, nil
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { p.onTrack = f }
func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate))              { p.onICE = f }
func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.onState = f
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) snapshot() (offers, answers, tracks, candidates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.answers, len(p.tracks), len(p.candidates)
}

type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	err      error
	stream   *fakeStream
}

func (m *fakeMedia) Acquire(context.Context, models.MediaConstraints) (LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	if m.stream == nil {
		m.stream = newFakeStream()
	}
	return m.stream, nil
}

type fakeStream struct {
	tracks []webrtc.TrackLocal
	closed int
}

func newFakeStream() *fakeStream {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		panic(err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		panic(err)
	}
	return &fakeStream{tracks: []webrtc.TrackLocal{audio, video}}
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

var errBoom = errors.New("boom")

type fixture struct {
	engine    *Engine
	transport *fakeTransport
	peer      *fakePeer
	media     *fakeMedia
}

func newFixture() *fixture {
	f := &fixture{
		transport: newFakeTransport(),
		peer:      &fakePeer{},
		media:     &fakeMedia{},
	}
	e, err := New(Options{
		Transport:   f.transport,
		NewPeer:     func([]webrtc.ICEServer) (PeerConnection, error) { return f.peer, nil },
		Media:       f.media,
		ContainerID: "view-1",
	})
	if err != nil {
		panic(err)
	}
	f.engine = e
	return f
}

var offer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
var answer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
