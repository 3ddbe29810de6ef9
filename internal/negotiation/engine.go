// Package negotiation drives a two-party audio/video session from room login
// to a live peer connection.
//
// The engine consumes a relay Transport, a PeerConnection capability and a
// MediaSource. It guarantees at most one offer or answer per session, and it
// answers an inbound call only once the local user has approved it and the
// remote offer has been applied, whichever happens last.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/internal/events"
	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/peer"
	"github.com/mossy-p/roomcall/internal/wire"
)

// Options configures an Engine.
type Options struct {
	Transport Transport
	NewPeer   PeerFactory
	Media     MediaSource

	// Constraints default to models.DefaultMediaConstraints.
	Constraints models.MediaConstraints
	// ICEServers default to peer.DefaultICEServers.
	ICEServers []webrtc.ICEServer

	ContainerID string
	Logger      *slog.Logger
}

// Engine is one negotiation session. All methods are safe for concurrent use;
// operations run one at a time and subscribers are called after the
// operation that raised the event has returned its locks.
type Engine struct {
	id          string
	containerID string
	transport   Transport
	newPeer     PeerFactory
	media       MediaSource
	constraints models.MediaConstraints
	iceServers  []webrtc.ICEServer
	log         *slog.Logger
	bus         events.Bus[Event]

	ctx    context.Context
	cancel context.CancelFunc

	// ops serializes operations, transport listeners included.
	ops sync.Mutex

	mu         sync.Mutex
	state      State
	direction  Direction
	identity   models.Identity
	role       models.Role
	flags      Flags
	gate       Gate
	invitation *CallInvitation
	pc         PeerConnection
	local      LocalMedia
	attached   int
	live       bool
	ended      bool
	pending    []Event
}

// New creates an engine in the created state. Nothing is connected until
// Initialize.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Transport == nil:
		return nil, errors.New("negotiation: transport is required")
	case opts.NewPeer == nil:
		return nil, errors.New("negotiation: peer factory is required")
	case opts.Media == nil:
		return nil, errors.New("negotiation: media source is required")
	}

	constraints := opts.Constraints
	if constraints == (models.MediaConstraints{}) {
		constraints = models.DefaultMediaConstraints()
	}
	iceServers := opts.ICEServers
	if len(iceServers) == 0 {
		iceServers = append([]webrtc.ICEServer(nil), peer.DefaultICEServers...)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		id:          id,
		containerID: opts.ContainerID,
		transport:   opts.Transport,
		newPeer:     opts.NewPeer,
		media:       opts.Media,
		constraints: constraints,
		iceServers:  iceServers,
		log:         logger.With("session", id, "container", opts.ContainerID),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// On subscribes fn to an engine event.
func (e *Engine) On(name events.Name, fn func(Event)) (unsubscribe func()) {
	return e.bus.Subscribe(name, fn)
}

func (e *Engine) ID() string          { return e.id }
func (e *Engine) ContainerID() string { return e.containerID }

func (e *Engine) Constraints() models.MediaConstraints { return e.constraints }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Direction() Direction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.direction
}

func (e *Engine) Role() models.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *Engine) Identity() models.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

func (e *Engine) Flags() Flags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags
}

func (e *Engine) GateState() GateState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate.State()
}

// Invitation returns the inbound call being decided, if any.
func (e *Engine) Invitation() (CallInvitation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invitation == nil {
		return CallInvitation{}, false
	}
	return *e.invitation, true
}

// Initialize connects the transport, creates the peer connection and
// registers every listener.
func (e *Engine) Initialize(ctx context.Context) error {
	const op = "initialize"
	return e.run(func() error {
		e.mu.Lock()
		if e.state != StateCreated {
			e.mu.Unlock()
			return newError(op, ErrAlreadyInitialized)
		}
		e.state = StateInitializing
		e.mu.Unlock()

		e.listen()
		if err := e.transport.Connect(ctx); err != nil {
			if e.closed() {
				return newError(op, ErrClosed)
			}
			e.Destroy()
			return wrapError(op, ErrTransport, err)
		}
		if e.closed() {
			return newError(op, ErrClosed)
		}

		pc, err := e.newPeer(e.iceServers)
		if err != nil {
			e.Destroy()
			return wrapError(op, ErrCapability, err)
		}
		pc.OnTrack(e.onTrack)
		pc.OnICECandidate(e.onICECandidate)
		pc.OnConnectionStateChange(e.onConnectionState)

		e.mu.Lock()
		if e.state == StateClosed {
			e.mu.Unlock()
			_ = pc.Close()
			return newError(op, ErrClosed)
		}
		e.pc = pc
		e.state = StateIdle
		e.mu.Unlock()

		e.log.Info("engine initialized", "ice_servers", len(e.iceServers))
		return nil
	})
}

// Login joins room as user. The relay decides the initial role.
func (e *Engine) Login(ctx context.Context, room, user string) (models.Role, error) {
	const op = "login"
	var role models.Role
	err := e.run(func() error {
		e.mu.Lock()
		err := e.requireIdleLocked(op)
		e.mu.Unlock()
		if err != nil {
			return err
		}
		if room == "" || user == "" {
			return detailError(op, ErrLoginRejected, "room and user name are required")
		}

		id := models.Identity{UserName: user, RoomName: room}
		ack, err := e.login(ctx, id)
		if err != nil {
			return wrapError(op, ErrTransport, err)
		}
		if !ack.Success {
			return detailError(op, ErrLoginRejected, ack.Reason)
		}
		if !ack.Role.Valid() {
			return detailError(op, ErrLoginRejected, fmt.Sprintf("relay assigned unknown role %q", ack.Role))
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state == StateClosed {
			return newError(op, ErrClosed)
		}
		e.identity = id
		e.role = ack.Role
		e.state = StateAwaitingCall
		e.queueLocked(Event{Name: EventRoleAssigned, Role: ack.Role})
		e.log.Info("logged in", "room", room, "user", user, "role", ack.Role)
		role = ack.Role
		return nil
	})
	return role, err
}

func (e *Engine) login(ctx context.Context, id models.Identity) (models.LoginAck, error) {
	var ack models.LoginAck
	req := models.LoginRequest{UserName: id.UserName, RoomName: id.RoomName}
	if err := e.transport.Request(ctx, models.EventLogin, req, &ack); err != nil {
		return ack, err
	}
	return ack, nil
}

// InitiateCall invites the other room member and publishes as the offerer.
// Calling it again after a failed publish retries the publish without
// inviting twice.
func (e *Engine) InitiateCall(ctx context.Context) error {
	const op = "initiate call"
	return e.run(func() error {
		e.mu.Lock()
		if err := e.requireSessionLocked(op); err != nil {
			e.mu.Unlock()
			return err
		}
		if e.flags.HasPublished || e.flags.CallAgreed {
			e.mu.Unlock()
			return nil
		}
		if e.direction == DirectionCaller {
			e.mu.Unlock()
			e.log.Debug("invitation already sent, retrying publish")
			return e.publish(ctx, op)
		}
		if e.invitation != nil {
			e.log.Info("dropping pending invitation to place a call", "from", e.invitation.From.UserName)
			e.invitation = nil
		}
		e.direction = DirectionCaller
		e.setRoleLocked(models.RolePublisher)
		e.mu.Unlock()

		if err := e.transport.Emit(ctx, models.EventCall, ""); err != nil {
			e.mu.Lock()
			if e.direction == DirectionCaller {
				e.direction = DirectionNone
			}
			e.mu.Unlock()
			return wrapError(op, ErrTransport, err)
		}
		return e.publish(ctx, op)
	})
}

// HandleInvitation records an inbound call from sender and raises
// call-incoming. It never publishes.
func (e *Engine) HandleInvitation(sender string) {
	_ = e.run(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case !e.state.loggedIn():
			e.log.Debug("invitation before login ignored", "from", sender)
			return nil
		case sender == e.identity.UserName:
			return nil
		case e.direction == DirectionCaller:
			e.log.Warn("invitation while placing a call ignored", "from", sender)
			return nil
		case e.flags.CallAgreed || e.flags.HasPublished:
			e.log.Debug("invitation after agreement ignored", "from", sender)
			return nil
		}

		from := models.Identity{UserName: sender, RoomName: e.identity.RoomName}
		e.invitation = &CallInvitation{From: from}
		e.direction = DirectionCallee
		e.setRoleLocked(models.RoleSubscriber)
		e.queueLocked(Event{Name: EventCallIncoming, From: from})
		e.log.Info("incoming call", "from", sender)
		return nil
	})
}

// ApproveInvitation accepts the pending call. The answer goes out now if the
// offer is already applied, otherwise when it arrives. Approving again after
// a failed answer retries it.
func (e *Engine) ApproveInvitation(ctx context.Context) error {
	const op = "approve invitation"
	return e.run(func() error {
		e.mu.Lock()
		if err := e.requireSessionLocked(op); err != nil {
			e.mu.Unlock()
			return err
		}
		if e.flags.CallAgreed {
			retry := e.gate.State() == GateOpen && !e.flags.HasPublished
			e.mu.Unlock()
			if !retry {
				return nil
			}
			e.log.Debug("call already agreed, retrying publish")
			return e.publish(ctx, op)
		}
		if e.invitation == nil {
			e.mu.Unlock()
			return newError(op, ErrNoInvitation)
		}
		e.flags.CallAgreed = true
		e.invitation.AcceptedByLocal = true
		opened := e.gate.Agree()
		e.mu.Unlock()

		if !opened {
			e.log.Debug("call agreed, waiting for offer")
			return nil
		}
		return e.publish(ctx, op)
	})
}

// DeclineInvitation drops the pending call. An approved call cannot be
// declined.
func (e *Engine) DeclineInvitation() {
	_ = e.run(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.invitation == nil || e.flags.CallAgreed {
			return nil
		}
		e.log.Info("invitation declined", "from", e.invitation.From.UserName)
		e.invitation = nil
		if e.direction == DirectionCallee {
			e.direction = DirectionNone
		}
		return nil
	})
}

// Publish acquires local media, attaches it and sends the offer or answer
// for the current role.
func (e *Engine) Publish(ctx context.Context) error {
	return e.run(func() error { return e.publish(ctx, "publish") })
}

func (e *Engine) publish(ctx context.Context, op string) error {
	e.mu.Lock()
	if err := e.requireSessionLocked(op); err != nil {
		e.mu.Unlock()
		return err
	}
	role, local, pc := e.role, e.local, e.pc
	e.mu.Unlock()

	if local == nil {
		acquired, err := e.media.Acquire(ctx, e.constraints)
		if err != nil {
			return wrapError(op, ErrMediaAcquisition, err)
		}
		e.mu.Lock()
		if e.state == StateClosed {
			e.mu.Unlock()
			_ = acquired.Close()
			return newError(op, ErrClosed)
		}
		e.local = acquired
		e.mu.Unlock()
		local = acquired
	}

	if err := e.attachTracks(op, pc, local); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state == StateAwaitingCall {
		e.state = StateNegotiating
	}
	e.mu.Unlock()

	if role == models.RolePublisher {
		return e.sendDescription(ctx, op, false)
	}
	return e.sendDescription(ctx, op, true)
}

func (e *Engine) attachTracks(op string, pc PeerConnection, local LocalMedia) error {
	tracks := local.Tracks()

	e.mu.Lock()
	start := e.attached
	e.mu.Unlock()

	for i := start; i < len(tracks); i++ {
		if _, err := pc.AddTrack(tracks[i]); err != nil {
			return wrapError(op, ErrCapability, err)
		}
		e.mu.Lock()
		if e.state == StateClosed {
			e.mu.Unlock()
			return newError(op, ErrClosed)
		}
		e.attached = i + 1
		e.mu.Unlock()
		e.log.Debug("local track attached", "kind", tracks[i].Kind().String(), "id", tracks[i].ID())
	}
	return nil
}

// CreateOfferOnce creates, applies and relays the local offer. Later calls
// in the same session do nothing.
func (e *Engine) CreateOfferOnce(ctx context.Context) error {
	return e.run(func() error { return e.sendDescription(ctx, "create offer", false) })
}

// CreateAnswerOnce creates, applies and relays the local answer to the
// applied remote offer. Later calls in the same session do nothing.
func (e *Engine) CreateAnswerOnce(ctx context.Context) error {
	return e.run(func() error { return e.sendDescription(ctx, "create answer", true) })
}

func (e *Engine) sendDescription(ctx context.Context, op string, answer bool) error {
	e.mu.Lock()
	if err := e.requireSessionLocked(op); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.flags.HasPublished {
		e.mu.Unlock()
		return nil
	}
	if answer && !e.flags.RemoteDescriptionReceived {
		e.mu.Unlock()
		return detailError(op, ErrSignalingFailure, "no remote offer to answer")
	}
	pc := e.pc
	e.mu.Unlock()

	var (
		desc webrtc.SessionDescription
		err  error
	)
	if answer {
		desc, err = pc.CreateAnswer(nil)
	} else {
		desc, err = pc.CreateOffer(nil)
	}
	if err != nil {
		return wrapError(op, ErrSignalingFailure, err)
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return wrapError(op, ErrSignalingFailure, err)
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return newError(op, ErrClosed)
	}
	e.flags.HasPublished = true
	e.mu.Unlock()

	if err := e.transport.Emit(ctx, models.EventSendSDP, desc); err != nil {
		return wrapError(op, ErrTransport, err)
	}
	e.log.Info("local description sent", "type", desc.Type.String())
	return nil
}

// HandleRemoteDescription applies a description relayed from sender. Only
// the first one in a session is applied.
func (e *Engine) HandleRemoteDescription(ctx context.Context, sender string, desc webrtc.SessionDescription) error {
	const op = "remote description"
	return e.run(func() error {
		e.mu.Lock()
		switch {
		case !e.state.loggedIn():
			e.mu.Unlock()
			e.log.Debug("description before login ignored", "from", sender)
			return nil
		case sender == e.identity.UserName:
			e.mu.Unlock()
			return nil
		case e.flags.RemoteDescriptionReceived:
			e.mu.Unlock()
			e.log.Debug("duplicate remote description ignored", "from", sender, "type", desc.Type.String())
			return nil
		}
		pc := e.pc
		e.mu.Unlock()

		if err := pc.SetRemoteDescription(desc); err != nil {
			return wrapError(op, ErrSignalingFailure, err)
		}

		e.mu.Lock()
		if e.state == StateClosed {
			e.mu.Unlock()
			return newError(op, ErrClosed)
		}
		e.flags.RemoteDescriptionReceived = true
		opened := desc.Type == webrtc.SDPTypeOffer && e.gate.Describe()
		e.mu.Unlock()
		e.log.Info("remote description applied", "from", sender, "type", desc.Type.String())

		if !opened {
			return nil
		}
		if err := e.publish(ctx, op); err != nil {
			e.mu.Lock()
			e.queueLocked(Event{Name: EventPublishFailed, Err: err})
			e.mu.Unlock()
			return err
		}
		return nil
	})
}

// HandleRemoteCandidate applies a candidate relayed from sender. A nil or
// empty candidate marks the end of candidates. Candidates that arrive before
// the remote description are dropped.
func (e *Engine) HandleRemoteCandidate(sender string, candidate *webrtc.ICECandidateInit) {
	_ = e.run(func() error {
		e.mu.Lock()
		if !e.state.loggedIn() || sender == e.identity.UserName {
			e.mu.Unlock()
			return nil
		}
		if candidate == nil || candidate.Candidate == "" {
			e.mu.Unlock()
			e.log.Debug("end of remote candidates", "from", sender)
			return nil
		}
		if !e.flags.RemoteDescriptionReceived {
			e.mu.Unlock()
			e.log.Warn("candidate before remote description dropped", "from", sender)
			return nil
		}
		pc := e.pc
		e.mu.Unlock()

		if err := pc.AddICECandidate(*candidate); err != nil {
			e.log.Warn("remote candidate rejected", "from", sender, "error", err)
		}
		return nil
	})
}

// Destroy releases the transport, the peer connection and local media, and
// closes the event surface. It may be called at any time, more than once.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateClosed
	pc, local := e.pc, e.local
	e.pc, e.local = nil, nil
	e.flags = Flags{}
	e.gate.Reset()
	e.invitation = nil
	e.direction = DirectionNone
	e.attached = 0
	e.pending = nil
	e.cancel()
	e.mu.Unlock()

	if local != nil {
		if err := local.Close(); err != nil {
			e.log.Debug("close local media", "error", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			e.log.Debug("close peer connection", "error", err)
		}
	}
	if err := e.transport.Close(); err != nil {
		e.log.Debug("close transport", "error", err)
	}
	e.bus.Close()
	e.log.Info("engine destroyed", "state", prev.String())
}

func (e *Engine) listen() {
	e.transport.On(models.EventSendSDP, e.onDescription)
	e.transport.On(models.EventCandidate, e.onCandidate)
	e.transport.On(models.EventCall, func(m wire.Message) { e.HandleInvitation(m.Sender) })
	e.transport.On(models.EventLeave, e.onLeave)
	e.transport.On(models.EventError, e.onRelayError)

	if r, ok := e.transport.(Reconnector); ok {
		r.OnReconnect(e.replayLogin)
	}
	if d, ok := e.transport.(DisconnectNotifier); ok {
		d.OnDisconnect(e.onDisconnect)
	}
}

func (e *Engine) onDescription(m wire.Message) {
	var desc webrtc.SessionDescription
	if m.IsNull() {
		e.log.Warn("empty session description ignored", "from", m.Sender)
		return
	}
	if err := m.Decode(&desc); err != nil {
		e.log.Warn("malformed session description", "from", m.Sender, "error", err)
		return
	}
	if err := e.HandleRemoteDescription(e.ctx, m.Sender, desc); err != nil && !errors.Is(err, ErrClosed) {
		e.log.Error("remote description failed", "from", m.Sender, "error", err)
	}
}

func (e *Engine) onCandidate(m wire.Message) {
	if m.IsNull() {
		e.HandleRemoteCandidate(m.Sender, nil)
		return
	}
	var c webrtc.ICECandidateInit
	if err := m.Decode(&c); err != nil {
		e.log.Warn("malformed candidate", "from", m.Sender, "error", err)
		return
	}
	e.HandleRemoteCandidate(m.Sender, &c)
}

func (e *Engine) onLeave(m wire.Message) {
	_ = e.run(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.state.loggedIn() || m.Sender == e.identity.UserName {
			return nil
		}
		e.queueLocked(Event{
			Name: EventPeerLeft,
			From: models.Identity{UserName: m.Sender, RoomName: e.identity.RoomName},
		})
		e.log.Info("peer left", "user", m.Sender)
		return nil
	})
}

func (e *Engine) onRelayError(m wire.Message) {
	var p models.ErrorPayload
	if err := m.Decode(&p); err != nil {
		e.log.Warn("malformed relay error", "error", err)
		return
	}
	e.log.Warn("relay error", "error", p.Error)
}

func (e *Engine) replayLogin() {
	_ = e.run(func() error {
		e.mu.Lock()
		id, ok := e.identity, e.state.loggedIn()
		e.mu.Unlock()
		if !ok {
			return nil
		}

		ack, err := e.login(e.ctx, id)
		switch {
		case err != nil:
			e.log.Warn("login replay failed", "error", err)
		case !ack.Success:
			e.log.Warn("login replay rejected", "reason", ack.Reason)
		default:
			e.log.Info("login replayed after reconnect", "role", ack.Role)
		}
		return nil
	})
}

func (e *Engine) onDisconnect(err error) {
	e.mu.Lock()
	if e.state == StateClosed || e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	e.mu.Unlock()

	e.log.Warn("signaling transport lost", "error", err)
	e.bus.Emit(EventSessionEnded, Event{Name: EventSessionEnded, Err: wrapError("transport", ErrTransport, err)})
}

func (e *Engine) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if e.closed() {
		return
	}
	e.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	e.bus.Emit(EventRemoteTrack, Event{Name: EventRemoteTrack, Track: track})
}

func (e *Engine) onICECandidate(c *webrtc.ICECandidate) {
	e.mu.Lock()
	ok := e.state.loggedIn()
	e.mu.Unlock()
	if !ok {
		return
	}

	var payload any
	if c != nil {
		payload = c.ToJSON()
	}
	if err := e.transport.Emit(e.ctx, models.EventCandidate, payload); err != nil {
		e.log.Warn("relay local candidate", "error", err)
	}
}

func (e *Engine) onConnectionState(s webrtc.PeerConnectionState) {
	e.log.Debug("peer connection state", "state", s.String())

	var ev *Event
	e.mu.Lock()
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if e.state.loggedIn() && !e.live {
			e.live = true
			e.state = StateLive
			ev = &Event{Name: EventSessionLive}
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if e.state != StateClosed && !e.ended {
			e.ended = true
			ev = &Event{Name: EventSessionEnded, Err: fmt.Errorf("peer connection %s", s)}
		}
	}
	e.mu.Unlock()

	if ev != nil {
		e.bus.Emit(ev.Name, *ev)
	}
}

// run executes fn as one operation and then delivers the events it queued.
func (e *Engine) run(fn func() error) error {
	err := func() error {
		e.ops.Lock()
		defer e.ops.Unlock()
		return fn()
	}()
	e.flush()
	return err
}

func (e *Engine) flush() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, ev := range pending {
		e.bus.Emit(ev.Name, ev)
	}
}

func (e *Engine) queueLocked(ev Event) {
	e.pending = append(e.pending, ev)
}

func (e *Engine) setRoleLocked(r models.Role) {
	if e.role == r {
		return
	}
	e.role = r
	e.queueLocked(Event{Name: EventRoleAssigned, Role: r})
}

func (e *Engine) closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateClosed
}

func (e *Engine) requireIdleLocked(op string) error {
	switch {
	case e.state == StateIdle:
		return nil
	case e.state == StateClosed:
		return newError(op, ErrClosed)
	case e.state.loggedIn():
		return newError(op, ErrAlreadyLoggedIn)
	default:
		return newError(op, ErrNotInitialized)
	}
}

func (e *Engine) requireSessionLocked(op string) error {
	switch {
	case e.state.loggedIn():
		return nil
	case e.state == StateClosed:
		return newError(op, ErrClosed)
	default:
		return newError(op, ErrNoActiveSession)
	}
}
