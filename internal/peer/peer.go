// Package peer builds pion peer connections for a call.
package peer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/internal/logging"
)

// DefaultICEServers is used by sessions that configure no ICE servers.
// Callers may replace it before creating sessions.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// DefaultPLIInterval is how often a keyframe is requested from the remote
// video sender.
const DefaultPLIInterval = 3 * time.Second

type Options struct {
	// ConfigureMedia registers the codecs the local media source encodes.
	// Nil registers pion's default codecs.
	ConfigureMedia func(*webrtc.MediaEngine) error
	PLIInterval    time.Duration
	// Net replaces the OS network stack, e.g. with a vnet in tests.
	Net    transport.Net
	Logger *slog.Logger
}

// NewAPI returns a webrtc.API with the media engine, interceptors and
// settings every call uses.
func NewAPI(opts Options) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	configure := opts.ConfigureMedia
	if configure == nil {
		configure = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := configure(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	interval := opts.PLIInterval
	if interval <= 0 {
		interval = DefaultPLIInterval
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(interval))
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	interceptorRegistry.Add(pli)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{LoggerFactory: logging.PionFactory{Logger: logger}}
	// Keep the call up through short relay or NAT outages.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory returns a constructor of peer connections on api.
func Factory(api *webrtc.API) func([]webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return func(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return pc, nil
	}
}

// ICEServers builds the server list from STUN and TURN URLs. With no STUN
// URLs the defaults are used.
func ICEServers(stun, turn []string, username, credential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	} else {
		servers = append(servers, DefaultICEServers...)
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

// RTCPWriter is implemented by *webrtc.PeerConnection.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// RequestKeyframe asks the sender of track for a new keyframe.
func RequestKeyframe(w RTCPWriter, track *webrtc.TrackRemote) error {
	return w.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
}
