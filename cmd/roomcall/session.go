package main

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/config"
	"github.com/mossy-p/roomcall/internal/directory"
	"github.com/mossy-p/roomcall/internal/media"
	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/negotiation"
	"github.com/mossy-p/roomcall/internal/peer"
	"github.com/mossy-p/roomcall/internal/signal"
)

// peers remembers the pion connection of each session so remote tracks can
// be asked for keyframes.
type peers struct {
	mu  sync.Mutex
	pcs map[string]*webrtc.PeerConnection
}

func (p *peers) get(containerID string) *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pcs[containerID]
}

// newDirectory wires relay client, pion peer and local capture into a
// session directory.
func newDirectory(cfg *config.ClientConfig, logger *slog.Logger) (*directory.Directory, *peers, error) {
	source, err := media.New(media.Options{Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	api, err := peer.NewAPI(peer.Options{ConfigureMedia: source.ConfigureMedia, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	iceServers := peer.ICEServers(cfg.GetSTUNServers(), cfg.GetTURNServers(), cfg.TURNUser, cfg.TURNPass)

	known := &peers{pcs: make(map[string]*webrtc.PeerConnection)}
	newPC := peer.Factory(api)

	factory := func(containerID string, constraints models.MediaConstraints) (*negotiation.Engine, error) {
		client, err := signal.New(signal.Options{
			URL:               cfg.SignalURL,
			Path:              cfg.SocketPath,
			Subprotocols:      cfg.Subprotocols,
			Reconnect:         cfg.Reconnect,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}

		track := func(ice []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
			pc, err := newPC(ice)
			if err != nil {
				return nil, err
			}
			known.mu.Lock()
			known.pcs[containerID] = pc
			known.mu.Unlock()
			return pc, nil
		}

		return negotiation.New(negotiation.Options{
			Transport:   client,
			NewPeer:     negotiation.PionFactory(track),
			Media:       source,
			Constraints: constraints,
			ICEServers:  iceServers,
			ContainerID: containerID,
			Logger:      logger,
		})
	}

	return directory.New(factory, logger), known, nil
}
