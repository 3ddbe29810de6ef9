// Package media captures the local camera and microphone with
// pion/mediadevices.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/negotiation"
)

var (
	ErrNoDevices        = errors.New("no capture devices available")
	ErrNothingRequested = errors.New("neither audio nor video requested")
)

var _ negotiation.MediaSource = (*Source)(nil)

type Options struct {
	// VideoBitRate is the VP8 target bit rate in bits per second.
	VideoBitRate int
	Logger       *slog.Logger
}

// Source acquires local streams. On platforms without capture drivers every
// Acquire fails with ErrNoDevices.
type Source struct {
	selector *mediadevices.CodecSelector
	log      *slog.Logger
}

func New(opts Options) (*Source, error) {
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = 1_500_000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	selector, err := newCodecSelector(opts.VideoBitRate)
	if err != nil {
		return nil, fmt.Errorf("create codec selector: %w", err)
	}
	return &Source{selector: selector, log: logger.With("component", "media")}, nil
}

// ConfigureMedia registers the codecs Acquire encodes with. It is meant for
// peer.Options.ConfigureMedia.
func (s *Source) ConfigureMedia(m *webrtc.MediaEngine) error {
	if s.selector == nil {
		return m.RegisterDefaultCodecs()
	}
	s.selector.Populate(m)
	return nil
}

type attempt struct {
	video, audio bool
	label        string
}

// attempts lists the captures to try, best first. GetUserMedia fails as a
// unit, so a missing microphone must not cost the camera and vice versa.
func attempts(c models.MediaConstraints) []attempt {
	switch {
	case c.Video && c.Audio:
		return []attempt{
			{video: true, audio: true, label: "video+audio"},
			{video: true, label: "video-only"},
			{audio: true, label: "audio-only"},
		}
	case c.Video:
		return []attempt{{video: true, label: "video-only"}}
	case c.Audio:
		return []attempt{{audio: true, label: "audio-only"}}
	}
	return nil
}

// Acquire captures the requested local media.
func (s *Source) Acquire(ctx context.Context, c models.MediaConstraints) (negotiation.LocalMedia, error) {
	plan := attempts(c)
	if len(plan) == 0 {
		return nil, ErrNothingRequested
	}
	if s.selector == nil {
		return nil, ErrNoDevices
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	for _, d := range devices {
		s.log.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	var lastErr error
	for _, a := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = func(t *mediadevices.MediaTrackConstraints) { applyVideo(c, t) }
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			s.log.Warn("capture attempt failed", "attempt", a.label, "error", err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					s.log.Warn("local track ended", "kind", track.Kind().String(), "error", err)
				}
			})
		}
		s.log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return NewStream(tracks), nil
	}
	return nil, lastErr
}

// applyVideo caps the capture size and sticks to raw frame formats. Some
// cameras expose an MJPEG node whose malformed frames poison the encoder.
func applyVideo(c models.MediaConstraints, t *mediadevices.MediaTrackConstraints) {
	t.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	if c.Width > 0 {
		t.Width = prop.IntRanged{Max: c.Width}
	}
	if c.Height > 0 {
		t.Height = prop.IntRanged{Max: c.Height}
	}
}

// Stream is an acquired set of local tracks.
type Stream struct {
	tracks []mediadevices.Track
	once   sync.Once
	err    error
}

func NewStream(tracks []mediadevices.Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Close stops every track. Later calls return the first result.
func (s *Stream) Close() error {
	s.once.Do(func() {
		var errs []error
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
