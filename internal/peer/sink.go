package peer

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Stats counts what was read from a remote track.
type Stats struct {
	Packets      int
	Bytes        int
	LastSequence uint16
}

// Drain reads RTP from track until it ends. fn, if not nil, sees every
// packet. A track that ends because the connection closed is not an error.
func Drain(track *webrtc.TrackRemote, fn func(*rtp.Packet)) (Stats, error) {
	var stats Stats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return stats, nil
			}
			return stats, err
		}
		stats.Packets++
		stats.Bytes += len(pkt.Payload)
		stats.LastSequence = pkt.SequenceNumber
		if fn != nil {
			fn(pkt)
		}
	}
}
