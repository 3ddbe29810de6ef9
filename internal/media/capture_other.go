//go:build !linux

package media

import "github.com/pion/mediadevices"

// newCodecSelector returns nil: there are no capture drivers on this
// platform, so Acquire reports ErrNoDevices.
func newCodecSelector(int) (*mediadevices.CodecSelector, error) {
	return nil, nil
}
