package models

// RoomInfo describes the current membership of a room.
type RoomInfo struct {
	Name        string   `json:"name"`
	Members     []string `json:"members"`
	Publisher   string   `json:"publisher,omitempty"`
	MemberCount int      `json:"memberCount"`
	MaxMembers  int      `json:"maxMembers"`
}

// MediaConstraints selects which local media to capture.
// Width and Height cap the video resolution; they also size the rendering
// container and are ignored when zero.
type MediaConstraints struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Width  int  `json:"width,omitempty"`
	Height int  `json:"height,omitempty"`
}

// DefaultMediaConstraints returns audio+video at the classic 500x500 container size.
func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{Audio: true, Video: true, Width: 500, Height: 500}
}
