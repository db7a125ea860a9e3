package models

// Role classifies a rendition within a capture.
type Role int

const (
	// RoleMain is the selected variant stream itself.
	RoleMain Role = iota
	RoleVideo
	RoleAudio
	RoleSubtitle
)

// Stream identifies one rendition of a capture: the main variant or an
// alternative video/audio/subtitle track from the master playlist.
type Stream struct {
	Role Role
	// Name is the rendition's NAME attribute, empty for the main stream.
	Name string
	// Lang is the rendition's LANGUAGE attribute, if declared.
	Lang string
}

// String returns the stream identifier used in output file names.
func (s Stream) String() string {
	switch s.Role {
	case RoleVideo:
		return "video_" + s.Name
	case RoleAudio:
		return "audio_" + s.Name
	case RoleSubtitle:
		return "subtitle_" + s.Name
	default:
		return "main"
	}
}
