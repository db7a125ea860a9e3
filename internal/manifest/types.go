package manifest

import (
	"fmt"

	"hlsgrab/internal/models"
)

// Variant is one #EXT-X-STREAM-INF entry of a master playlist.
type Variant struct {
	// URI is the absolute URL of the variant's media playlist.
	URI        string
	Bandwidth  uint64
	Resolution string
	Codecs     string
	FrameRate  string
	// Audio, Video and Subtitles are the alternative rendition group IDs
	// this variant is associated with.
	Audio     string
	Video     string
	Subtitles string
}

// Rendition is one #EXT-X-MEDIA entry of a master playlist.
type Rendition struct {
	// Type is AUDIO, VIDEO or SUBTITLES.
	Type     string
	GroupID  string
	Name     string
	Language string
	Default  bool
	// URI is the absolute URL of the rendition's media playlist, empty when
	// the rendition is multiplexed into the variant itself.
	URI string
}

// MasterPlaylist enumerates the selectable variant streams.
type MasterPlaylist struct {
	Variants   []Variant
	Renditions []Rendition
}

// MediaPlaylist enumerates the media segments of one rendition. Segments are
// fully resolved: each carries its effective key reference, discontinuity
// group and absolute byte-range offset.
type MediaPlaylist struct {
	// TargetDuration is the maximum segment duration in seconds, used to
	// derive the live poll interval.
	TargetDuration float64
	// MediaSequence is the sequence number of the first segment.
	MediaSequence uint64
	// DisconSequence is the discontinuity sequence number of the first
	// segment.
	DisconSequence uint64
	// Type is the #EXT-X-PLAYLIST-TYPE value, if declared.
	Type string
	// EndList reports whether #EXT-X-ENDLIST was present.
	EndList  bool
	Segments []models.Segment
}

// Live reports whether the playlist describes a still-running stream that
// must be polled again.
func (m *MediaPlaylist) Live() bool {
	return !m.EndList && m.Type != "VOD"
}

// Playlist is a parsed m3u8 playlist. Exactly one of Master and Media is
// non-nil, decided from the playlist content alone.
type Playlist struct {
	Master *MasterPlaylist
	Media  *MediaPlaylist
}

// ParseError reports malformed playlist syntax.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("playlist parse error at line %d: %s", e.Line, e.Msg)
}

// FetchError reports a transport failure while fetching a playlist.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch playlist %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch playlist %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
