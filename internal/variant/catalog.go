package variant

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"hlsgrab/internal/manifest"
	"hlsgrab/internal/models"
)

// Descriptor is one selectable rendition: a variant stream (video role) or
// an alternative audio/subtitle track.
type Descriptor struct {
	Stream     models.Stream
	URI        string
	Bandwidth  uint64
	Resolution string
	Codecs     string
	// Language is the canonicalized language tag, empty if none declared.
	Language string
	// LanguageErr reports a malformed language tag. The descriptor is still
	// listed; callers decide how to surface the problem.
	LanguageErr error

	// Alternative rendition groups the variant is associated with.
	audioGroup    string
	videoGroup    string
	subtitleGroup string
}

// Label returns a human-readable description for the selection UI.
func (d Descriptor) Label() string {
	var sb strings.Builder

	bw := strconv.FormatUint(d.Bandwidth, 10)
	switch {
	case len(bw) >= 8:
		fmt.Fprintf(&sb, "Bitrate: %4s Mb/s", bw[:len(bw)-6])
	case len(bw) >= 5:
		fmt.Fprintf(&sb, "Bitrate: %4s Kb/s", bw[:len(bw)-3])
	default:
		fmt.Fprintf(&sb, "Bitrate: %4s b/s", bw)
	}

	if d.Resolution != "" {
		fmt.Fprintf(&sb, "  Resolution: %9s", d.Resolution)
	}
	if d.Language != "" {
		fmt.Fprintf(&sb, "  Language: %s", d.Language)
	}
	if d.Codecs != "" {
		fmt.Fprintf(&sb, "  Codec: %s", d.Codecs)
	}

	return sb.String()
}

// Catalog lists the selectable renditions of a master playlist, grouped by
// role: video variants by descending bandwidth, audio and subtitle
// alternates grouped by language tag.
type Catalog struct {
	Video     []Descriptor
	Audio     []Descriptor
	Subtitles []Descriptor
}

// Resolve extracts the selectable renditions from a parsed master playlist.
func Resolve(m *manifest.MasterPlaylist) (*Catalog, error) {
	if len(m.Variants) == 0 {
		return nil, errors.New("no variant streams found in master playlist")
	}

	cat := &Catalog{}

	for _, v := range m.Variants {
		cat.Video = append(cat.Video, Descriptor{
			Stream:        models.Stream{Role: models.RoleMain},
			URI:           v.URI,
			Bandwidth:     v.Bandwidth,
			Resolution:    v.Resolution,
			Codecs:        v.Codecs,
			audioGroup:    v.Audio,
			videoGroup:    v.Video,
			subtitleGroup: v.Subtitles,
		})
	}
	sort.SliceStable(cat.Video, func(i, j int) bool {
		return cat.Video[i].Bandwidth > cat.Video[j].Bandwidth
	})

	for _, r := range m.Renditions {
		if r.URI == "" {
			// Multiplexed into the variant itself, nothing to download.
			continue
		}

		d := Descriptor{URI: r.URI}
		if r.Language != "" {
			tag, err := language.Parse(r.Language)
			if err != nil {
				d.Language = r.Language
				d.LanguageErr = fmt.Errorf("malformed language tag %q: %w", r.Language, err)
			} else {
				d.Language = tag.String()
			}
		}

		switch r.Type {
		case "AUDIO":
			d.Stream = models.Stream{Role: models.RoleAudio, Name: r.Name, Lang: r.Language}
			cat.Audio = append(cat.Audio, d)
		case "SUBTITLES":
			d.Stream = models.Stream{Role: models.RoleSubtitle, Name: r.Name, Lang: r.Language}
			cat.Subtitles = append(cat.Subtitles, d)
		case "VIDEO":
			d.Stream = models.Stream{Role: models.RoleVideo, Name: r.Name, Lang: r.Language}
		}
	}

	byLanguage := func(ds []Descriptor) func(i, j int) bool {
		return func(i, j int) bool {
			if ds[i].Language != ds[j].Language {
				return ds[i].Language < ds[j].Language
			}
			return ds[i].Stream.Name < ds[j].Stream.Name
		}
	}
	sort.SliceStable(cat.Audio, byLanguage(cat.Audio))
	sort.SliceStable(cat.Subtitles, byLanguage(cat.Subtitles))

	return cat, nil
}

// Select maps a chosen variant to the media playlist URLs to capture: the
// variant itself plus every alternative rendition in the variant's audio,
// video and subtitle groups.
func Select(m *manifest.MasterPlaylist, chosen Descriptor) map[models.Stream]string {
	streams := map[models.Stream]string{
		{Role: models.RoleMain}: chosen.URI,
	}

	for _, r := range m.Renditions {
		if r.URI == "" {
			continue
		}

		var role models.Role
		var group string
		switch r.Type {
		case "AUDIO":
			role, group = models.RoleAudio, chosen.audioGroup
		case "VIDEO":
			role, group = models.RoleVideo, chosen.videoGroup
		case "SUBTITLES":
			role, group = models.RoleSubtitle, chosen.subtitleGroup
		default:
			continue
		}
		if group == "" || r.GroupID != group {
			continue
		}

		streams[models.Stream{Role: role, Name: r.Name, Lang: r.Language}] = r.URI
	}

	return streams
}

// Filter restricts a selection to the named streams. Names use the stream
// identifier format ("main", "audio_English", ...). Unknown names are an
// error so typos do not silently drop renditions.
func Filter(streams map[models.Stream]string, names []string) (map[models.Stream]string, error) {
	if len(names) == 0 {
		return streams, nil
	}

	byName := make(map[string]models.Stream, len(streams))
	for s := range streams {
		byName[s.String()] = s
	}

	filtered := make(map[models.Stream]string, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown stream %q", name)
		}
		filtered[s] = streams[s]
	}
	return filtered, nil
}
