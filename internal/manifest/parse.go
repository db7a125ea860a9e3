package manifest

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"hlsgrab/internal/models"
)

// rawByteRange is an unresolved #EXT-X-BYTERANGE value: the offset may be
// implicit, meaning "right after the previous range of the same resource".
type rawByteRange struct {
	length uint64
	offset *uint64
}

// foldState carries the directive scope while folding over a media
// playlist's tags. Keys and discontinuities apply to all following segments
// until superseded, so each finished entry snapshots the current state.
type foldState struct {
	seq        uint64
	seqStarted bool
	discon     uint64
	key        *models.Key
	initSeg    *models.InitSegment

	// per-segment, reset after each URI line
	duration  float64
	haveInf   bool
	byteRange *rawByteRange

	// end offset of the previous range, per resource URI
	prevRangeEnd map[string]uint64
}

// Parse parses an m3u8 playlist, distinguishing master from media playlists
// by content alone. Relative URIs are resolved against base, which is
// normally the playlist's final URL after redirects.
func Parse(data []byte, base *url.URL) (*Playlist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	sawHeader := false

	master := &MasterPlaylist{}
	media := &MediaPlaylist{}
	isMaster := false
	isMedia := false
	var pendingVariant *Variant

	st := &foldState{prevRangeEnd: make(map[string]uint64)}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" {
			continue
		}

		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, &ParseError{Line: lineNo, Msg: "missing #EXTM3U header"}
			}
			sawHeader = true
			continue
		}

		// Comments that are not tags.
		if strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "#EXT") {
			continue
		}

		if !strings.HasPrefix(line, "#") {
			// URI line: completes the pending variant or segment.
			switch {
			case pendingVariant != nil:
				uri, err := absURL(base, line)
				if err != nil {
					return nil, &ParseError{Line: lineNo, Msg: err.Error()}
				}
				pendingVariant.URI = uri
				master.Variants = append(master.Variants, *pendingVariant)
				pendingVariant = nil
			case st.haveInf:
				seg, err := finishSegment(st, base, line, media)
				if err != nil {
					return nil, &ParseError{Line: lineNo, Msg: err.Error()}
				}
				media.Segments = append(media.Segments, seg)
			default:
				return nil, &ParseError{Line: lineNo, Msg: "URI line without preceding #EXTINF or #EXT-X-STREAM-INF"}
			}
			continue
		}

		tag, value, _ := strings.Cut(line, ":")
		switch tag {
		case "#EXT-X-STREAM-INF":
			isMaster = true
			v, err := parseStreamInf(value)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			pendingVariant = v

		case "#EXT-X-MEDIA":
			isMaster = true
			r, err := parseMedia(value, base)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			master.Renditions = append(master.Renditions, *r)

		case "#EXTINF":
			isMedia = true
			durStr, _, _ := strings.Cut(value, ",")
			dur, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid #EXTINF duration %q", durStr)}
			}
			st.duration = dur
			st.haveInf = true

		case "#EXT-X-TARGETDURATION":
			isMedia = true
			dur, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid target duration %q", value)}
			}
			media.TargetDuration = dur

		case "#EXT-X-MEDIA-SEQUENCE":
			isMedia = true
			if st.seqStarted {
				return nil, &ParseError{Line: lineNo, Msg: "#EXT-X-MEDIA-SEQUENCE after first segment"}
			}
			n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid media sequence %q", value)}
			}
			media.MediaSequence = n

		case "#EXT-X-DISCONTINUITY-SEQUENCE":
			isMedia = true
			if st.seqStarted {
				return nil, &ParseError{Line: lineNo, Msg: "#EXT-X-DISCONTINUITY-SEQUENCE after first segment"}
			}
			n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("invalid discontinuity sequence %q", value)}
			}
			media.DisconSequence = n

		case "#EXT-X-DISCONTINUITY":
			isMedia = true
			st.discon++

		case "#EXT-X-BYTERANGE":
			isMedia = true
			br, err := parseByteRangeValue(value)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			st.byteRange = br

		case "#EXT-X-KEY":
			isMedia = true
			key, err := parseKey(value, base)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			st.key = key

		case "#EXT-X-MAP":
			isMedia = true
			initSeg, err := parseMap(value, base)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: err.Error()}
			}
			st.initSeg = initSeg

		case "#EXT-X-ENDLIST":
			isMedia = true
			media.EndList = true

		case "#EXT-X-PLAYLIST-TYPE":
			isMedia = true
			media.Type = strings.TrimSpace(value)

		default:
			// Unknown tags are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("failed to read playlist: %v", err)}
	}
	if !sawHeader {
		return nil, &ParseError{Line: lineNo, Msg: "empty playlist"}
	}
	if pendingVariant != nil {
		return nil, &ParseError{Line: lineNo, Msg: "#EXT-X-STREAM-INF without a following URI line"}
	}
	if st.haveInf {
		return nil, &ParseError{Line: lineNo, Msg: "#EXTINF without a following URI line"}
	}

	switch {
	case isMaster && isMedia:
		return nil, &ParseError{Line: lineNo, Msg: "playlist mixes variant and segment tags"}
	case isMaster:
		return &Playlist{Master: master}, nil
	case isMedia:
		if media.TargetDuration <= 0 {
			return nil, &ParseError{Line: lineNo, Msg: "media playlist missing #EXT-X-TARGETDURATION"}
		}
		return &Playlist{Media: media}, nil
	default:
		return nil, &ParseError{Line: lineNo, Msg: "playlist contains neither variant nor segment tags"}
	}
}

// finishSegment materializes one fully-resolved segment entry from the fold
// state and resets the per-segment fields.
func finishSegment(st *foldState, base *url.URL, uri string, media *MediaPlaylist) (models.Segment, error) {
	if !st.seqStarted {
		st.seq = media.MediaSequence
		st.discon += media.DisconSequence
		st.seqStarted = true
	}

	abs, err := absURL(base, uri)
	if err != nil {
		return models.Segment{}, err
	}

	var br *models.ByteRange
	if st.byteRange != nil {
		offset := uint64(0)
		if st.byteRange.offset != nil {
			offset = *st.byteRange.offset
		} else {
			end, ok := st.prevRangeEnd[abs]
			if !ok {
				return models.Segment{}, fmt.Errorf("byte range without offset requires a previous range of the same resource")
			}
			offset = end
		}
		br = &models.ByteRange{Offset: offset, Length: st.byteRange.length}
		st.prevRangeEnd[abs] = offset + st.byteRange.length
	}

	seg := models.Segment{
		Sequence:    st.seq,
		DisconGroup: st.discon,
		URI:         abs,
		Duration:    st.duration,
		ByteRange:   br,
		Key:         st.key,
		Init:        st.initSeg,
	}

	st.seq++
	st.duration = 0
	st.haveInf = false
	st.byteRange = nil

	return seg, nil
}

func parseStreamInf(value string) (*Variant, error) {
	attrs := parseAttributes(value)

	bwStr, ok := attrs["BANDWIDTH"]
	if !ok {
		return nil, fmt.Errorf("#EXT-X-STREAM-INF missing BANDWIDTH")
	}
	bw, err := strconv.ParseUint(bwStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid BANDWIDTH %q", bwStr)
	}

	return &Variant{
		Bandwidth:  bw,
		Resolution: attrs["RESOLUTION"],
		Codecs:     attrs["CODECS"],
		FrameRate:  attrs["FRAME-RATE"],
		Audio:      attrs["AUDIO"],
		Video:      attrs["VIDEO"],
		Subtitles:  attrs["SUBTITLES"],
	}, nil
}

func parseMedia(value string, base *url.URL) (*Rendition, error) {
	attrs := parseAttributes(value)

	typ := attrs["TYPE"]
	switch typ {
	case "AUDIO", "VIDEO", "SUBTITLES":
	case "CLOSED-CAPTIONS":
		// Carried in-band, nothing to download.
	default:
		return nil, fmt.Errorf("invalid #EXT-X-MEDIA TYPE %q", typ)
	}
	if attrs["GROUP-ID"] == "" {
		return nil, fmt.Errorf("#EXT-X-MEDIA missing GROUP-ID")
	}

	uri := ""
	if raw := attrs["URI"]; raw != "" {
		abs, err := absURL(base, raw)
		if err != nil {
			return nil, err
		}
		uri = abs
	}

	return &Rendition{
		Type:     typ,
		GroupID:  attrs["GROUP-ID"],
		Name:     attrs["NAME"],
		Language: attrs["LANGUAGE"],
		Default:  attrs["DEFAULT"] == "YES",
		URI:      uri,
	}, nil
}

func parseKey(value string, base *url.URL) (*models.Key, error) {
	attrs := parseAttributes(value)

	switch method := attrs["METHOD"]; method {
	case "NONE":
		return nil, nil
	case "AES-128":
	case "SAMPLE-AES":
		return nil, fmt.Errorf("unsupported encryption method SAMPLE-AES")
	default:
		return nil, fmt.Errorf("invalid encryption method %q", method)
	}

	if kf, ok := attrs["KEYFORMAT"]; ok && kf != "identity" {
		return nil, fmt.Errorf("unsupported key format %q", kf)
	}

	rawURI := attrs["URI"]
	if rawURI == "" {
		return nil, fmt.Errorf("no URI found for AES-128 key")
	}
	uri, err := absURL(base, rawURI)
	if err != nil {
		return nil, err
	}

	var iv []byte
	if rawIV, ok := attrs["IV"]; ok {
		hexIV := strings.TrimPrefix(strings.TrimPrefix(rawIV, "0x"), "0X")
		iv, err = hex.DecodeString(hexIV)
		if err != nil {
			return nil, fmt.Errorf("invalid key IV %q: %w", rawIV, err)
		}
		if len(iv) != 16 {
			return nil, fmt.Errorf("key IV must be 16 bytes, got %d", len(iv))
		}
	}

	return &models.Key{URI: uri, IV: iv}, nil
}

func parseMap(value string, base *url.URL) (*models.InitSegment, error) {
	attrs := parseAttributes(value)

	rawURI := attrs["URI"]
	if rawURI == "" {
		return nil, fmt.Errorf("#EXT-X-MAP missing URI")
	}
	uri, err := absURL(base, rawURI)
	if err != nil {
		return nil, err
	}

	var br *models.ByteRange
	if raw, ok := attrs["BYTERANGE"]; ok {
		parsed, err := parseByteRangeValue(raw)
		if err != nil {
			return nil, err
		}
		offset := uint64(0)
		if parsed.offset != nil {
			offset = *parsed.offset
		}
		br = &models.ByteRange{Offset: offset, Length: parsed.length}
	}

	return &models.InitSegment{URI: uri, ByteRange: br}, nil
}

// parseByteRangeValue parses "<n>[@<o>]".
func parseByteRangeValue(value string) (*rawByteRange, error) {
	lengthStr, offsetStr, hasOffset := strings.Cut(strings.TrimSpace(value), "@")

	length, err := strconv.ParseUint(lengthStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range %q", value)
	}
	br := &rawByteRange{length: length}

	if hasOffset {
		offset, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid byte range offset %q", value)
		}
		br.offset = &offset
	}

	return br, nil
}

// parseAttributes parses an HLS attribute list, honoring quoted values that
// may contain commas.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)

	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value = s[1:]
				s = ""
			} else {
				value = s[1 : 1+end]
				s = strings.TrimPrefix(s[end+2:], ",")
			}
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			value = s[:comma]
			s = s[comma+1:]
		} else {
			value = s
			s = ""
		}

		attrs[key] = strings.TrimSpace(value)
	}

	return attrs
}

// absURL resolves a possibly relative URI against a base URL.
func absURL(base *url.URL, raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URI %q: %w", raw, err)
	}
	if u.IsAbs() || base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
