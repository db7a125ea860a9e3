package remux

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/models"
	"hlsgrab/internal/writer"
)

// Muxer combines captured segment files into playable MP4 containers by
// shelling out to ffmpeg. Segments from different discontinuity groups have
// incompatible timestamps and parameters, so each group becomes its own
// output file.
type Muxer struct {
	log    logger.Logger
	ffmpeg string
}

// New returns a muxer using the ffmpeg binary found on PATH.
func New(log logger.Logger) *Muxer {
	return &Muxer{log: log, ffmpeg: "ffmpeg"}
}

// Available reports whether the ffmpeg binary can be found.
func (m *Muxer) Available() bool {
	_, err := exec.LookPath(m.ffmpeg)
	return err == nil
}

// Mux concatenates each stream's segments per discontinuity group and muxes
// the streams of every group into an MP4 under outDir. It returns the paths
// of the files it produced.
func (m *Muxer) Mux(ctx context.Context, files []writer.File, outDir string) ([]string, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no segment files to mux")
	}

	inits := make(map[models.Stream]writer.File)
	byGroup := make(map[uint64][]writer.File)
	for _, f := range files {
		if f.Init {
			inits[f.Stream] = f
			continue
		}
		byGroup[f.DisconGroup] = append(byGroup[f.DisconGroup], f)
	}
	groups := make([]uint64, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	var outputs []string
	for _, g := range groups {
		name := "video.mp4"
		if len(groups) > 1 {
			name = fmt.Sprintf("video_d%010d.mp4", g)
		}
		out := filepath.Join(outDir, name)
		if err := m.muxGroup(ctx, byGroup[g], inits, g, out); err != nil {
			return outputs, fmt.Errorf("failed to mux discontinuity group %d: %w", g, err)
		}
		m.log.Infof("Muxed %s", out)
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// input is one concatenated stream handed to ffmpeg.
type input struct {
	stream models.Stream
	path   string
}

// streamSegs is one stream's ordered segment files within a group.
type streamSegs struct {
	stream models.Stream
	segs   []writer.File
}

// orderStreams splits one group's files by stream, orders the segments of
// each and places the stream's init segment, if any, at the head. Streams
// come back video first, then audio, then subtitles, so output stream order
// is predictable.
func orderStreams(files []writer.File, inits map[models.Stream]writer.File) []streamSegs {
	byStream := make(map[models.Stream][]writer.File)
	for _, f := range files {
		byStream[f.Stream] = append(byStream[f.Stream], f)
	}
	streams := make([]models.Stream, 0, len(byStream))
	for s := range byStream {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Role != streams[j].Role {
			return streams[i].Role < streams[j].Role
		}
		return streams[i].Name < streams[j].Name
	})

	out := make([]streamSegs, 0, len(streams))
	for _, s := range streams {
		segs := byStream[s]
		sort.Slice(segs, func(i, j int) bool { return segs[i].Sequence < segs[j].Sequence })
		// An fMP4 stream needs its ftyp/moov boxes once, ahead of the
		// group's media segments.
		if init, ok := inits[s]; ok {
			segs = append([]writer.File{init}, segs...)
		}
		out = append(out, streamSegs{stream: s, segs: segs})
	}
	return out
}

func (m *Muxer) muxGroup(ctx context.Context, files []writer.File, inits map[models.Stream]writer.File, group uint64, out string) error {
	var inputs []input
	defer func() {
		for _, in := range inputs {
			os.Remove(in.path)
		}
	}()
	for _, ss := range orderStreams(files, inits) {
		path, err := concat(ss.stream, ss.segs, group)
		if err != nil {
			return err
		}
		inputs = append(inputs, input{stream: ss.stream, path: path})
	}

	args := []string{"-y", "-copyts"}
	for _, in := range inputs {
		args = append(args, "-i", in.path)
	}
	for i := range inputs {
		args = append(args, "-map", strconv.Itoa(i))
	}
	for i, in := range inputs {
		if lang := iso3(in.stream.Lang); lang != "" {
			args = append(args, fmt.Sprintf("-metadata:s:%d", i), "language="+lang)
		}
		if in.stream.Name != "" {
			args = append(args, fmt.Sprintf("-metadata:s:%d", i), "title="+in.stream.Name)
		}
	}
	args = append(args,
		"-muxpreload", "0",
		"-muxdelay", "0",
		"-avoid_negative_ts", "make_zero",
		"-c:v", "copy",
		"-c:a", "copy",
		"-c:s", "mov_text",
		"-dn",
		"-movflags", "+faststart",
		out,
	)

	m.log.Debugf("Running %s %s", m.ffmpeg, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, m.ffmpeg, args...)
	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, tail(combined, 512))
	}
	return nil
}

// concat joins a stream's segment files for one discontinuity group into a
// single file next to the segments.
func concat(stream models.Stream, segs []writer.File, group uint64) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(segs[0].Path), ".")
	path := filepath.Join(filepath.Dir(segs[0].Path), fmt.Sprintf("concat_%s_d%010d.%s", stream, group, ext))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create concat file: %w", err)
	}
	for _, seg := range segs {
		src, err := os.Open(seg.Path)
		if err != nil {
			dst.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to open segment %s: %w", seg.Path, err)
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			dst.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to concatenate %s: %w", seg.Path, err)
		}
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// tail returns the last n bytes of ffmpeg's output as a string. The
// interesting part of an ffmpeg failure is always at the end.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// iso3 maps a playlist language attribute to the three-letter code ffmpeg
// expects for stream metadata. Unparseable tags are dropped silently since
// language metadata is cosmetic.
func iso3(lang string) string {
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.ISO3()
}
