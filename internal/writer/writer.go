package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/renameio/v2"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/models"
)

// ConfirmFunc is called after a segment's bytes are durably on disk. Only
// this call retires the (discontinuity group, sequence) entry from the
// pending set.
type ConfirmFunc func(stream models.Stream, group, seq uint64) error

// File records one written segment file.
type File struct {
	Stream      models.Stream
	DisconGroup uint64
	Sequence    uint64
	// Init marks a stream's initialization segment, written once per stream
	// outside the sequence numbering.
	Init bool
	Path string
}

// Writer persists decrypted segments to ordered, discontinuity-tagged
// files. File names encode the stream, discontinuity group and sequence
// number, so reading the directory in name order reconstructs the stream.
type Writer struct {
	dir     string
	log     logger.Logger
	confirm ConfirmFunc
}

// New creates a writer rooted at dir, creating the directory if needed.
func New(dir string, log logger.Logger, confirm ConfirmFunc) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create segments directory %s: %w", dir, err)
	}
	return &Writer{dir: dir, log: log, confirm: confirm}, nil
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Write durably persists a decrypted segment and confirms it. Writes may
// run concurrently and complete out of order; the naming scheme alone
// guarantees an unambiguously orderable on-disk result.
func (w *Writer) Write(stream models.Stream, seg models.Segment, data []byte) (File, error) {
	name := fmt.Sprintf("segment_%s_%s.%s", stream, seg.ID(), Extension(data))
	path := filepath.Join(w.dir, name)

	// renameio writes to a temp file, fsyncs and renames, so a crash never
	// leaves a half-written segment under the final name.
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return File{}, fmt.Errorf("failed to write segment %s: %w", name, err)
	}
	w.log.Debugf("Wrote %s (%d bytes)", path, len(data))

	if w.confirm != nil {
		if err := w.confirm(stream, seg.DisconGroup, seg.Sequence); err != nil {
			return File{}, err
		}
	}

	return File{
		Stream:      stream,
		DisconGroup: seg.DisconGroup,
		Sequence:    seg.Sequence,
		Path:        path,
	}, nil
}

// WriteInit durably persists a stream's initialization segment. It lives
// outside the sequence numbering and is not confirmed against the ledger;
// rewriting it on a resumed run is idempotent.
func (w *Writer) WriteInit(stream models.Stream, data []byte) (File, error) {
	name := fmt.Sprintf("segment_%s_init.%s", stream, Extension(data))
	path := filepath.Join(w.dir, name)

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return File{}, fmt.Errorf("failed to write init segment %s: %w", name, err)
	}
	w.log.Debugf("Wrote %s (%d bytes)", path, len(data))

	return File{Stream: stream, Init: true, Path: path}, nil
}

var (
	segmentNameRE = regexp.MustCompile(`^segment_(.+)_d(\d{10})_s(\d{10})\.[0-9a-z]+$`)
	initNameRE    = regexp.MustCompile(`^segment_(.+)_init\.[0-9a-z]+$`)
)

// ParseName decodes a segment file name back into its stream identifier,
// discontinuity group and sequence number. It is the inverse of the Write
// naming scheme, used to re-enumerate output from an earlier run.
func ParseName(name string) (stream string, group, seq uint64, init, ok bool) {
	if m := initNameRE.FindStringSubmatch(name); m != nil {
		return m[1], 0, 0, true, true
	}
	m := segmentNameRE.FindStringSubmatch(name)
	if m == nil {
		return "", 0, 0, false, false
	}
	group, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return "", 0, 0, false, false
	}
	seq, err = strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return "", 0, 0, false, false
	}
	return m[1], group, seq, false, true
}
