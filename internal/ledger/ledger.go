package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/renameio/v2"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/models"
)

// SequenceResetError reports that a poll observed a lower maximum sequence
// number than a previous poll of the same still-live rendition. The origin
// restarted the stream under the same URI; recovery is ambiguous, so the
// condition is surfaced instead of silently resynchronizing.
type SequenceResetError struct {
	Stream   string
	LastMax  uint64
	Observed uint64
}

func (e *SequenceResetError) Error() string {
	return fmt.Sprintf("stream %s: sequence reset: maximum sequence went from %d to %d",
		e.Stream, e.LastMax, e.Observed)
}

// entryKey identifies one segment within a stream. Media sequence numbers
// may restart under a new discontinuity group, so the sequence number alone
// is not unique across a whole capture.
type entryKey struct {
	Discon uint64 `json:"d"`
	Seq    uint64 `json:"s"`
}

// streamState tracks one rendition's progress across polls.
type streamState struct {
	confirmed map[entryKey]struct{}
	pending   map[entryKey]struct{}
	missing   map[entryKey]string

	maxValid  bool
	maxDiscon uint64
	maxSeq    uint64
}

func newStreamState() *streamState {
	return &streamState{
		confirmed: make(map[entryKey]struct{}),
		pending:   make(map[entryKey]struct{}),
		missing:   make(map[entryKey]string),
	}
}

// Ledger is the record of segments seen across successive polls, keyed by
// (discontinuity group, sequence). An entry is only retired (confirmed)
// after its decrypted bytes are durably written, so a restart re-diffs from
// durable state and never skips a segment that failed between download and
// write.
type Ledger struct {
	mu        sync.Mutex
	log       logger.Logger
	statePath string
	streams   map[string]*streamState
}

// New creates a ledger. When statePath is non-empty, previously persisted
// state is restored from it and every confirmation is persisted back.
func New(log logger.Logger, statePath string) (*Ledger, error) {
	l := &Ledger{
		log:       log,
		statePath: statePath,
		streams:   make(map[string]*streamState),
	}
	if statePath != "" {
		if err := l.restore(); err != nil {
			return nil, fmt.Errorf("failed to restore ledger state from %s: %w", statePath, err)
		}
	}
	return l, nil
}

func (l *Ledger) state(stream models.Stream) *streamState {
	name := stream.String()
	st, ok := l.streams[name]
	if !ok {
		st = newStreamState()
		l.streams[name] = st
	}
	return st
}

// Diff returns the playlist's segments that are neither confirmed written
// nor currently pending, marking them pending. Segments previously reported
// missing are offered again: a fresh poll grants a fresh attempt budget.
func (l *Ledger) Diff(stream models.Stream, pl *manifest.MediaPlaylist) ([]models.Segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(stream)

	if len(pl.Segments) > 0 && pl.Live() && st.maxValid {
		last := pl.Segments[len(pl.Segments)-1]
		if less(last.DisconGroup, last.Sequence, st.maxDiscon, st.maxSeq) {
			return nil, &SequenceResetError{
				Stream:   stream.String(),
				LastMax:  st.maxSeq,
				Observed: last.Sequence,
			}
		}
	}

	var fresh []models.Segment
	for _, seg := range pl.Segments {
		key := entryKey{Discon: seg.DisconGroup, Seq: seg.Sequence}
		if _, ok := st.confirmed[key]; ok {
			continue
		}
		if _, ok := st.pending[key]; ok {
			continue
		}
		if reason, ok := st.missing[key]; ok {
			l.log.Debugf("Stream %s: retrying missing segment %d (was: %s)", stream, seg.Sequence, reason)
			delete(st.missing, key)
		}
		st.pending[key] = struct{}{}
		fresh = append(fresh, seg)
	}

	if len(pl.Segments) > 0 {
		last := pl.Segments[len(pl.Segments)-1]
		if !st.maxValid || less(st.maxDiscon, st.maxSeq, last.DisconGroup, last.Sequence) {
			st.maxValid = true
			st.maxDiscon = last.DisconGroup
			st.maxSeq = last.Sequence
		}
	}

	return fresh, nil
}

// less compares (discontinuity group, sequence) tuples.
func less(d1, s1, d2, s2 uint64) bool {
	if d1 != d2 {
		return d1 < d2
	}
	return s1 < s2
}

// Confirm retires a segment after its bytes are durably written.
func (l *Ledger) Confirm(stream models.Stream, group, seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(stream)
	key := entryKey{Discon: group, Seq: seq}
	delete(st.pending, key)
	st.confirmed[key] = struct{}{}

	if l.statePath != "" {
		if err := l.persistLocked(); err != nil {
			return fmt.Errorf("failed to persist ledger state: %w", err)
		}
	}
	return nil
}

// Confirmed reports whether a segment has been durably written.
func (l *Ledger) Confirmed(stream models.Stream, group, seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.state(stream).confirmed[entryKey{Discon: group, Seq: seq}]
	return ok
}

// Abandon records a terminally failed segment. The entry stays unconfirmed,
// so it is retried if a future poll still lists it.
func (l *Ledger) Abandon(stream models.Stream, group, seq uint64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(stream)
	key := entryKey{Discon: group, Seq: seq}
	delete(st.pending, key)
	st.missing[key] = reason
}

// PendingCount returns the number of in-flight segments across all streams.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, st := range l.streams {
		n += len(st.pending)
	}
	return n
}

// Missing returns, per stream, the sequence numbers that exhausted their
// attempts or failed terminally and were never written, in (discontinuity
// group, sequence) order.
func (l *Ledger) Missing() map[string][]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]uint64)
	for name, st := range l.streams {
		if len(st.missing) == 0 {
			continue
		}
		keys := make([]entryKey, 0, len(st.missing))
		for key := range st.missing {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return less(keys[i].Discon, keys[i].Seq, keys[j].Discon, keys[j].Seq)
		})
		seqs := make([]uint64, len(keys))
		for i, key := range keys {
			seqs[i] = key.Seq
		}
		out[name] = seqs
	}
	return out
}

// stateFile is the on-disk ledger representation. Only confirmed entries
// and the observed maximum survive a restart; pending and missing segments
// are rediscovered by re-diffing.
type stateFile struct {
	Streams map[string]*streamStateFile `json:"streams"`
}

type streamStateFile struct {
	Confirmed []entryKey `json:"confirmed"`
	MaxValid  bool       `json:"max_valid"`
	MaxDiscon uint64     `json:"max_discon"`
	MaxSeq    uint64     `json:"max_seq"`
}

func (l *Ledger) persistLocked() error {
	sf := stateFile{Streams: make(map[string]*streamStateFile, len(l.streams))}
	for name, st := range l.streams {
		keys := make([]entryKey, 0, len(st.confirmed))
		for key := range st.confirmed {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return less(keys[i].Discon, keys[i].Seq, keys[j].Discon, keys[j].Seq)
		})
		sf.Streams[name] = &streamStateFile{
			Confirmed: keys,
			MaxValid:  st.maxValid,
			MaxDiscon: st.maxDiscon,
			MaxSeq:    st.maxSeq,
		}
	}

	data, err := json.MarshalIndent(&sf, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(l.statePath, data, 0o644)
}

func (l *Ledger) restore() error {
	data, err := os.ReadFile(l.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return err
	}

	for name, fs := range sf.Streams {
		st := newStreamState()
		for _, key := range fs.Confirmed {
			st.confirmed[key] = struct{}{}
		}
		st.maxValid = fs.MaxValid
		st.maxDiscon = fs.MaxDiscon
		st.maxSeq = fs.MaxSeq
		l.streams[name] = st
	}
	if len(sf.Streams) > 0 {
		l.log.Infof("Restored ledger state for %d stream(s) from %s", len(sf.Streams), l.statePath)
	}
	return nil
}
