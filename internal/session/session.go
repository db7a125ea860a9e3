package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"hlsgrab/internal/config"
	"hlsgrab/internal/decrypt"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/keycache"
	"hlsgrab/internal/ledger"
	"hlsgrab/internal/logger"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/models"
	"hlsgrab/internal/writer"
)

// state is the per-stream loop phase.
type state int

const (
	statePolling state = iota
	stateDiffing
	stateAcquiring
	stateIdle
	stateDone
)

// pollRetryDelay spaces out retries after a failed manifest poll.
const pollRetryDelay = 2 * time.Second

// Session drives the capture of one or more renditions: it polls their
// playlists, diffs them against the ledger, downloads and decrypts new
// segments and hands them to the writer. One goroutine runs per rendition;
// the downloader's semaphore bounds total concurrency across all of them.
type Session struct {
	log  logger.Logger
	opts config.Options

	manifests  *manifest.Client
	keys       *keycache.Cache
	ledger     *ledger.Ledger
	downloader *fetch.Downloader
	writer     *writer.Writer

	streams map[models.Stream]string

	initGroup singleflight.Group
	initMu    sync.Mutex
	initCache map[string][]byte
	// initWritten tracks the streams whose init segment file is on disk.
	initWritten map[string]bool

	mu    sync.Mutex
	files []writer.File
}

// Result summarizes a finished capture.
type Result struct {
	// Files lists every durably written segment file, ordered by stream,
	// discontinuity group and sequence number.
	Files []writer.File
	// Missing maps stream identifiers to sequence numbers that were
	// abandoned after exhausting their attempt budget.
	Missing map[string][]uint64
	// Interrupted reports that the capture stopped on cancellation rather
	// than reaching end-of-stream.
	Interrupted bool
}

// Complete reports whether every offered segment was captured.
func (r *Result) Complete() bool {
	return len(r.Missing) == 0
}

// MissingCount is the total number of abandoned segments.
func (r *Result) MissingCount() int {
	n := 0
	for _, seqs := range r.Missing {
		n += len(seqs)
	}
	return n
}

// New builds a session for the given renditions. streams maps each
// rendition to its media playlist URL.
func New(log logger.Logger, client *fetch.Client, streams map[models.Stream]string, opts config.Options) (*Session, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("no streams selected")
	}
	led, err := ledger.New(log, filepath.Join(opts.Download.OutputDir, "ledger.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	w, err := writer.New(filepath.Join(opts.Download.OutputDir, "segments"), log, led.Confirm)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare output directory: %w", err)
	}
	keys, err := keycache.New(client, opts.Poll.KeyCacheSize, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key cache: %w", err)
	}
	dl := fetch.NewDownloader(client, log, int64(opts.Network.Concurrency), opts.Network.MaxAttempts)
	if opts.Network.Timeout > 0 {
		dl.RequestTimeout = opts.Network.Timeout
	}
	return &Session{
		log:         log,
		opts:        opts,
		manifests:   manifest.NewClient(client, log),
		keys:        keys,
		ledger:      led,
		downloader:  dl,
		writer:      w,
		streams:     streams,
		initCache:   make(map[string][]byte),
		initWritten: make(map[string]bool),
	}, nil
}

// SegmentsDir is where captured segment files land.
func (s *Session) SegmentsDir() string {
	return s.writer.Dir()
}

// Run captures all renditions until they end, a fatal error occurs or the
// context is canceled. Cancellation is a clean stop: in-flight downloads
// finish or fail, the ledger stays consistent and the partial result is
// returned without an error.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if err := s.restoreFiles(); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for stream, url := range s.streams {
		g.Go(func() error {
			return s.runStream(gctx, stream, url)
		})
	}
	err := g.Wait()
	res := s.result()
	if err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	res.Interrupted = errors.Is(err, context.Canceled)
	return res, nil
}

// restoreFiles re-enumerates segment files left by an earlier run, so a
// resumed capture reports and remuxes them alongside the newly written
// ones. Only files the restored ledger confirmed are trusted; anything else
// on disk is a leftover from an unconfirmed write and gets redone.
func (s *Session) restoreFiles() error {
	entries, err := os.ReadDir(s.writer.Dir())
	if err != nil {
		return fmt.Errorf("failed to enumerate segments directory: %w", err)
	}

	byName := make(map[string]models.Stream, len(s.streams))
	for stream := range s.streams {
		byName[stream.String()] = stream
	}

	restored := 0
	for _, e := range entries {
		name, group, seq, isInit, ok := writer.ParseName(e.Name())
		if !ok {
			continue
		}
		stream, known := byName[name]
		if !known {
			continue
		}
		path := filepath.Join(s.writer.Dir(), e.Name())
		if isInit {
			s.initWritten[name] = true
			s.files = append(s.files, writer.File{Stream: stream, Init: true, Path: path})
			continue
		}
		if !s.ledger.Confirmed(stream, group, seq) {
			continue
		}
		s.files = append(s.files, writer.File{
			Stream:      stream,
			DisconGroup: group,
			Sequence:    seq,
			Path:        path,
		})
		restored++
	}
	if restored > 0 {
		s.log.Infof("Resuming: %d previously captured segment file(s) found", restored)
	}
	return nil
}

func (s *Session) result() *Result {
	s.mu.Lock()
	files := make([]writer.File, len(s.files))
	copy(files, s.files)
	s.mu.Unlock()
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.Stream.String() != b.Stream.String() {
			return a.Stream.String() < b.Stream.String()
		}
		// The init segment leads its stream.
		if a.Init != b.Init {
			return a.Init
		}
		if a.DisconGroup != b.DisconGroup {
			return a.DisconGroup < b.DisconGroup
		}
		return a.Sequence < b.Sequence
	})
	return &Result{Files: files, Missing: s.ledger.Missing()}
}

func (s *Session) runStream(ctx context.Context, stream models.Stream, url string) error {
	var (
		pl           *manifest.MediaPlaylist
		pending      []models.Segment
		foundNew     bool
		sawLive      bool
		pollFailures int
	)
	st := statePolling
	for {
		switch st {
		case statePolling:
			var err error
			pl, err = s.manifests.FetchMedia(ctx, url)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var fe *manifest.FetchError
				if errors.As(err, &fe) && fe.Status == http.StatusNotFound && sawLive && s.opts.Poll.Vanish == config.VanishEnd {
					s.log.Warnf("Stream %s playlist vanished, treating as ended", stream)
					st = stateDone
					continue
				}
				pollFailures++
				if pollFailures >= s.opts.Poll.FailureLimit {
					return fmt.Errorf("stream %s unavailable after %d consecutive poll failures: %w", stream, pollFailures, err)
				}
				s.log.Warnf("Poll failed for stream %s (%d/%d): %v", stream, pollFailures, s.opts.Poll.FailureLimit, err)
				if err := sleep(ctx, pollRetryDelay); err != nil {
					return err
				}
				continue
			}
			pollFailures = 0
			if pl.Live() {
				sawLive = true
			}
			st = stateDiffing

		case stateDiffing:
			var err error
			pending, err = s.ledger.Diff(stream, pl)
			if err != nil {
				return err
			}
			foundNew = len(pending) > 0
			st = stateAcquiring

		case stateAcquiring:
			if err := s.acquireBatch(ctx, stream, pending); err != nil {
				return err
			}
			if pl.EndList {
				st = stateDone
			} else {
				st = stateIdle
			}

		case stateIdle:
			if err := sleep(ctx, pollInterval(pl.TargetDuration, foundNew, s.opts.Poll.IdleFraction)); err != nil {
				return err
			}
			st = statePolling

		case stateDone:
			s.log.Infof("Stream %s ended", stream)
			return nil
		}
	}
}

// pollInterval spaces playlist polls. A poll that surfaced new segments
// waits the full target duration; an empty poll waits only a fraction of
// it so a fresh segment is picked up promptly.
func pollInterval(targetDuration float64, foundNew bool, idleFraction float64) time.Duration {
	secs := targetDuration
	if !foundNew {
		secs *= idleFraction
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) acquireBatch(ctx context.Context, stream models.Stream, pending []models.Segment) error {
	if len(pending) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range pending {
		g.Go(func() error {
			return s.acquire(gctx, stream, seg)
		})
	}
	return g.Wait()
}

// acquire runs one segment through the pipeline: key, init segment,
// payload, decrypt, write. Any failure up to and including decryption
// abandons just this segment; a write failure is fatal because the output
// location itself is broken.
func (s *Session) acquire(ctx context.Context, stream models.Stream, seg models.Segment) error {
	var keyBytes []byte
	if seg.Key != nil {
		var err error
		keyBytes, err = s.keys.Resolve(ctx, seg.Key.URI)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.abandon(stream, seg, fmt.Sprintf("key fetch failed: %v", err))
			return nil
		}
	}

	if seg.Init != nil {
		if err := s.ensureInit(ctx, stream, seg.Init); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.abandon(stream, seg, fmt.Sprintf("init segment fetch failed: %v", err))
			return nil
		}
	}

	data, err := s.downloader.Fetch(ctx, seg.URI, seg.ByteRange)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.abandon(stream, seg, err.Error())
		return nil
	}

	plaintext, err := decrypt.Apply(seg, keyBytes, data)
	if err != nil {
		s.abandon(stream, seg, err.Error())
		return nil
	}

	file, err := s.writer.Write(stream, seg, plaintext)
	if err != nil {
		return fmt.Errorf("failed to write segment %d of stream %s: %w", seg.Sequence, stream, err)
	}

	s.mu.Lock()
	s.files = append(s.files, file)
	s.mu.Unlock()
	s.log.Debugf("Captured %s segment %d (group %d)", stream, seg.Sequence, seg.DisconGroup)
	return nil
}

func (s *Session) abandon(stream models.Stream, seg models.Segment, reason string) {
	s.ledger.Abandon(stream, seg.DisconGroup, seg.Sequence, reason)
	s.log.Warnf("Giving up on %s segment %d: %s", stream, seg.Sequence, reason)
}

// ensureInit makes sure the stream's init segment file is on disk before
// any media segment referencing it is written. The bytes are fetched once
// per distinct URI and byte range no matter how many segments or streams
// reference them, and written once per stream.
func (s *Session) ensureInit(ctx context.Context, stream models.Stream, init *models.InitSegment) error {
	s.initMu.Lock()
	written := s.initWritten[stream.String()]
	s.initMu.Unlock()
	if written {
		return nil
	}

	// Single-flight per stream: concurrent segments of one batch race to
	// write the same init file otherwise.
	_, err, _ := s.initGroup.Do("write|"+stream.String(), func() (interface{}, error) {
		s.initMu.Lock()
		written := s.initWritten[stream.String()]
		s.initMu.Unlock()
		if written {
			return nil, nil
		}

		data, err := s.initBytes(ctx, init)
		if err != nil {
			return nil, err
		}
		file, err := s.writer.WriteInit(stream, data)
		if err != nil {
			return nil, err
		}

		s.initMu.Lock()
		s.initWritten[stream.String()] = true
		s.initMu.Unlock()
		s.mu.Lock()
		s.files = append(s.files, file)
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Session) initBytes(ctx context.Context, init *models.InitSegment) ([]byte, error) {
	key := init.URI
	if init.ByteRange != nil {
		key += "#" + init.ByteRange.Header()
	}
	s.initMu.Lock()
	cached, ok := s.initCache[key]
	s.initMu.Unlock()
	if ok {
		return cached, nil
	}
	v, err, _ := s.initGroup.Do(key, func() (interface{}, error) {
		data, err := s.downloader.Fetch(ctx, init.URI, init.ByteRange)
		if err != nil {
			return nil, err
		}
		s.initMu.Lock()
		s.initCache[key] = data
		s.initMu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
