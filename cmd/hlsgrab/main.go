package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"hlsgrab/internal/config"
	"hlsgrab/internal/fetch"
	"hlsgrab/internal/logger"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/models"
	"hlsgrab/internal/remux"
	"hlsgrab/internal/session"
	"hlsgrab/internal/variant"
)

func main() {
	// 1. Parse command-line arguments
	opts := config.Default()
	outputDir := flag.String("o", "output", "Output directory")
	logLevel := flag.String("L", "info", "Log level (error, warn, info, debug)")
	logFormat := flag.String("log-format", "console", "Log format (console, json)")
	userAgent := flag.String("ua", "", "User-Agent header for every request")
	cookieFile := flag.String("cookies", "", "Path to a Netscape format cookie file")
	copyQuery := flag.Bool("copy-query", false, "Copy the playlist URL's query string onto every request")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	concurrency := flag.Int("n", opts.Network.Concurrency, "Maximum concurrent segment downloads")
	attempts := flag.Int("r", opts.Network.MaxAttempts, "Download attempts per segment")
	timeout := flag.Duration("t", opts.Network.Timeout, "Per-request timeout")
	idleFraction := flag.Float64("poll-fraction", opts.Poll.IdleFraction, "Fraction of the target duration to wait after an empty poll")
	failureLimit := flag.Int("poll-failures", opts.Poll.FailureLimit, "Consecutive playlist poll failures tolerated before giving up")
	onVanish := flag.String("on-vanish", string(opts.Poll.Vanish), "Behavior when a live playlist starts returning 404 (fail, end)")
	variantIndex := flag.Int("variant", -1, "Variant to capture by list position (0 = highest bandwidth), -1 prompts")
	streamNames := flag.String("streams", "", "Comma-separated stream identifiers to capture (e.g. main,audio_English)")
	noRemux := flag.Bool("no-remux", false, "Skip the ffmpeg remux step")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <playlist-url>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	rawurl := flag.Arg(0)

	// 2. Initialize logger
	log := logger.NewLogger(*logLevel, *logFormat)
	log.Infof("Starting capture of %s", rawurl)

	// 3. Assemble and validate configuration
	opts.Network.UserAgent = *userAgent
	opts.Network.CookieFile = *cookieFile
	opts.Network.InsecureTLS = *insecure
	opts.Network.Timeout = *timeout
	opts.Network.MaxAttempts = *attempts
	opts.Network.Concurrency = *concurrency
	opts.Download.OutputDir = *outputDir
	opts.Download.NoRemux = *noRemux
	opts.Download.VariantIndex = *variantIndex
	if *streamNames != "" {
		opts.Download.Streams = strings.Split(*streamNames, ",")
	}
	opts.Poll.IdleFraction = *idleFraction
	opts.Poll.FailureLimit = *failureLimit
	vanish, err := config.ParseVanishPolicy(*onVanish)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(2)
	}
	opts.Poll.Vanish = vanish
	if err := opts.Validate(); err != nil {
		log.Errorf("Invalid configuration: %v", err)
		os.Exit(2)
	}

	// 4. Initialize the HTTP client
	fetchOpts := fetch.Options{
		UserAgent:   opts.Network.UserAgent,
		CookieFile:  opts.Network.CookieFile,
		InsecureTLS: opts.Network.InsecureTLS,
	}
	if *copyQuery {
		u, err := url.Parse(rawurl)
		if err != nil {
			log.Errorf("Invalid playlist URL: %v", err)
			os.Exit(2)
		}
		fetchOpts.CopyQuery = u
	}
	client, err := fetch.NewClient(fetchOpts, log)
	if err != nil {
		log.Errorf("Failed to initialize HTTP client: %v", err)
		os.Exit(1)
	}

	// Cancel on the first interrupt, force-quit on the second.
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Warnf("Interrupt received, finishing in-flight work (interrupt again to force quit)")
		cancel()
		<-quit
		log.Errorf("Forced quit")
		os.Exit(1)
	}()

	// 5. Fetch the playlist and decide what to capture
	manifests := manifest.NewClient(client, log)
	pl, finalURL, err := manifests.Fetch(ctx, rawurl)
	if err != nil {
		log.Errorf("Failed to fetch playlist: %v", err)
		os.Exit(1)
	}

	var streams map[models.Stream]string
	switch {
	case pl.Master != nil:
		streams, err = selectStreams(pl.Master, opts.Download, log)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
	default:
		// A media playlist has exactly one stream to capture.
		streams = map[models.Stream]string{{Role: models.RoleMain}: finalURL}
	}
	for s := range streams {
		log.Infof("Capturing stream %s", s)
	}

	// 6. Run the capture session
	sess, err := session.New(log, client, streams, opts)
	if err != nil {
		log.Errorf("Failed to initialize session: %v", err)
		os.Exit(1)
	}
	start := time.Now()
	res, err := sess.Run(ctx)
	if err != nil {
		log.Errorf("Capture failed: %v", err)
		os.Exit(1)
	}

	// 7. Report the outcome
	switch {
	case res.Interrupted:
		log.Warnf("Capture interrupted: %d segment files captured in %s before stopping", len(res.Files), sess.SegmentsDir())
	case res.Complete():
		log.Infof("Capture complete: %d segment files in %s (%s)", len(res.Files), sess.SegmentsDir(), time.Since(start).Round(time.Second))
	default:
		log.Warnf("Capture partial: %d segments missing after exhausting retries", res.MissingCount())
	}
	for stream, seqs := range res.Missing {
		log.Warnf("  %s: missing sequences %v", stream, seqs)
	}

	// 8. Remux into playable MP4 files
	if opts.Download.NoRemux || len(res.Files) == 0 {
		return
	}
	muxer := remux.New(log)
	if !muxer.Available() {
		log.Warnf("ffmpeg not found on PATH, leaving raw segments in %s", sess.SegmentsDir())
		return
	}
	if _, err := muxer.Mux(context.Background(), res.Files, opts.Download.OutputDir); err != nil {
		// The capture itself succeeded, so a mux failure only costs the
		// convenience output. The raw segments stay on disk.
		log.Errorf("Remux failed: %v", err)
	}
}

// selectStreams resolves the master playlist's catalog and picks a variant,
// either by flag or interactively, then expands it into the set of media
// playlists to capture.
func selectStreams(m *manifest.MasterPlaylist, dl config.DownloadOptions, log logger.Logger) (map[models.Stream]string, error) {
	cat, err := variant.Resolve(m)
	if err != nil {
		return nil, err
	}
	for _, d := range append(append([]variant.Descriptor{}, cat.Audio...), cat.Subtitles...) {
		if d.LanguageErr != nil {
			log.Warnf("Rendition %s: %v", d.Stream, d.LanguageErr)
		}
	}

	idx := dl.VariantIndex
	if idx < 0 {
		idx = promptVariant(cat.Video, log)
	}
	if idx >= len(cat.Video) {
		return nil, fmt.Errorf("variant index %d out of range, playlist has %d variants", idx, len(cat.Video))
	}
	chosen := cat.Video[idx]
	log.Infof("Selected variant: %s", chosen.Label())

	streams := variant.Select(m, chosen)
	return variant.Filter(streams, dl.Streams)
}

// promptVariant asks the user to pick a variant from a numbered list.
// Anything unreadable or out of range falls back to the highest bandwidth.
func promptVariant(video []variant.Descriptor, log logger.Logger) int {
	if len(video) == 1 {
		return 0
	}
	fmt.Fprintln(os.Stderr, "Available variants:")
	for i, d := range video {
		fmt.Fprintf(os.Stderr, "  [%d] %s\n", i, d.Label())
	}
	fmt.Fprintf(os.Stderr, "Select variant [0]: ")
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return 0
	}
	text := strings.TrimSpace(sc.Text())
	if text == "" {
		return 0
	}
	idx, err := strconv.Atoi(text)
	if err != nil || idx < 0 || idx >= len(video) {
		log.Warnf("Invalid selection %q, using highest bandwidth variant", text)
		return 0
	}
	return idx
}
