package config

import (
	"fmt"
	"time"
)

// VanishPolicy decides how to treat a rendition whose playlist starts
// returning 404 mid-live-stream. The protocol leaves the situation
// ambiguous, so the behavior is an explicit choice rather than a default.
type VanishPolicy string

const (
	// VanishFail treats the disappearance as a fatal error.
	VanishFail VanishPolicy = "fail"
	// VanishEnd treats the disappearance as end-of-stream.
	VanishEnd VanishPolicy = "end"
)

// ParseVanishPolicy validates a policy name.
func ParseVanishPolicy(s string) (VanishPolicy, error) {
	switch VanishPolicy(s) {
	case VanishFail, VanishEnd:
		return VanishPolicy(s), nil
	default:
		return "", fmt.Errorf("invalid vanish policy %q (want %q or %q)", s, VanishFail, VanishEnd)
	}
}

// NetworkOptions configures HTTP behavior.
type NetworkOptions struct {
	UserAgent   string
	CookieFile  string
	CopyQuery   bool
	InsecureTLS bool
	// Timeout bounds each individual request attempt.
	Timeout time.Duration
	// MaxAttempts is the per-segment download attempt ceiling.
	MaxAttempts int
	// Concurrency is the maximum number of simultaneous segment downloads.
	Concurrency int
}

// DownloadOptions configures the capture output.
type DownloadOptions struct {
	// OutputDir receives the segments directory, ledger state and any
	// remuxed files.
	OutputDir string
	NoRemux   bool
	// Streams preselects rendition identifiers ("main", "audio_English"),
	// bypassing interactive selection. Empty selects everything the chosen
	// variant references.
	Streams []string
	// VariantIndex preselects a variant by catalog position (0 = highest
	// bandwidth). Negative means interactive or automatic selection.
	VariantIndex int
}

// PollOptions configures the live polling loop.
type PollOptions struct {
	// IdleFraction is the fraction of the target segment duration to wait
	// after a poll that found no new segments. A poll that did find new
	// segments waits the full target duration.
	IdleFraction float64
	// FailureLimit is the number of consecutive manifest poll failures
	// tolerated before the stream is declared unavailable.
	FailureLimit int
	// Vanish is the live 404 policy.
	Vanish VanishPolicy
	// KeyCacheSize bounds the encryption key cache.
	KeyCacheSize int
}

// Options holds the full capture configuration.
type Options struct {
	Network  NetworkOptions
	Download DownloadOptions
	Poll     PollOptions
}

// Default returns the default options.
func Default() Options {
	return Options{
		Network: NetworkOptions{
			Timeout:     10 * time.Second,
			MaxAttempts: 5,
			Concurrency: 10,
		},
		Download: DownloadOptions{
			VariantIndex: -1,
		},
		Poll: PollOptions{
			IdleFraction: 0.5,
			FailureLimit: 3,
			Vanish:       VanishFail,
			KeyCacheSize: 8,
		},
	}
}

// Validate checks option invariants.
func (o *Options) Validate() error {
	if o.Download.OutputDir == "" {
		return fmt.Errorf("output directory must be set")
	}
	if o.Network.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.Network.MaxAttempts)
	}
	if o.Network.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", o.Network.Concurrency)
	}
	if o.Poll.IdleFraction <= 0 || o.Poll.IdleFraction > 1 {
		return fmt.Errorf("poll idle fraction must be in (0, 1], got %g", o.Poll.IdleFraction)
	}
	if o.Poll.FailureLimit < 1 {
		return fmt.Errorf("poll failure limit must be at least 1, got %d", o.Poll.FailureLimit)
	}
	if _, err := ParseVanishPolicy(string(o.Poll.Vanish)); err != nil {
		return err
	}
	return nil
}
