package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/models"
)

// DownloadError describes a failed segment fetch. Transient failures
// (timeouts, 5xx, 429, connection resets) are retried; permanent ones are
// surfaced immediately.
type DownloadError struct {
	URL       string
	Status    int
	Transient bool
	Err       error
}

func (e *DownloadError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("download %s: status %d (%s): %v", e.URL, e.Status, kind, e.Err)
	}
	return fmt.Sprintf("download %s (%s): %v", e.URL, kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader fetches segment payloads with bounded concurrency and robust
// retry logic. Admission is gated by a weighted semaphore so excess pending
// segments queue instead of spawning unbounded parallel requests.
type Downloader struct {
	client      *Client
	log         logger.Logger
	sem         *semaphore.Weighted
	maxAttempts int

	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
	// Backoff builds the per-fetch retry schedule. Overridable in tests.
	Backoff func() backoff.BackOff
}

// NewDownloader creates a new downloader with the given concurrency limit
// and per-segment attempt ceiling.
func NewDownloader(client *Client, log logger.Logger, concurrency int64, maxAttempts int) *Downloader {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Downloader{
		client:         client,
		log:            log,
		sem:            semaphore.NewWeighted(concurrency),
		maxAttempts:    maxAttempts,
		RequestTimeout: 10 * time.Second,
		Backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 1 * time.Second
			b.MaxInterval = 10 * time.Second
			b.Multiplier = 2
			return b
		},
	}
}

// Fetch downloads the resource at rawurl, restricted to the given byte range
// when present. Transient failures are retried with exponential backoff up
// to the attempt ceiling; the returned error wraps a *DownloadError.
func (d *Downloader) Fetch(ctx context.Context, rawurl string, br *models.ByteRange) ([]byte, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	bo := d.Backoff()
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		data, err := d.attempt(ctx, rawurl, br)
		if err == nil {
			d.log.Debugf("Downloaded %s (attempt %d/%d)", rawurl, attempt, d.maxAttempts)
			return data, nil
		}
		lastErr = err

		var de *DownloadError
		if errors.As(err, &de) && !de.Transient {
			return nil, err
		}
		if attempt == d.maxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		d.log.Warnf("Download attempt %d/%d for %s failed: %v", attempt, d.maxAttempts, rawurl, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("failed to download %s after %d attempts: %w", rawurl, d.maxAttempts, lastErr)
}

// attempt performs a single GET with a per-attempt timeout and classifies
// the outcome.
func (d *Downloader) attempt(ctx context.Context, rawurl string, br *models.ByteRange) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.RequestTimeout)
	defer cancel()

	resp, err := d.client.Get(ctx, rawurl, br)
	if err != nil {
		return nil, &DownloadError{URL: rawurl, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case br == nil && resp.StatusCode == http.StatusOK:
	case br != nil && resp.StatusCode == http.StatusPartialContent:
	case br != nil && resp.StatusCode == http.StatusOK:
		// The server ignored the Range header. A full-resource body cannot
		// stand in for the requested sub-range, and retrying would get the
		// same answer.
		return nil, &DownloadError{
			URL:    rawurl,
			Status: resp.StatusCode,
			Err:    errors.New("server ignored byte range request"),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &DownloadError{
			URL:       rawurl,
			Status:    resp.StatusCode,
			Transient: true,
			Err:       fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	default:
		return nil, &DownloadError{
			URL:    rawurl,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DownloadError{URL: rawurl, Transient: true, Err: fmt.Errorf("failed while reading body: %w", err)}
	}
	return data, nil
}
