package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/models"
)

func newTestDownloader(t *testing.T, maxAttempts int) *Downloader {
	t.Helper()
	client, err := NewClient(Options{}, logger.Nop())
	require.NoError(t, err)
	d := NewDownloader(client, logger.Nop(), 4, maxAttempts)
	d.Backoff = func() backoff.BackOff {
		b := backoff.NewConstantBackOff(time.Millisecond)
		return b
	}
	return d
}

func TestDownloader_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	d := newTestDownloader(t, 5)
	data, err := d.Fetch(context.Background(), server.URL+"/seg.ts", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int32(4), calls.Load(), "503 three times, then success on the fourth attempt")
}

func TestDownloader_AttemptCeiling(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := newTestDownloader(t, 3)
	_, err := d.Fetch(context.Background(), server.URL+"/seg.ts", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var de *DownloadError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Transient)
	assert.Equal(t, http.StatusBadGateway, de.Status)
}

func TestDownloader_PermanentFailureFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	d := newTestDownloader(t, 5)
	_, err := d.Fetch(context.Background(), server.URL+"/gone.ts", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "permanent failures are not retried")

	var de *DownloadError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Transient)
}

func TestDownloader_ByteRange(t *testing.T) {
	full := []byte("0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=4-11", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[4:12])
	}))
	defer server.Close()

	d := newTestDownloader(t, 1)
	data, err := d.Fetch(context.Background(), server.URL+"/all.ts", &models.ByteRange{Offset: 4, Length: 8})
	require.NoError(t, err)
	assert.Equal(t, []byte("456789ab"), data)
}

func TestDownloader_IgnoredByteRangeIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// 200 with the full body even though a range was requested.
		w.Write([]byte("full resource body"))
	}))
	defer server.Close()

	d := newTestDownloader(t, 5)
	_, err := d.Fetch(context.Background(), server.URL+"/all.ts", &models.ByteRange{Offset: 0, Length: 4})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var de *DownloadError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Transient)
	assert.Contains(t, de.Error(), "ignored byte range")
}

func TestDownloader_Cancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := newTestDownloader(t, 10)
	d.Backoff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctx, server.URL+"/seg.ts", nil)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after cancellation")
	}
}
