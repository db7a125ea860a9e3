package keycache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"hlsgrab/internal/fetch"
	"hlsgrab/internal/logger"
)

// keySize is the AES-128 key length in bytes.
const keySize = 16

// DefaultCapacity is the default cache size. Key rotations are infrequent,
// so a handful of entries covers a whole capture.
const DefaultCapacity = 8

// FetchError reports a failed or invalid key fetch.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch key %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Cache resolves encryption-key URIs to raw 16-byte keys. Hits are served
// from a bounded LRU; concurrent misses for the same URI collapse into a
// single network fetch.
type Cache struct {
	client *fetch.Client
	log    logger.Logger
	lru    *lru.Cache[string, []byte]
	group  singleflight.Group
}

// New creates a key cache with the given capacity.
func New(client *fetch.Client, capacity int, log logger.Logger) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{client: client, log: log, lru: l}, nil
}

// Resolve returns the key bytes for the given key URI, fetching them on a
// cache miss. The first caller for a pending URI performs the fetch;
// concurrent callers wait on that result.
func (c *Cache) Resolve(ctx context.Context, keyURI string) ([]byte, error) {
	if key, ok := c.lru.Get(keyURI); ok {
		return key, nil
	}

	v, err, _ := c.group.Do(keyURI, func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have populated
		// the cache between our miss and this call.
		if key, ok := c.lru.Get(keyURI); ok {
			return key, nil
		}

		key, err := c.fetchKey(ctx, keyURI)
		if err != nil {
			return nil, err
		}
		c.lru.Add(keyURI, key)
		c.log.Debugf("Fetched encryption key from %s", keyURI)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) fetchKey(ctx context.Context, keyURI string) ([]byte, error) {
	resp, err := c.client.Get(ctx, keyURI, nil)
	if err != nil {
		return nil, &FetchError{URI: keyURI, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URI: keyURI, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	key, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URI: keyURI, Err: err}
	}
	if len(key) != keySize {
		return nil, &FetchError{URI: keyURI, Err: fmt.Errorf("key payload is %d bytes, want %d", len(key), keySize)}
	}
	return key, nil
}
