package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"hlsgrab/internal/fetch"
	"hlsgrab/internal/logger"
)

// Client fetches and parses playlists.
type Client struct {
	client *fetch.Client
	log    logger.Logger
}

// NewClient creates a new manifest client on top of the shared HTTP client.
func NewClient(client *fetch.Client, log logger.Logger) *Client {
	return &Client{client: client, log: log}
}

// Fetch retrieves the playlist at rawurl and parses it. It returns the
// parsed playlist and the final URL after redirects, which callers must use
// as the base for any relative references.
func (c *Client) Fetch(ctx context.Context, rawurl string) (*Playlist, string, error) {
	c.log.Debugf("Fetching playlist %s", rawurl)

	resp, err := c.client.Get(ctx, rawurl, nil)
	if err != nil {
		return nil, "", &FetchError{URL: rawurl, Err: err}
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL
	if resp.StatusCode != http.StatusOK {
		return nil, "", &FetchError{
			URL:    finalURL.String(),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &FetchError{URL: finalURL.String(), Err: err}
	}

	pl, err := Parse(data, finalURL)
	if err != nil {
		return nil, "", err
	}
	return pl, finalURL.String(), nil
}

// FetchMedia retrieves a playlist expected to be a media playlist.
func (c *Client) FetchMedia(ctx context.Context, rawurl string) (*MediaPlaylist, error) {
	pl, finalURL, err := c.Fetch(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	if pl.Media == nil {
		return nil, &FetchError{URL: finalURL, Err: fmt.Errorf("expected a media playlist")}
	}
	return pl.Media, nil
}
