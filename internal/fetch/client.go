package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/models"
)

// Options configures the shared HTTP client.
type Options struct {
	// UserAgent is sent on every request when non-empty.
	UserAgent string
	// CookieFile is a path to a Netscape-format cookie file, optional.
	CookieFile string
	// CopyQuery, when set, supplies query pairs appended to every request.
	// Some origins require the playlist URL's token parameters on segment
	// requests as well.
	CopyQuery *url.URL
	// InsecureTLS skips server certificate verification.
	InsecureTLS bool
}

// Client is the HTTP client shared by all remote fetches: playlists, keys
// and segments. It attaches the configured user agent, cookie jar and extra
// query pairs to every request and follows redirects.
type Client struct {
	http      *http.Client
	userAgent string
	query     url.Values
}

// NewClient creates a new client from the given options.
func NewClient(opts Options, log logger.Logger) (*Client, error) {
	transport := &http.Transport{
		ResponseHeaderTimeout: 10 * time.Second,
	}
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	httpClient := &http.Client{Transport: transport}

	if opts.CookieFile != "" {
		jar, err := loadCookieJar(opts.CookieFile, log)
		if err != nil {
			return nil, fmt.Errorf("failed to load cookie file %s: %w", opts.CookieFile, err)
		}
		httpClient.Jar = jar
	}

	var query url.Values
	if opts.CopyQuery != nil {
		query = opts.CopyQuery.Query()
	}

	return &Client{
		http:      httpClient,
		userAgent: opts.UserAgent,
		query:     query,
	}, nil
}

// Get issues a GET request for the given URL, restricted to the byte range
// when one is present. The caller owns the response body.
func (c *Client) Get(ctx context.Context, rawurl string, br *models.ByteRange) (*http.Response, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawurl, err)
	}

	if len(c.query) > 0 {
		q := u.Query()
		for k, vs := range c.query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawurl, err)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if br != nil {
		req.Header.Set("Range", br.Header())
	}

	return c.http.Do(req)
}
