package fetch

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"

	"hlsgrab/internal/logger"
)

// loadCookieJar parses a Netscape-format cookie file into a cookie jar.
// Each cookie line has seven tab-separated fields:
// domain, include-subdomains, path, secure, expires, name, value.
func loadCookieJar(path string, log logger.Logger) (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments. The #HttpOnly_ prefix some
		// exporters emit still carries a valid cookie.
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			log.Warnf("Invalid cookie line: %s", line)
			continue
		}

		domain := strings.TrimPrefix(fields[0], ".")
		u, err := url.Parse("https://" + domain)
		if err != nil {
			log.Warnf("Invalid cookie domain %q: %v", fields[0], err)
			continue
		}

		jar.SetCookies(u, []*http.Cookie{{
			Name:   fields[5],
			Value:  fields[6],
			Path:   fields[2],
			Domain: domain,
		}})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}

	return jar, nil
}
