// Package versionsource fetches the plaintext version string a service
// publishes, typically a version.txt next to its health endpoint.
package versionsource

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	fetchTimeout = 10 * time.Second

	// Endpoints are expected to answer with a short version string; anything
	// bigger than this is some other page answering by accident.
	maxBodySize = 4 << 10
)

var ErrEmptyVersion = errors.New("versionsource: endpoint answered with an empty body")

// Fetcher retrieves version strings over HTTP.
type Fetcher struct {
	http *http.Client
}

// New builds a Fetcher. With insecure set, TLS verification is skipped; the
// endpoints this runs against live behind cluster-internal self-signed certs
// more often than not.
func New(insecure bool) *Fetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Fetcher{
		http: &http.Client{
			Timeout:   fetchTimeout,
			Transport: transport,
		},
	}
}

// Fetch GETs the endpoint and returns the whitespace-stripped body.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrapf(err, "versionsource: build request for %s", endpoint)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "versionsource: fetch %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("versionsource: %s answered %s", endpoint, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", errors.Wrapf(err, "versionsource: read %s", endpoint)
	}

	version := strings.TrimSpace(string(body))
	if version == "" {
		return "", errors.WithMessage(ErrEmptyVersion, endpoint)
	}
	return version, nil
}
