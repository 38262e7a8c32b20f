// Package restapi implements kuma.Client against the REST gateway some
// deployments run in front of the dashboard. The surface is plain JSON over
// HTTP with bearer-token auth, which makes it the boring, preferred transport
// when a gateway is available.
package restapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/logging"
)

const requestTimeout = 10 * time.Second

// Client implements kuma.Client over the REST gateway.
type Client struct {
	log     logging.Logger
	baseURL string
	http    *http.Client
	token   string
}

// New prepares a REST client for the gateway at baseURL.
func New(log logging.Logger, baseURL string, insecure bool) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "restapi: parse gateway url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("restapi: unsupported scheme %q", u.Scheme)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		log:     log,
		baseURL: strings.TrimSuffix(u.String(), "/"),
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
	}, nil
}

// Connect is a no-op for the REST transport; there is no session to open
// before authentication.
func (c *Client) Connect(ctx context.Context) error {
	return nil
}

// Login exchanges credentials for an access token. A configured API token is
// used directly, skipping the round trip.
func (c *Client) Login(ctx context.Context, creds kuma.Credentials) error {
	if creds.Token != "" {
		c.token = creds.Token
		return nil
	}

	var out struct {
		Token string `json:"access_token"`
	}
	err := c.do(ctx, http.MethodPost, "/login/access-token", map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	}, &out)
	if err != nil {
		return errors.WithMessage(err, "restapi: login")
	}
	if out.Token == "" {
		c.log.Warn("login answered without an access token")
		return errors.New("restapi: login answered without an access token")
	}
	c.token = out.Token
	return nil
}

func (c *Client) Monitors(ctx context.Context) ([]kuma.Monitor, error) {
	if c.token == "" {
		return nil, kuma.ErrNotAuthenticated
	}
	var out struct {
		Monitors []kuma.Monitor `json:"monitors"`
	}
	if err := c.do(ctx, http.MethodGet, "/monitors", nil, &out); err != nil {
		return nil, errors.WithMessage(err, "restapi: list monitors")
	}
	return out.Monitors, nil
}

func (c *Client) Tags(ctx context.Context) ([]kuma.Tag, error) {
	if c.token == "" {
		return nil, kuma.ErrNotAuthenticated
	}
	var out struct {
		Tags []kuma.Tag `json:"tags"`
	}
	if err := c.do(ctx, http.MethodGet, "/tags", nil, &out); err != nil {
		return nil, errors.WithMessage(err, "restapi: list tags")
	}
	return out.Tags, nil
}

func (c *Client) AddTag(ctx context.Context, name, color string) (*kuma.Tag, error) {
	if c.token == "" {
		return nil, kuma.ErrNotAuthenticated
	}
	var out kuma.Tag
	err := c.do(ctx, http.MethodPost, "/tags", map[string]string{
		"name":  name,
		"color": color,
	}, &out)
	if err != nil {
		return nil, errors.WithMessagef(err, "restapi: add tag %q", name)
	}
	if out.ID == 0 {
		return nil, errors.Errorf("restapi: add tag %q answered without an id", name)
	}
	return &out, nil
}

func (c *Client) AttachTag(ctx context.Context, monitorID, tagID int64) error {
	if c.token == "" {
		return kuma.ErrNotAuthenticated
	}
	path := fmt.Sprintf("/monitors/%d/tags", monitorID)
	err := c.do(ctx, http.MethodPost, path, map[string]int64{"tag_id": tagID}, nil)
	return errors.WithMessage(err, "restapi: attach tag")
}

func (c *Client) DetachTag(ctx context.Context, monitorID, tagID int64) error {
	if c.token == "" {
		return kuma.ErrNotAuthenticated
	}
	path := fmt.Sprintf("/monitors/%d/tags", monitorID)
	err := c.do(ctx, http.MethodDelete, path, map[string]int64{"tag_id": tagID}, nil)
	return errors.WithMessage(err, "restapi: detach tag")
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The gateway puts its complaint in {"detail": "..."}; fall back to
		// the raw body when it doesn't.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(snippet, &detail) == nil && detail.Detail != "" {
			return errors.Errorf("%s %s: %s (%s)", method, path, resp.Status, detail.Detail)
		}
		return errors.Errorf("%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}
