// Package kuma defines the dashboard records this tool reconciles and the
// client capability both transports provide. The dashboard exposes the same
// operations over a socket.io event channel and over a REST gateway; callers
// program against Client and pick a transport at startup.
package kuma

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotAuthenticated is returned by operations invoked before a
	// successful Login.
	ErrNotAuthenticated = errors.New("kuma: not authenticated")

	// ErrMonitorNotFound indicates no monitor carries the requested name.
	ErrMonitorNotFound = errors.New("kuma: monitor not found")
)

// Credentials authenticate a session. Token, when set, takes precedence over
// the username/password pair.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Tag is a dashboard-wide label record. Monitors reference tags by ID.
type Tag struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// MonitorTag is a tag attachment as it appears on a monitor record. The event
// channel reports the tag id under "tag_id"; the name rides along.
type MonitorTag struct {
	TagID int64  `json:"tag_id"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Monitor is one watched endpoint on the dashboard.
type Monitor struct {
	ID     int64        `json:"id"`
	Name   string       `json:"name"`
	Active bool         `json:"active"`
	Tags   []MonitorTag `json:"tags"`
}

// Client is the set of dashboard operations the sync needs. Implementations
// are not safe for concurrent use; the run is sequential by design.
type Client interface {
	// Connect establishes the session. It must be called once before Login.
	Connect(ctx context.Context) error

	// Login authenticates the session. Operations below fail with
	// ErrNotAuthenticated until it succeeds.
	Login(ctx context.Context, creds Credentials) error

	// Monitors returns every monitor visible to the session.
	Monitors(ctx context.Context) ([]Monitor, error)

	// Tags returns every tag defined on the dashboard.
	Tags(ctx context.Context) ([]Tag, error)

	// AddTag creates a tag and returns the stored record, including the
	// assigned ID.
	AddTag(ctx context.Context, name, color string) (*Tag, error)

	// AttachTag attaches an existing tag to a monitor.
	AttachTag(ctx context.Context, monitorID, tagID int64) error

	// DetachTag removes a tag from a monitor. Detaching a tag that is not
	// attached is not an error.
	DetachTag(ctx context.Context, monitorID, tagID int64) error

	// Close tears the session down. Safe to call when never connected.
	Close() error
}

// FindMonitor returns the monitor with the exact name, or ErrMonitorNotFound.
func FindMonitor(monitors []Monitor, name string) (*Monitor, error) {
	for i := range monitors {
		if monitors[i].Name == name {
			return &monitors[i], nil
		}
	}
	return nil, errors.WithMessage(ErrMonitorNotFound, name)
}
