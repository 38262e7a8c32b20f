// Package config assembles the run's configuration from the environment. A
// .env file is honored for local runs; in the cluster everything arrives as
// CronJob env vars, except the services document which may instead live in a
// ConfigMap.
package config

import (
	"encoding/json"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/versiontag"
)

// Transport names for UPTIME_KUMA_TRANSPORT.
const (
	TransportSocketIO = "socketio"
	TransportREST     = "rest"
)

var (
	ErrNoCredentials = errors.New("config: either UPTIME_KUMA_API_TOKEN or UPTIME_KUMA_PASSWORD must be set")
	ErrNoServices    = errors.New("config: SERVICES_CONFIG must contain at least one service")
)

// Settings is the environment surface of the tool.
type Settings struct {
	URL       string `env:"UPTIME_KUMA_URL"       envDefault:"http://uptime-kuma.uptime-kuma.svc.cluster.local:3001"`
	Username  string `env:"UPTIME_KUMA_USERNAME"`
	Password  string `env:"UPTIME_KUMA_PASSWORD"`
	APIToken  string `env:"UPTIME_KUMA_API_TOKEN"`
	VerifySSL bool   `env:"VERIFY_SSL"            envDefault:"false"`
	Transport string `env:"UPTIME_KUMA_TRANSPORT" envDefault:"socketio"`

	// ServicesJSON is the inline services document. ServicesConfigMap, when
	// set, names a "namespace/name[:key]" ConfigMap reference that supplies
	// the document instead.
	ServicesJSON      string `env:"SERVICES_CONFIG"`
	ServicesConfigMap string `env:"SERVICES_CONFIG_CONFIGMAP"`
}

// Service is one entry of the services document.
type Service struct {
	MonitorName     string `json:"monitorName"`
	VersionEndpoint string `json:"versionEndpoint"`
	TagPrefix       string `json:"tagPrefix"`
}

// FromEnv loads and validates Settings. A .env file in the working directory
// is merged in first when present.
func FromEnv() (*Settings, error) {
	// Missing .env is the normal case in the cluster.
	_ = godotenv.Load()

	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, errors.Wrap(err, "config: parse environment")
	}

	if s.APIToken == "" && s.Password == "" {
		return nil, ErrNoCredentials
	}
	switch s.Transport {
	case TransportSocketIO, TransportREST:
	default:
		return nil, errors.Errorf("config: unknown transport %q, want %q or %q",
			s.Transport, TransportSocketIO, TransportREST)
	}
	if s.ServicesJSON == "" && s.ServicesConfigMap == "" {
		return nil, errors.New("config: SERVICES_CONFIG environment variable is required")
	}
	return &s, nil
}

// Credentials returns the dashboard credentials. The token wins when both the
// token and a password are configured.
func (s *Settings) Credentials() kuma.Credentials {
	return kuma.Credentials{
		Username: s.Username,
		Password: s.Password,
		Token:    s.APIToken,
	}
}

// ParseServices validates the services document. Every entry must name a
// monitor and a version endpoint; the tag prefix defaults per entry.
func ParseServices(raw string) ([]Service, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoServices
	}

	var services []Service
	if err := json.Unmarshal([]byte(raw), &services); err != nil {
		return nil, errors.Wrap(err, "config: SERVICES_CONFIG is not a JSON array")
	}
	if len(services) == 0 {
		return nil, ErrNoServices
	}

	for i := range services {
		svc := &services[i]
		if svc.MonitorName == "" || svc.VersionEndpoint == "" {
			return nil, errors.Errorf("config: service %d is missing monitorName or versionEndpoint", i)
		}
		if svc.TagPrefix == "" {
			svc.TagPrefix = versiontag.DefaultPrefix
		}
	}
	return services, nil
}
