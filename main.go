package main

import (
	"context"
	"flag"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/uptimelabs/kuma-version-sync/pkg/config"
	"github.com/uptimelabs/kuma-version-sync/pkg/k8sutil"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma/restapi"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma/socketio"
	"github.com/uptimelabs/kuma-version-sync/pkg/logging"
	"github.com/uptimelabs/kuma-version-sync/pkg/sigcontext"
	"github.com/uptimelabs/kuma-version-sync/pkg/syncer"
	"github.com/uptimelabs/kuma-version-sync/pkg/versionsource"
)

var (
	flagLogDebug = flag.Bool("debug", false, "")
	flagTimeout  = flag.Duration("timeout", 5*time.Minute, "overall deadline for the run")
)

func main() {
	flag.Parse()

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}

	log := logging.New("main")

	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable logs every frame on the wire, including credentials")
	}

	settings, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Error("configuration")
		os.Exit(1)
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *flagTimeout)
	defer timeoutCancel()

	services, err := loadServices(ctx, settings)
	if err != nil {
		log.WithError(err).Error("services configuration")
		os.Exit(1)
	}
	log.WithField("services", len(services)).
		WithField("dashboard", settings.URL).
		Info("starting version sync")

	if err := run(ctx, settings, services); err != nil {
		log.WithError(err).Error("run failed")
		os.Exit(1)
	}
	log.Info("all version tags updated")
}

func run(ctx context.Context, settings *config.Settings, services []config.Service) error {
	client, err := newClient(settings)
	if err != nil {
		return errors.WithMessage(err, "client setup")
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return errors.WithMessage(err, "dashboard connection")
	}
	if err := client.Login(ctx, settings.Credentials()); err != nil {
		return errors.WithMessage(err, "dashboard authentication")
	}

	s := syncer.New(logging.New("syncer"), client, versionsource.New(!settings.VerifySSL))
	return s.Run(ctx, services).Err()
}

func newClient(settings *config.Settings) (kuma.Client, error) {
	insecure := !settings.VerifySSL
	switch settings.Transport {
	case config.TransportREST:
		return restapi.New(logging.New("restapi"), settings.URL, insecure)
	default:
		return socketio.New(logging.New("socketio"), settings.URL, insecure)
	}
}

// loadServices resolves the services document, from the referenced ConfigMap
// when one is named and from the environment otherwise.
func loadServices(ctx context.Context, settings *config.Settings) ([]config.Service, error) {
	raw := settings.ServicesJSON
	if settings.ServicesConfigMap != "" {
		ref, err := k8sutil.ParseConfigMapRef(settings.ServicesConfigMap)
		if err != nil {
			return nil, err
		}
		kube, err := k8sutil.DefaultKubernetesClient()
		if err != nil {
			return nil, errors.WithMessage(err, "kubernetes client")
		}
		raw, err = k8sutil.ReadConfigMapKey(ctx, kube, ref)
		if err != nil {
			return nil, err
		}
	}
	return config.ParseServices(raw)
}
