package logfields

import (
	"github.com/sirupsen/logrus"

	"github.com/uptimelabs/kuma-version-sync/pkg/config"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
)

func Service(svc config.Service) logrus.Fields {
	return logrus.Fields{
		"monitor":  svc.MonitorName,
		"endpoint": svc.VersionEndpoint,
	}
}

func Monitor(m *kuma.Monitor) logrus.Fields {
	return logrus.Fields{
		"monitor":   m.Name,
		"monitorID": m.ID,
	}
}

func Tag(t *kuma.Tag) logrus.Fields {
	return logrus.Fields{
		"tag":   t.Name,
		"tagID": t.ID,
	}
}
