// Package syncer reconciles one version tag per configured service onto its
// dashboard monitor: fetch the reported version, get-or-create the matching
// tag, detach whatever stale version tags the monitor accumulated, attach the
// wanted one, and verify it stuck.
package syncer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/uptimelabs/kuma-version-sync/pkg/config"
	"github.com/uptimelabs/kuma-version-sync/pkg/internal/logfields"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/logging"
	"github.com/uptimelabs/kuma-version-sync/pkg/versiontag"
)

// attachAttempts bounds the attach-verify loop. The event API acknowledges
// attachments it then occasionally fails to persist, so one ack is not
// trusted on its own.
const attachAttempts = 3

var errAttachNotObserved = errors.New("syncer: attached tag not observed on re-read")

// VersionFetcher retrieves the version string a service reports.
type VersionFetcher interface {
	Fetch(ctx context.Context, endpoint string) (string, error)
}

// Syncer runs the reconciliation against one authenticated client.
type Syncer struct {
	log      logging.Logger
	client   kuma.Client
	versions VersionFetcher
}

func New(log logging.Logger, client kuma.Client, versions VersionFetcher) *Syncer {
	return &Syncer{
		log:      log,
		client:   client,
		versions: versions,
	}
}

// Result tallies the run.
type Result struct {
	Succeeded int
	Failed    int
}

// Err is non-nil when any service failed; the process exit code hangs off it.
func (r Result) Err() error {
	if r.Failed > 0 {
		return errors.Errorf("syncer: %d of %d services failed", r.Failed, r.Succeeded+r.Failed)
	}
	return nil
}

// Run processes every service sequentially. A failing service is logged and
// counted and the run moves on; only context cancellation stops it early.
func (s *Syncer) Run(ctx context.Context, services []config.Service) Result {
	var result Result
	for _, svc := range services {
		if ctx.Err() != nil {
			s.log.WithError(ctx.Err()).Warn("run cancelled")
			result.Failed++
			continue
		}
		log := s.log.WithFields(logfields.Service(svc))
		if err := s.syncService(ctx, log, svc); err != nil {
			log.WithError(err).Error("service sync failed")
			result.Failed++
			continue
		}
		result.Succeeded++
	}
	s.log.WithField("succeeded", result.Succeeded).
		WithField("failed", result.Failed).
		Info("run summary")
	return result
}

func (s *Syncer) syncService(ctx context.Context, log logging.Logger, svc config.Service) error {
	version, err := s.versions.Fetch(ctx, svc.VersionEndpoint)
	if err != nil {
		return errors.WithMessage(err, "fetch version")
	}
	log = log.WithField("version", version)
	log.Debug("fetched version")

	monitor, err := s.findMonitor(ctx, svc.MonitorName)
	if err != nil {
		return err
	}
	log.WithFields(logfields.Monitor(monitor)).Debug("found monitor")

	wanted := versiontag.Name(svc.TagPrefix, version)
	tag, err := s.getOrCreateTag(ctx, log, wanted)
	if err != nil {
		return err
	}

	if err := s.detachStale(ctx, log, monitor, svc.TagPrefix, wanted); err != nil {
		return err
	}

	if hasTag(monitor, tag.ID) {
		log.Info("version tag already current")
		return nil
	}
	return s.attachVerified(ctx, log, monitor, tag)
}

func (s *Syncer) findMonitor(ctx context.Context, name string) (*kuma.Monitor, error) {
	monitors, err := s.client.Monitors(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list monitors")
	}
	return kuma.FindMonitor(monitors, name)
}

// getOrCreateTag reuses the dashboard-wide tag when it exists; tags are
// shared across monitors, so recreating one would orphan the others.
func (s *Syncer) getOrCreateTag(ctx context.Context, log logging.Logger, name string) (*kuma.Tag, error) {
	tags, err := s.client.Tags(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list tags")
	}
	for i := range tags {
		if tags[i].Name == name {
			log.WithFields(logfields.Tag(&tags[i])).Debug("reusing existing tag")
			return &tags[i], nil
		}
	}

	tag, err := s.client.AddTag(ctx, name, versiontag.DefaultColor)
	if err != nil {
		return nil, errors.WithMessage(err, "create tag")
	}
	log.WithFields(logfields.Tag(tag)).Info("created tag")
	return tag, nil
}

// detachStale removes every owned version tag other than the wanted one.
// Replacement, not append: a monitor carries at most one tag per prefix.
func (s *Syncer) detachStale(ctx context.Context, log logging.Logger, monitor *kuma.Monitor, prefix, wanted string) error {
	for _, mt := range monitor.Tags {
		if !versiontag.Stale(prefix, mt.Name, wanted) {
			continue
		}
		if err := s.client.DetachTag(ctx, monitor.ID, mt.TagID); err != nil {
			return errors.WithMessagef(err, "detach stale tag %q", mt.Name)
		}
		log.WithField("stale", mt.Name).Info("detached stale version tag")
	}
	return nil
}

// attachVerified attaches the tag and re-reads the monitor to confirm the
// attachment actually persisted, retrying a bounded number of times.
func (s *Syncer) attachVerified(ctx context.Context, log logging.Logger, monitor *kuma.Monitor, tag *kuma.Tag) error {
	var lastErr error
	for attempt := 1; attempt <= attachAttempts; attempt++ {
		if err := s.client.AttachTag(ctx, monitor.ID, tag.ID); err != nil {
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).Warn("attach failed")
			continue
		}

		fresh, err := s.findMonitor(ctx, monitor.Name)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("attempt", attempt).Warn("verification read failed")
			continue
		}
		if hasTag(fresh, tag.ID) {
			log.WithFields(logfields.Tag(tag)).Info("version tag attached")
			return nil
		}
		lastErr = errAttachNotObserved
		log.WithField("attempt", attempt).Warn("attach acknowledged but not observed")
	}
	return errors.WithMessagef(lastErr, "attach tag %q after %d attempts", tag.Name, attachAttempts)
}

func hasTag(monitor *kuma.Monitor, tagID int64) bool {
	for _, mt := range monitor.Tags {
		if mt.TagID == tagID {
			return true
		}
	}
	return false
}
