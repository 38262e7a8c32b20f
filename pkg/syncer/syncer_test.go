package syncer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/assert"

	"github.com/uptimelabs/kuma-version-sync/pkg/config"
	"github.com/uptimelabs/kuma-version-sync/pkg/internal/testoutput"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/logging"
)

// fakeClient is an in-memory dashboard. flakyAttaches acks that many attach
// calls without persisting them, imitating the race the real event API has.
type fakeClient struct {
	monitors map[int64]*kuma.Monitor
	tags     []kuma.Tag
	nextTag  int64

	addTagCalls   int
	attachCalls   int
	flakyAttaches int
}

func newFakeClient(monitors ...*kuma.Monitor) *fakeClient {
	c := &fakeClient{monitors: map[int64]*kuma.Monitor{}, nextTag: 100}
	for _, m := range monitors {
		c.monitors[m.ID] = m
	}
	return c
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }

func (c *fakeClient) Login(ctx context.Context, creds kuma.Credentials) error { return nil }

func (c *fakeClient) Monitors(ctx context.Context) ([]kuma.Monitor, error) {
	out := make([]kuma.Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		copied := *m
		copied.Tags = append([]kuma.MonitorTag(nil), m.Tags...)
		out = append(out, copied)
	}
	return out, nil
}

func (c *fakeClient) Tags(ctx context.Context) ([]kuma.Tag, error) {
	return append([]kuma.Tag(nil), c.tags...), nil
}

func (c *fakeClient) AddTag(ctx context.Context, name, color string) (*kuma.Tag, error) {
	c.addTagCalls++
	c.nextTag++
	tag := kuma.Tag{ID: c.nextTag, Name: name, Color: color}
	c.tags = append(c.tags, tag)
	return &tag, nil
}

func (c *fakeClient) AttachTag(ctx context.Context, monitorID, tagID int64) error {
	c.attachCalls++
	if c.flakyAttaches > 0 {
		c.flakyAttaches--
		return nil
	}
	m, ok := c.monitors[monitorID]
	if !ok {
		return errors.New("no such monitor")
	}
	for _, t := range c.tags {
		if t.ID == tagID {
			m.Tags = append(m.Tags, kuma.MonitorTag{TagID: tagID, Name: t.Name})
			return nil
		}
	}
	return errors.New("no such tag")
}

func (c *fakeClient) DetachTag(ctx context.Context, monitorID, tagID int64) error {
	m, ok := c.monitors[monitorID]
	if !ok {
		return errors.New("no such monitor")
	}
	kept := m.Tags[:0]
	for _, mt := range m.Tags {
		if mt.TagID != tagID {
			kept = append(kept, mt)
		}
	}
	m.Tags = kept
	return nil
}

func (c *fakeClient) Close() error { return nil }

// fakeVersions answers per endpoint; unknown endpoints fail.
type fakeVersions map[string]string

func (f fakeVersions) Fetch(ctx context.Context, endpoint string) (string, error) {
	v, ok := f[endpoint]
	if !ok {
		return "", errors.Errorf("unreachable endpoint %s", endpoint)
	}
	return v, nil
}

func testSyncer(t *testing.T, client kuma.Client, versions VersionFetcher) *Syncer {
	t.Helper()
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })
	return New(testoutput.Logger(t, logging.New("syncer-test")), client, versions)
}

func webService() config.Service {
	return config.Service{
		MonitorName:     "web",
		VersionEndpoint: "http://web/version.txt",
		TagPrefix:       "version",
	}
}

func TestExistingTagReused(t *testing.T) {
	client := newFakeClient(&kuma.Monitor{ID: 1, Name: "web"})
	client.tags = []kuma.Tag{{ID: 7, Name: "version-1.2.3", Color: "#3b82f6"}}
	s := testSyncer(t, client, fakeVersions{"http://web/version.txt": "1.2.3"})

	result := s.Run(context.Background(), []config.Service{webService()})
	assert.NilError(t, result.Err())
	assert.Equal(t, client.addTagCalls, 0)
	assert.Equal(t, client.monitors[1].Tags[0].TagID, int64(7))
}

func TestStaleTagReplacedNotAppended(t *testing.T) {
	client := newFakeClient(&kuma.Monitor{ID: 1, Name: "web", Tags: []kuma.MonitorTag{
		{TagID: 7, Name: "version-1.0.0"},
		{TagID: 3, Name: "team-payments"},
	}})
	client.tags = []kuma.Tag{
		{ID: 7, Name: "version-1.0.0"},
		{ID: 3, Name: "team-payments"},
	}
	s := testSyncer(t, client, fakeVersions{"http://web/version.txt": "2.0.0"})

	result := s.Run(context.Background(), []config.Service{webService()})
	assert.NilError(t, result.Err())

	names := map[string]bool{}
	for _, mt := range client.monitors[1].Tags {
		names[mt.Name] = true
	}
	assert.Check(t, names["version-2.0.0"], "wanted tag attached")
	assert.Check(t, !names["version-1.0.0"], "stale tag removed, not appended alongside")
	assert.Check(t, names["team-payments"], "unrelated tag untouched")
}

func TestSameVersionIsANoOp(t *testing.T) {
	client := newFakeClient(&kuma.Monitor{ID: 1, Name: "web", Tags: []kuma.MonitorTag{
		{TagID: 7, Name: "version-1.0.0"},
	}})
	client.tags = []kuma.Tag{{ID: 7, Name: "version-1.0.0"}}
	s := testSyncer(t, client, fakeVersions{"http://web/version.txt": "1.0.0"})

	result := s.Run(context.Background(), []config.Service{webService()})
	assert.NilError(t, result.Err())
	assert.Equal(t, client.attachCalls, 0)
	assert.Equal(t, len(client.monitors[1].Tags), 1)
}

func TestAttachVerifiedRetries(t *testing.T) {
	client := newFakeClient(&kuma.Monitor{ID: 1, Name: "web"})
	client.flakyAttaches = 1
	s := testSyncer(t, client, fakeVersions{"http://web/version.txt": "1.0.0"})

	result := s.Run(context.Background(), []config.Service{webService()})
	assert.NilError(t, result.Err())
	assert.Equal(t, client.attachCalls, 2)
}

func TestAttachGivesUpAfterBoundedAttempts(t *testing.T) {
	client := newFakeClient(&kuma.Monitor{ID: 1, Name: "web"})
	client.flakyAttaches = attachAttempts
	s := testSyncer(t, client, fakeVersions{"http://web/version.txt": "1.0.0"})

	result := s.Run(context.Background(), []config.Service{webService()})
	assert.Equal(t, result.Failed, 1)
	assert.Equal(t, client.attachCalls, attachAttempts)
}

func TestRunTalliesAcrossServices(t *testing.T) {
	client := newFakeClient(
		&kuma.Monitor{ID: 1, Name: "web"},
		&kuma.Monitor{ID: 2, Name: "api"},
	)
	s := testSyncer(t, client, fakeVersions{
		"http://web/version.txt": "1.0.0",
		// api's endpoint is unreachable
	})

	services := []config.Service{
		webService(),
		{MonitorName: "api", VersionEndpoint: "http://api/version.txt", TagPrefix: "version"},
		{MonitorName: "worker", VersionEndpoint: "http://web/version.txt", TagPrefix: "version"},
	}
	result := s.Run(context.Background(), services)
	assert.Equal(t, result.Succeeded, 1)
	assert.Equal(t, result.Failed, 2)
	assert.ErrorContains(t, result.Err(), "2 of 3 services failed")
}
