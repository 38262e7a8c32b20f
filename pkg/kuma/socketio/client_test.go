package socketio

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
	"gotest.tools/assert"

	"github.com/uptimelabs/kuma-version-sync/pkg/internal/testoutput"
	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/logging"
)

// fakeDashboard speaks just enough engine.io v4 to exercise the client: it
// performs the handshake, acks the operations, and pushes monitorList when
// asked by emit.
type fakeDashboard struct {
	monitorListPayload string
	tagsPayload        string
	loginOK            bool

	// silent acks the login but never answers list requests, the failure
	// mode the bounded waits exist for.
	silent bool
}

func (d *fakeDashboard) handler(ws *websocket.Conn) {
	send := func(format string, args ...interface{}) {
		_ = websocket.Message.Send(ws, fmt.Sprintf(format, args...))
	}
	send(`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`)

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		f, err := decodeFrame([]byte(msg))
		if err != nil {
			continue
		}
		if f.EIO == eioMessage && f.SIO == sioConnect {
			send(`40{"sid":"abc"}`)
			continue
		}
		if f.EIO != eioMessage || f.SIO != sioEvent {
			continue
		}
		name, _, err := eventName(f.Data)
		if err != nil {
			continue
		}
		switch name {
		case eventLogin:
			if d.loginOK {
				send(`43%d[{"ok":true}]`, f.AckID)
			} else {
				send(`43%d[{"ok":false,"msg":"Incorrect username or password."}]`, f.AckID)
			}
		case eventMonitorList:
			if d.silent {
				continue
			}
			send(`42["monitorList",%s]`, d.monitorListPayload)
		case eventGetTags:
			if d.silent {
				continue
			}
			send(`43%d[{"ok":true,"tags":%s}]`, f.AckID, d.tagsPayload)
		case eventAddTag:
			send(`43%d[{"ok":true,"tag":{"id":9,"name":"version-2.0.0","color":"#3b82f6"}}]`, f.AckID)
		case eventAddMonitorTag, eventDeleteMonitorTag:
			send(`43%d[{"ok":true,"msg":"Saved."}]`, f.AckID)
		}
	}
}

func dialFake(t *testing.T, d *fakeDashboard) *Client {
	t.Helper()
	server := httptest.NewServer(websocket.Handler(d.handler))
	t.Cleanup(server.Close)

	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })

	client, err := New(logging.New("socketio-test"), server.URL, false)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.NilError(t, client.Connect(context.Background()))
	return client
}

func TestClientLoginAndLists(t *testing.T) {
	client := dialFake(t, &fakeDashboard{
		loginOK:            true,
		monitorListPayload: `{"1":{"id":1,"name":"web","tags":[{"tag_id":5,"name":"version-1.0.0"}]}}`,
		tagsPayload:        `[{"id":5,"name":"version-1.0.0","color":"#3b82f6"}]`,
	})
	ctx := context.Background()

	assert.NilError(t, client.Login(ctx, kuma.Credentials{Username: "admin", Password: "hunter2"}))

	monitors, err := client.Monitors(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(monitors), 1)
	assert.Equal(t, monitors[0].Name, "web")
	assert.Equal(t, monitors[0].Tags[0].TagID, int64(5))

	tags, err := client.Tags(ctx)
	assert.NilError(t, err)
	assert.Equal(t, tags[0].Name, "version-1.0.0")

	tag, err := client.AddTag(ctx, "version-2.0.0", "#3b82f6")
	assert.NilError(t, err)
	assert.Equal(t, tag.ID, int64(9))

	assert.NilError(t, client.AttachTag(ctx, 1, 9))
	assert.NilError(t, client.DetachTag(ctx, 1, 5))
}

func TestClientLoginRejected(t *testing.T) {
	client := dialFake(t, &fakeDashboard{loginOK: false})

	err := client.Login(context.Background(), kuma.Credentials{Username: "admin", Password: "wrong"})
	assert.ErrorContains(t, err, "Incorrect username or password")
}

func TestMonitorsHonorsCancellation(t *testing.T) {
	client := dialFake(t, &fakeDashboard{loginOK: true, silent: true})
	assert.NilError(t, client.Login(context.Background(), kuma.Credentials{Username: "admin", Password: "hunter2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Monitors(ctx)
	assert.Equal(t, err, context.DeadlineExceeded)
	assert.Check(t, time.Since(start) < listWaitTimeout,
		"returned on cancellation instead of waiting out the list deadline")
}

func TestCallHonorsCancellation(t *testing.T) {
	client := dialFake(t, &fakeDashboard{loginOK: true, silent: true})
	assert.NilError(t, client.Login(context.Background(), kuma.Credentials{Username: "admin", Password: "hunter2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Tags(ctx)
	assert.Equal(t, errors.Cause(err), context.DeadlineExceeded)
	assert.Check(t, time.Since(start) < callTimeout,
		"returned on cancellation instead of waiting out the ack deadline")
}

func TestInsecureTLSDial(t *testing.T) {
	d := &fakeDashboard{loginOK: true}
	server := httptest.NewTLSServer(websocket.Handler(d.handler))
	t.Cleanup(server.Close)

	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })

	client, err := New(logging.New("socketio-test"), server.URL, true)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.NilError(t, client.Connect(context.Background()))

	strict, err := New(logging.New("socketio-test"), server.URL, false)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = strict.Close() })
	assert.Check(t, strict.Connect(context.Background()) != nil,
		"self-signed certificate accepted despite verification being on")
}

func TestClientRequiresLogin(t *testing.T) {
	client := dialFake(t, &fakeDashboard{loginOK: true})

	_, err := client.Monitors(context.Background())
	assert.Equal(t, err, kuma.ErrNotAuthenticated)

	_, err = client.Tags(context.Background())
	assert.Equal(t, err, kuma.ErrNotAuthenticated)
}
