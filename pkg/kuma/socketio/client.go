// Package socketio talks to the dashboard over its native socket.io channel.
// The dashboard has no official synchronous API; every operation is an emitted
// event, answered either by a callback ack or by a pushed list event that may
// arrive whenever the server feels like it. The client hides that behind the
// kuma.Client interface with bounded waits throughout.
package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
	"github.com/uptimelabs/kuma-version-sync/pkg/logging"
	"github.com/uptimelabs/kuma-version-sync/pkg/workgroup"
)

const (
	connectTimeout = 10 * time.Second
	loginTimeout   = 10 * time.Second
	callTimeout    = 5 * time.Second

	// Pushed lists are considered current for this long; mutating calls
	// invalidate them early.
	listCacheTTL = 15 * time.Second

	listWaitTimeout  = 5 * time.Second
	listPollInterval = 100 * time.Millisecond

	monitorListKey = "monitorList"
)

// Wire events understood by the dashboard.
const (
	eventLogin            = "login"
	eventMonitorList      = "monitorList"
	eventGetTags          = "getTags"
	eventAddTag           = "addTag"
	eventAddMonitorTag    = "addMonitorTag"
	eventDeleteMonitorTag = "deleteMonitorTag"
)

var errConnectionLost = errors.New("socketio: connection lost")

// Client implements kuma.Client over a websocket running engine.io v4.
type Client struct {
	log      logging.Logger
	endpoint string
	origin   string
	insecure bool

	ws     *websocket.Conn
	group  *workgroup.Workgroup
	cancel context.CancelFunc

	// writeMu serializes frame writes; pongs from the read pump interleave
	// with request frames from the caller.
	writeMu sync.Mutex

	mu      sync.Mutex
	acks    map[int64]chan json.RawMessage
	nextAck int64
	authed  bool

	opened  chan struct{}
	openOnce sync.Once
	openErr error

	lists *ccache.Cache

	// readGrace is pingInterval+pingTimeout from the handshake; a silent
	// connection past that is dead. Touched only by the read pump.
	readGrace time.Duration
}

// New prepares a client for the dashboard at baseURL (http or https). The
// connection is not established until Connect.
func New(log logging.Logger, baseURL string, insecure bool) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "socketio: parse dashboard url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("socketio: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	u.RawQuery = "EIO=4&transport=websocket"

	origin := *u
	if origin.Scheme == "ws" {
		origin.Scheme = "http"
	} else {
		origin.Scheme = "https"
	}
	origin.Path = "/"
	origin.RawQuery = ""

	return &Client{
		log:      log,
		endpoint: u.String(),
		origin:   origin.String(),
		insecure: insecure,
		acks:     map[int64]chan json.RawMessage{},
		opened:   make(chan struct{}),
		lists:    ccache.New(ccache.Configure().MaxSize(100).ItemsToPrune(10)),
	}, nil
}

// Connect dials the websocket and waits for the namespace to open.
func (c *Client) Connect(ctx context.Context) error {
	cfg, err := websocket.NewConfig(c.endpoint, c.origin)
	if err != nil {
		return errors.Wrap(err, "socketio: websocket config")
	}
	if c.insecure && strings.HasPrefix(c.endpoint, "wss") {
		cfg.TlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		return errors.Wrapf(err, "socketio: dial %s", c.endpoint)
	}
	c.ws = ws

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group = workgroup.WithContext(pumpCtx)
	c.group.Work(c.readPump)

	select {
	case <-c.opened:
		if c.openErr != nil {
			return errors.WithMessage(c.openErr, "socketio: namespace refused")
		}
		c.log.WithField("endpoint", c.endpoint).Info("connected")
		return nil
	case <-time.After(connectTimeout):
		return errors.New("socketio: timed out waiting for namespace open")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login authenticates the session. When a token is configured it is passed in
// place of the password, which is how the dashboard's event login accepts API
// tokens.
func (c *Client) Login(ctx context.Context, creds kuma.Credentials) error {
	password := creds.Password
	if creds.Token != "" {
		password = creds.Token
	}
	env, err := c.call(ctx, loginTimeout, eventLogin, map[string]string{
		"username": creds.Username,
		"password": password,
		"token":    "",
	})
	if err != nil {
		return errors.WithMessage(err, "socketio: login")
	}
	if env.failed() {
		return errors.Errorf("socketio: login rejected: %s", env.message())
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	// The server pushes monitorList on its own shortly after a successful
	// login; the cache picks it up when it lands.
	return nil
}

func (c *Client) Monitors(ctx context.Context) ([]kuma.Monitor, error) {
	if err := c.ensureAuthed(); err != nil {
		return nil, err
	}
	if monitors, ok := c.cachedMonitors(); ok {
		return monitors, nil
	}

	// Request-by-emit: there is no callback for monitorList, the server
	// answers with a pushed event. Wait on the cache with a bounded poll and
	// nudge the server once more at half time; it occasionally drops the
	// first request right after login.
	if err := c.emit(eventMonitorList); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(listWaitTimeout)
	renudge := time.Now().Add(listWaitTimeout / 2)
	ticker := time.NewTicker(listPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if monitors, ok := c.cachedMonitors(); ok {
				return monitors, nil
			}
			now := time.Now()
			if now.After(deadline) {
				return nil, errors.New("socketio: timed out waiting for monitor list")
			}
			if now.After(renudge) {
				renudge = deadline // only once
				if err := c.emit(eventMonitorList); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (c *Client) Tags(ctx context.Context) ([]kuma.Tag, error) {
	if err := c.ensureAuthed(); err != nil {
		return nil, err
	}
	env, err := c.call(ctx, callTimeout, eventGetTags)
	if err != nil {
		return nil, errors.WithMessage(err, "socketio: get tags")
	}
	if env.failed() {
		return nil, errors.Errorf("socketio: get tags rejected: %s", env.message())
	}
	return env.Tags, nil
}

func (c *Client) AddTag(ctx context.Context, name, color string) (*kuma.Tag, error) {
	if err := c.ensureAuthed(); err != nil {
		return nil, err
	}
	env, err := c.call(ctx, callTimeout, eventAddTag, map[string]interface{}{
		"name":  name,
		"color": color,
		"new":   true,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "socketio: add tag %q", name)
	}
	if env.failed() {
		return nil, errors.Errorf("socketio: add tag %q rejected: %s", name, env.message())
	}
	if env.Tag == nil {
		return nil, errors.Errorf("socketio: add tag %q answered without a tag record", name)
	}
	return env.Tag, nil
}

func (c *Client) AttachTag(ctx context.Context, monitorID, tagID int64) error {
	if err := c.ensureAuthed(); err != nil {
		return err
	}
	env, err := c.call(ctx, callTimeout, eventAddMonitorTag, tagID, monitorID, "")
	if err != nil {
		return errors.WithMessage(err, "socketio: attach tag")
	}
	if env.failed() {
		return errors.Errorf("socketio: attach tag rejected: %s", env.message())
	}
	c.lists.Delete(monitorListKey)
	return nil
}

func (c *Client) DetachTag(ctx context.Context, monitorID, tagID int64) error {
	if err := c.ensureAuthed(); err != nil {
		return err
	}
	env, err := c.call(ctx, callTimeout, eventDeleteMonitorTag, tagID, monitorID, "")
	if err != nil {
		return errors.WithMessage(err, "socketio: detach tag")
	}
	if env.failed() {
		return errors.Errorf("socketio: detach tag rejected: %s", env.message())
	}
	c.lists.Delete(monitorListKey)
	return nil
}

// Close tears down the websocket and its pump.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.ws != nil {
		_ = c.ws.Close()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
	return nil
}

func (c *Client) ensureAuthed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed {
		return kuma.ErrNotAuthenticated
	}
	return nil
}

// call emits an event with an ack id and waits, bounded, for the matching
// "43" frame.
func (c *Client) call(ctx context.Context, timeout time.Duration, event string, args ...interface{}) (*ackEnvelope, error) {
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	id := c.nextAck
	c.nextAck++
	c.acks[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	raw, err := encodeEvent(id, event, args...)
	if err != nil {
		return nil, err
	}
	if err := c.send(raw); err != nil {
		return nil, err
	}

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, errConnectionLost
		}
		return decodeAck(data)
	case <-time.After(timeout):
		return nil, errors.Errorf("socketio: timed out waiting for %q ack", event)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// emit sends an event with no ack.
func (c *Client) emit(event string, args ...interface{}) error {
	raw, err := encodeEvent(noAck, event, args...)
	if err != nil {
		return err
	}
	return c.send(raw)
}

func (c *Client) send(raw []byte) error {
	if c.ws == nil {
		return errors.New("socketio: not connected")
	}
	if logging.Debuggable {
		c.log.WithField("frame", string(raw)).Debug("send")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := websocket.Message.Send(c.ws, string(raw)); err != nil {
		return errors.Wrap(err, "socketio: write frame")
	}
	return nil
}

func (c *Client) readPump(ctx context.Context) error {
	defer c.failPending()
	for {
		if c.readGrace > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readGrace))
		}
		var msg string
		if err := websocket.Message.Receive(c.ws, &msg); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "socketio: read frame")
			}
		}
		if logging.Debuggable {
			c.log.WithField("frame", msg).Debug("recv")
		}
		if err := c.dispatch([]byte(msg)); err != nil {
			c.log.WithError(err).Warn("discarding frame")
		}
	}
}

func (c *Client) dispatch(raw []byte) error {
	f, err := decodeFrame(raw)
	if err != nil {
		return err
	}

	switch f.EIO {
	case eioOpen:
		var hs handshake
		if err := json.Unmarshal(f.Data, &hs); err != nil {
			return errors.Wrap(err, "socketio: handshake undecodable")
		}
		c.readGrace = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
		// Open the default namespace.
		return c.send([]byte{eioMessage, sioConnect})
	case eioPing:
		return c.send([]byte{eioPong})
	case eioClose:
		return errors.New("socketio: server closed the session")
	case eioMessage:
		return c.dispatchMessage(f)
	default:
		return nil
	}
}

func (c *Client) dispatchMessage(f frame) error {
	switch f.SIO {
	case sioConnect:
		c.openOnce.Do(func() { close(c.opened) })
	case sioConnectError:
		c.openOnce.Do(func() {
			c.openErr = errors.Errorf("socketio: %s", string(f.Data))
			close(c.opened)
		})
	case sioEvent:
		name, args, err := eventName(f.Data)
		if err != nil {
			return err
		}
		c.handleEvent(name, args)
	case sioAck:
		c.mu.Lock()
		ch, ok := c.acks[f.AckID]
		c.mu.Unlock()
		if ok {
			ch <- f.Data
		}
	}
	return nil
}

// handleEvent caches the pushed lists the sync cares about; everything else
// the server volunteers (info, heartbeats, cert info) is ignored.
func (c *Client) handleEvent(name string, args []json.RawMessage) {
	if name != eventMonitorList || len(args) == 0 {
		return
	}
	monitors, err := decodeMonitorList(args[0])
	if err != nil {
		c.log.WithError(err).Warn("monitor list undecodable")
		return
	}
	c.lists.Set(monitorListKey, monitors, listCacheTTL)
}

func (c *Client) cachedMonitors() ([]kuma.Monitor, bool) {
	item := c.lists.Get(monitorListKey)
	if item == nil || item.Expired() {
		return nil, false
	}
	monitors, ok := item.Value().([]kuma.Monitor)
	return monitors, ok
}

// failPending closes every waiting ack channel so blocked calls fail fast
// when the connection drops.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
}

// decodeMonitorList turns the pushed keyed map ({"1": {...}, ...}) into a
// sorted slice. Monitors missing an embedded id inherit it from the map key.
func decodeMonitorList(raw json.RawMessage) ([]kuma.Monitor, error) {
	var keyed map[string]kuma.Monitor
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, errors.Wrap(err, "socketio: monitor list not a keyed map")
	}
	monitors := make([]kuma.Monitor, 0, len(keyed))
	for key, m := range keyed {
		if m.ID == 0 {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "socketio: monitor key %q", key)
			}
			m.ID = id
		}
		monitors = append(monitors, m)
	}
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].ID < monitors[j].ID })
	return monitors, nil
}
