package socketio

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Engine.io packet types, the first byte of every websocket text message.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.io packet types, the second byte when the engine.io type is message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

const noAck int64 = -1

var errEmptyFrame = errors.New("socketio: empty frame")

// frame is one decoded wire message. SIO and AckID are only meaningful when
// EIO is eioMessage; AckID is noAck when the packet carries none.
type frame struct {
	EIO   byte
	SIO   byte
	AckID int64
	Data  json.RawMessage
}

// decodeFrame parses a raw websocket text message. The dashboard speaks
// engine.io v4: "<eio-type>[<sio-type>[<ack-id>][json]]", with the default
// namespace left implicit.
func decodeFrame(raw []byte) (frame, error) {
	if len(raw) == 0 {
		return frame{}, errEmptyFrame
	}
	f := frame{EIO: raw[0], AckID: noAck}
	rest := raw[1:]

	if f.EIO != eioMessage {
		if len(rest) > 0 {
			f.Data = json.RawMessage(rest)
		}
		return f, nil
	}

	if len(rest) == 0 {
		return frame{}, errors.New("socketio: message frame missing packet type")
	}
	f.SIO = rest[0]
	rest = rest[1:]

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return frame{}, errors.Wrap(err, "socketio: bad ack id")
		}
		f.AckID = id
		rest = rest[digits:]
	}
	if len(rest) > 0 {
		f.Data = json.RawMessage(rest)
	}
	return f, nil
}

// encodeEvent wires up a "42" event packet. A non-negative ackID asks the
// server to answer with a matching "43" ack.
func encodeEvent(ackID int64, event string, args ...interface{}) ([]byte, error) {
	payload := make([]interface{}, 0, len(args)+1)
	payload = append(payload, event)
	payload = append(payload, args...)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "socketio: encode %q", event)
	}

	var buf bytes.Buffer
	buf.WriteByte(eioMessage)
	buf.WriteByte(sioEvent)
	if ackID >= 0 {
		buf.WriteString(strconv.FormatInt(ackID, 10))
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// eventName splits the event name off a "42" payload, leaving the argument
// list untouched for the caller to decode with the right shape.
func eventName(data json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, errors.Wrap(err, "socketio: event payload not an array")
	}
	if len(parts) == 0 {
		return "", nil, errors.New("socketio: event payload empty")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, errors.Wrap(err, "socketio: event name not a string")
	}
	return name, parts[1:], nil
}

// handshake is the engine.io open payload.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}
