package socketio

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/uptimelabs/kuma-version-sync/pkg/kuma"
)

// ackEnvelope is the lenient union of the callback shapes the dashboard
// answers with. Responses are inconsistent across operations: some carry the
// payload under "tag", some under "tags", some only {ok, msg}; a few older
// builds omit "ok" entirely on success.
type ackEnvelope struct {
	OK        *bool      `json:"ok"`
	Msg       string     `json:"msg"`
	Tag       *kuma.Tag  `json:"tag"`
	Tags      []kuma.Tag `json:"tags"`
	MonitorID int64      `json:"monitorID"`
}

func (e *ackEnvelope) failed() bool {
	return e.OK != nil && !*e.OK
}

func (e *ackEnvelope) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return "request refused"
}

// decodeAck unwraps a "43" ack argument list into the envelope. The server
// answers with a single-element array holding the callback argument.
func decodeAck(raw json.RawMessage) (*ackEnvelope, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Wrap(err, "socketio: ack payload not an array")
	}
	if len(args) == 0 {
		// Some handlers call back with no arguments at all on success.
		return &ackEnvelope{}, nil
	}
	var env ackEnvelope
	if err := json.Unmarshal(args[0], &env); err != nil {
		return nil, errors.Wrap(err, "socketio: ack argument undecodable")
	}
	return &env, nil
}
