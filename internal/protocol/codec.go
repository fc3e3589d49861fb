package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single encoded envelope.
const MaxMessageSize = 64 * 1024

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encoder writes newline-delimited JSON envelopes.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteClientMessage encodes a server-to-client message.
func (e *Encoder) WriteClientMessage(msg ClientMessage) error {
	return e.write(msg.messageType(), msg)
}

// WriteServerMessage encodes a client-to-server message. Unknown carries no
// payload and is written with its tag only.
func (e *Encoder) WriteServerMessage(msg ServerMessage) error {
	switch m := msg.(type) {
	case StreamConnect:
		return e.write(TypeStreamConnect, m)
	case StreamDisconnect:
		return e.write(TypeStreamDisconnect, m)
	case SwitchStreamTypeIodev:
		return e.write(TypeSwitchStreamTypeIodev, m)
	case Unknown:
		return e.write(m.Type, nil)
	default:
		return fmt.Errorf("unsupported server message %T", msg)
	}
}

func (e *Encoder) write(typ string, payload any) error {
	env := envelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", typ, err)
		}
		env.Payload = data
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) >= MaxMessageSize {
		return fmt.Errorf("%s message of %d bytes exceeds limit", typ, len(data))
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited JSON envelopes.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxMessageSize)
	return &Decoder{sc: sc}
}

// ErrMalformed marks an envelope that could not be decoded. The stream stays
// usable; the caller may skip the line.
var ErrMalformed = errors.New("malformed message")

func (d *Decoder) next() (envelope, error) {
	if !d.sc.Scan() {
		if err := d.sc.Err(); err != nil {
			return envelope{}, err
		}
		return envelope{}, io.EOF
	}
	var env envelope
	if err := json.Unmarshal(d.sc.Bytes(), &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// ReadServerMessage returns the next client-to-server message. Unrecognised
// type tags decode to Unknown.
func (d *Decoder) ReadServerMessage() (ServerMessage, error) {
	env, err := d.next()
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeStreamConnect:
		var m StreamConnect
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeStreamDisconnect:
		var m StreamDisconnect
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSwitchStreamTypeIodev:
		var m SwitchStreamTypeIodev
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

// ReadClientMessage returns the next server-to-client message.
func (d *Decoder) ReadClientMessage() (ClientMessage, error) {
	env, err := d.next()
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeClientConnected:
		var m ClientConnected
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeStreamConnected:
		var m StreamConnected
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unexpected client message type %q", ErrMalformed, env.Type)
	}
}

func decodePayload(env envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
