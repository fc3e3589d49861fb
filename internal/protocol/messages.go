// Package protocol defines the logical messages exchanged with clients on the
// control socket and the state subjects published on the bus.
package protocol

import (
	"time"

	"github.com/gen2brain/alsa"
	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/errcode"
)

// Message type tags carried in the envelope.
const (
	TypeStreamConnect         = "stream_connect"
	TypeStreamDisconnect      = "stream_disconnect"
	TypeSwitchStreamTypeIodev = "switch_stream_type_iodev"
	TypeClientConnected       = "client_connected"
	TypeStreamConnected       = "stream_connected"
)

// Format is the wire form of audiofmt.Format.
type Format struct {
	SampleFormat int32 `json:"sample_format"`
	FrameRate    int   `json:"frame_rate"`
	NumChannels  int   `json:"num_channels"`
}

func FormatFrom(f audiofmt.Format) Format {
	return Format{SampleFormat: int32(f.Sample), FrameRate: f.SampleRate, NumChannels: f.NumChannels}
}

func (f Format) Audio() audiofmt.Format {
	return audiofmt.New(alsa.PcmFormat(f.SampleFormat), f.FrameRate, f.NumChannels)
}

// ServerMessage is a message sent by a client to the server.
type ServerMessage interface {
	serverMessage()
}

// StreamConnect asks the server to create a stream. Frame counts are at
// Format.FrameRate.
type StreamConnect struct {
	StreamID          uint32 `json:"stream_id"`
	StreamType        int    `json:"stream_type"`
	Direction         int    `json:"direction"`
	Format            Format `json:"format"`
	BufferFrames      int    `json:"buffer_frames"`
	CallbackThreshold int    `json:"cb_threshold"`
	MinCallbackLevel  int    `json:"min_cb_level"`
	Flags             uint32 `json:"flags"`
}

type StreamDisconnect struct {
	StreamID uint32 `json:"stream_id"`
}

// SwitchStreamTypeIodev moves every stream of a type to the device at index.
type SwitchStreamTypeIodev struct {
	StreamType int `json:"stream_type"`
	IodevIndex int `json:"iodev_idx"`
}

// Unknown is any message whose type tag this server does not know.
type Unknown struct {
	Type string
}

func (StreamConnect) serverMessage()         {}
func (StreamDisconnect) serverMessage()      {}
func (SwitchStreamTypeIodev) serverMessage() {}
func (Unknown) serverMessage()               {}

// ClientMessage is a message sent by the server to a client.
type ClientMessage interface {
	clientMessage()
	messageType() string
}

// ClientConnected is sent once when the connection is accepted.
type ClientConnected struct {
	ClientID uint64 `json:"client_id"`
}

// StreamConnected answers StreamConnect. On failure Err is negative, Format
// echoes the request and the shm fields are zero.
type StreamConnected struct {
	Err          int32  `json:"err"`
	StreamID     uint32 `json:"stream_id"`
	Format       Format `json:"format"`
	ShmKey       int32  `json:"shm_key"`
	ShmTotalSize int    `json:"shm_total_size"`
}

// ErrorCode is the wire result for err.
func ErrorCode(err error) int32 {
	return int32(errcode.Of(err))
}

func (ClientConnected) clientMessage() {}
func (StreamConnected) clientMessage() {}

func (ClientConnected) messageType() string { return TypeClientConnected }
func (StreamConnected) messageType() string { return TypeStreamConnected }

// Bus subjects for system state.
const (
	SubjectStateVolume      = "audio.state.volume"
	SubjectStateCaptureGain = "audio.state.capture_gain"
	SubjectStateMute        = "audio.state.mute"
	SubjectStateCaptureMute = "audio.state.capture_mute"
	SubjectStateSnapshot    = "audio.state.snapshot"
	SubjectControlSet       = "audio.ctrl.set"
)

// Setting names used in StateChange and SetSetting.
const (
	SettingVolume      = "volume"
	SettingCaptureGain = "capture_gain"
	SettingMute        = "mute"
	SettingCaptureMute = "capture_mute"
)

// StateChange is published whenever a setting is written.
type StateChange struct {
	NodeID    string    `json:"node_id"`
	Setting   string    `json:"setting"`
	Value     int64     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SetSetting is a request received on SubjectControlSet.
type SetSetting struct {
	Setting string `json:"setting"`
	Value   int64  `json:"value"`
}
