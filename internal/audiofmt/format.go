// Package audiofmt holds the sample formats, stream classification and frame
// arithmetic shared by streams, devices and the wire protocol.
package audiofmt

import (
	"fmt"
	"strings"

	"github.com/gen2brain/alsa"
	"github.com/go-audio/audio"
)

// Direction is the flow of audio relative to the server.
type Direction int

const (
	Playback Direction = iota
	Capture
)

func (d Direction) String() string {
	switch d {
	case Playback:
		return "playback"
	case Capture:
		return "capture"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection accepts "playback"/"output" and "capture"/"input".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "playback", "output":
		return Playback, nil
	case "capture", "input":
		return Capture, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// StreamType classifies what a stream carries; devices advertise which types
// they accept and the routing list keeps a default device per type.
type StreamType int

const (
	StreamTypeDefault StreamType = iota
	StreamTypeMedia
	StreamTypeVoice
	StreamTypeSystem
)

var streamTypeNames = map[StreamType]string{
	StreamTypeDefault: "default",
	StreamTypeMedia:   "media",
	StreamTypeVoice:   "voice",
	StreamTypeSystem:  "system",
}

func (t StreamType) String() string {
	if name, ok := streamTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseStreamType resolves a stream type name.
func ParseStreamType(s string) (StreamType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range streamTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown stream type %q", s)
}

// Format is a complete sample format: representation, rate and channel count.
type Format struct {
	Sample alsa.PcmFormat
	audio.Format
}

// New builds a Format.
func New(sample alsa.PcmFormat, rate, channels int) Format {
	return Format{
		Sample: sample,
		Format: audio.Format{SampleRate: rate, NumChannels: channels},
	}
}

// FrameBytes is the size of one frame (one sample per channel) in bytes, or
// zero when the sample representation has no fixed width.
func (f Format) FrameBytes() int {
	return int(alsa.PcmFormatToBits(f.Sample)/8) * f.NumChannels
}

// Valid reports whether the format can be used to size buffers.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.NumChannels > 0 && f.FrameBytes() > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", SampleName(f.Sample), f.SampleRate, f.NumChannels)
}

var sampleNames = map[string]alsa.PcmFormat{
	"s8":      alsa.SNDRV_PCM_FORMAT_S8,
	"u8":      alsa.SNDRV_PCM_FORMAT_U8,
	"s16le":   alsa.SNDRV_PCM_FORMAT_S16_LE,
	"s16be":   alsa.SNDRV_PCM_FORMAT_S16_BE,
	"s24le":   alsa.SNDRV_PCM_FORMAT_S24_LE,
	"s24_3le": alsa.SNDRV_PCM_FORMAT_S24_3LE,
	"s32le":   alsa.SNDRV_PCM_FORMAT_S32_LE,
	"f32le":   alsa.SNDRV_PCM_FORMAT_FLOAT_LE,
}

// ParseSample maps a short name such as "s16le" to an ALSA sample format.
func ParseSample(s string) (alsa.PcmFormat, error) {
	if f, ok := sampleNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return alsa.SNDRV_PCM_FORMAT_INVALID, fmt.Errorf("unsupported sample format %q", s)
}

// SampleName is the inverse of ParseSample.
func SampleName(f alsa.PcmFormat) string {
	for name, v := range sampleNames {
		if v == f {
			return name
		}
	}
	return fmt.Sprintf("pcm(%d)", int32(f))
}

// FramesAtRate converts a frame count at fromRate into the count covering the
// same duration at toRate. The result is rounded up so converting back never
// yields fewer frames than were requested.
func FramesAtRate(fromRate int, frames int, toRate int) int {
	if fromRate <= 0 || fromRate == toRate {
		return frames
	}
	return int((int64(frames)*int64(toRate) + int64(fromRate) - 1) / int64(fromRate))
}
