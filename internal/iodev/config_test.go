package iodev

import (
	"testing"

	"github.com/gen2brain/alsa"
	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/config"
)

func TestLoadListFromDefaults(t *testing.T) {
	l, err := LoadList(config.Default().Devices, newLogger())
	if err != nil {
		t.Fatalf("load list: %v", err)
	}
	if len(l.Devices()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(l.Devices()))
	}
	d, err := l.ForStreamType(audiofmt.StreamTypeVoice, audiofmt.Capture)
	if err != nil {
		t.Fatalf("capture device: %v", err)
	}
	if d.Name() != "default-capture" {
		t.Fatalf("unexpected capture device %q", d.Name())
	}
}

func TestFromConfigParsesNames(t *testing.T) {
	d, err := FromConfig(config.DeviceConfig{
		Index:     3,
		Direction: "output",
		Types:     []string{"media", "system"},
		Rates:     []int{44100},
		Channels:  []int{2},
		Samples:   []string{"s24le"},
	})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if d.Direction() != audiofmt.Playback || d.Name() != "virtual-3" {
		t.Fatalf("unexpected device %s %s", d.Name(), d.Direction())
	}
	if d.SupportsType(audiofmt.StreamTypeVoice) || !d.SupportsType(audiofmt.StreamTypeSystem) {
		t.Fatalf("unexpected type routing")
	}
	f := audiofmt.New(alsa.SNDRV_PCM_FORMAT_S16_LE, 48000, 2)
	d.SetFormat(&f)
	if f.Sample != alsa.SNDRV_PCM_FORMAT_S24_LE || f.SampleRate != 44100 {
		t.Fatalf("unexpected negotiated format %s", f)
	}
}

func TestFromConfigRejectsUnknownType(t *testing.T) {
	_, err := FromConfig(config.DeviceConfig{
		Direction: "playback",
		Types:     []string{"alarm"},
		Rates:     []int{48000},
		Channels:  []int{2},
		Samples:   []string{"s16le"},
	})
	if err == nil {
		t.Fatalf("expected error for unknown stream type")
	}
}
