package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/bus"
	"github.com/loqalabs/loqa-audio/internal/card"
	"github.com/loqalabs/loqa-audio/internal/config"
	"github.com/loqalabs/loqa-audio/internal/protocol"
	"github.com/loqalabs/loqa-audio/internal/statebus"
	"github.com/loqalabs/loqa-audio/internal/transport"
)

var version = "0.1.0-dev"

const usage = "expected one of 'route', 'set', 'status', 'cards' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "route":
		err = runRoute(os.Args[2:])
	case "set":
		err = runSet(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "cards":
		err = runCards()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRoute(args []string) error {
	var (
		socket     string
		streamType string
		device     int
	)
	cmd := flag.NewFlagSet("route", flag.ExitOnError)
	cmd.StringVar(&socket, "socket", config.Default().Server.ControlSocket, "Path to the control socket")
	cmd.StringVar(&streamType, "type", "media", "Stream type to move")
	cmd.IntVar(&device, "device", -1, "Index of the target device")
	_ = cmd.Parse(args)

	t, err := audiofmt.ParseStreamType(streamType)
	if err != nil {
		return err
	}
	if device < 0 {
		return errors.New("-device is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := transport.DialControl(ctx, socket, time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg, err := conn.ReceiveClient()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	hello, ok := msg.(protocol.ClientConnected)
	if !ok {
		return fmt.Errorf("unexpected greeting %T", msg)
	}
	if err := conn.SendServer(protocol.SwitchStreamTypeIodev{StreamType: int(t), IodevIndex: device}); err != nil {
		return err
	}
	fmt.Printf("client %d: routed %s streams to device %d\n", hello.ClientID, t, device)
	return nil
}

func connectBus(url string) (*bus.Client, error) {
	cfg := config.BusConfig{Servers: []string{url}, ConnectTimeout: 2000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return bus.Connect(ctx, cfg, "audioctl", logger)
}

func runSet(args []string) error {
	var (
		url     string
		setting string
		value   int64
	)
	cmd := flag.NewFlagSet("set", flag.ExitOnError)
	cmd.StringVar(&url, "nats", "nats://localhost:4222", "NATS server URL")
	cmd.StringVar(&setting, "setting", protocol.SettingVolume, "volume, capture_gain, mute or capture_mute")
	cmd.Int64Var(&value, "value", 0, "New value")
	_ = cmd.Parse(args)

	client, err := connectBus(url)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(protocol.SetSetting{Setting: setting, Value: value})
	if err != nil {
		return err
	}
	msg, err := client.Conn().Request(protocol.SubjectControlSet, payload, 2*time.Second)
	if err != nil {
		return fmt.Errorf("request %s: %w", protocol.SubjectControlSet, err)
	}
	var reply statebus.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("rejected (%d): %s", reply.Code, reply.Error)
	}
	return printJSON(reply.State)
}

func runStatus(args []string) error {
	var url, node string
	cmd := flag.NewFlagSet("status", flag.ExitOnError)
	cmd.StringVar(&url, "nats", "nats://localhost:4222", "NATS server URL")
	cmd.StringVar(&node, "node", config.Default().State.NodeID, "Node id to query")
	_ = cmd.Parse(args)

	client, err := connectBus(url)
	if err != nil {
		return err
	}
	defer client.Close()

	snap, err := statebus.LoadSnapshot(client.JetStream(), node)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runCards() error {
	cards, err := card.Enumerate()
	if err != nil {
		return err
	}
	for _, c := range cards {
		fmt.Printf("%d\t%s\t%s\tplayback=%d capture=%d\n", c.Index, c.Name, c.Description, c.Playback, c.Capture)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
