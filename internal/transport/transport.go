// Package transport carries the control protocol over unix sockets and dials
// the per-stream audio sockets clients listen on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-audio/internal/protocol"
)

// Listen binds the control socket at path, replacing a stale socket file left
// by a previous run.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o770); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

// Conn is one control connection.
type Conn struct {
	c            net.Conn
	enc          *protocol.Encoder
	dec          *protocol.Decoder
	writeTimeout time.Duration
}

// NewConn wraps c. A zero writeTimeout disables write deadlines.
func NewConn(c net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		c:            c,
		enc:          protocol.NewEncoder(c),
		dec:          protocol.NewDecoder(c),
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) setWriteDeadline() error {
	if c.writeTimeout <= 0 {
		return nil
	}
	return c.c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
}

// Send writes a server-to-client message.
func (c *Conn) Send(msg protocol.ClientMessage) error {
	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	return c.enc.WriteClientMessage(msg)
}

// SendServer writes a client-to-server message.
func (c *Conn) SendServer(msg protocol.ServerMessage) error {
	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	return c.enc.WriteServerMessage(msg)
}

// Receive blocks for the next client-to-server message.
func (c *Conn) Receive() (protocol.ServerMessage, error) {
	return c.dec.ReadServerMessage()
}

// ReceiveClient blocks for the next server-to-client message.
func (c *Conn) ReceiveClient() (protocol.ClientMessage, error) {
	return c.dec.ReadClientMessage()
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// DialControl connects to the daemon's control socket.
func DialControl(ctx context.Context, path string, writeTimeout time.Duration) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(c, writeTimeout), nil
}

// AudioSocketPath is where a client listens for the audio channel of a stream.
func AudioSocketPath(dir string, streamID uint32) string {
	return filepath.Join(dir, fmt.Sprintf("aud-%x", streamID))
}

// AudioDialer connects to client audio sockets under Dir.
type AudioDialer struct {
	Dir     string
	Timeout time.Duration
}

func (d AudioDialer) Dial(streamID uint32) (io.Closer, error) {
	path := AudioSocketPath(d.Dir, streamID)
	c, err := net.DialTimeout("unix", path, d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dial audio socket %s: %w", path, err)
	}
	return c, nil
}
