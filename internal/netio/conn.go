package netio

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/beamlabs/beamnode/internal/wire"
	"github.com/btcsuite/go-socks/socks"
	"github.com/pkg/errors"
)

// Conn wraps one peer connection: a length-delimited message stream in each
// direction, plus the raw address for display.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	inbound bool
}

// Dialer opens outbound connections, optionally via a SOCKS5 proxy, the way
// kaspad's real connmanager uses go-socks (a teacher dependency) for Tor
// support.
type Dialer struct {
	ProxyAddr string
}

// Dial connects to addr, routing through the configured SOCKS proxy if one
// is set.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	if d.ProxyAddr == "" {
		nc, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "dialing peer")
		}
		return newConn(nc, false), nil
	}

	proxy := &socks.Proxy{Addr: d.ProxyAddr}
	nc, err := proxy.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing peer via SOCKS proxy")
	}
	return newConn(nc, false), nil
}

func newConn(nc net.Conn, inbound bool) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReader(nc), inbound: inbound}
}

// Accept wraps a server-accepted connection.
func Accept(nc net.Conn) *Conn { return newConn(nc, true) }

// Inbound reports whether the other side dialed us.
func (c *Conn) Inbound() bool { return c.inbound }

// Address returns the remote address string.
func (c *Conn) Address() string { return c.nc.RemoteAddr().String() }

// Send writes one framed message. Safe for concurrent use.
func (c *Conn) Send(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.Encode(c.nc, m)
}

// Recv blocks for the next framed message.
func (c *Conn) Recv() (wire.Message, error) {
	return wire.Decode(c.reader)
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.nc.Close() }

// Listener accepts inbound peer connections.
type Listener struct {
	ln net.Listener
}

// Listen binds addr for inbound peer connections.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listening for peers")
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return Accept(nc), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
