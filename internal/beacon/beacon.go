// Package beacon implements Beacon (spec §4.10, component C10): LAN peer
// discovery over a UDP broadcast.
//
// Grounded on spec §4.10/§6's fixed 66-byte packet layout directly; no pack
// teacher does UDP broadcast discovery, so the socket plumbing follows
// go-ethereum's p2p/discover idiom (a dedicated read loop goroutine handing
// parsed packets to a sink, context-cancellable shutdown) applied to
// stdlib net/syscall, since broadcast discovery has no idiomatic
// third-party replacement in the pack.
package beacon

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beamlabs/beamnode/internal/chainid"
	"github.com/beamlabs/beamnode/internal/peer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const packetSize = 32 + 32 + 2

// PeerSink is the PeerManager capability Beacon feeds discovered addresses
// into (spec §4.10: "feed (id, addr) to PeerManager").
type PeerSink interface {
	OnPeer(id chainid.PeerID, addr string, addrValid bool) *peer.Info
}

// Config groups the beacon tunables of spec §6.
type Config struct {
	Port     uint16
	PeriodMs int64
}

// Beacon periodically announces this node over LAN broadcast and feeds
// every other announcement it overhears to a PeerSink.
type Beacon struct {
	conn        *net.UDPConn
	cfg         Config
	nodeID      chainid.PeerID
	cfgChecksum [32]byte
	listenPort  uint16
	sink        PeerSink
	log         *logrus.Entry

	sending atomic.Bool
	timer   *time.Timer

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New opens the beacon's UDP socket (address-reuse, broadcast-enabled),
// starts the receive loop, and arms the periodic announcement. Port == 0
// disables the beacon entirely, matching spec's BeaconPort default.
func New(cfg Config, nodeID chainid.PeerID, cfgChecksum [32]byte, listenPort uint16, sink PeerSink, log *logrus.Entry) (*Beacon, error) {
	if cfg.Port == 0 {
		return nil, nil
	}

	conn, err := listenReusable(cfg.Port)
	if err != nil {
		return nil, errors.Wrap(err, "opening beacon udp socket")
	}

	b := &Beacon{
		conn:        conn,
		cfg:         cfg,
		nodeID:      nodeID,
		cfgChecksum: cfgChecksum,
		listenPort:  listenPort,
		sink:        sink,
		log:         log,
	}

	b.wg.Add(1)
	go b.readLoop()
	b.armBroadcast()
	return b, nil
}

func listenReusable(port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if ctrlErr == nil {
					ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
				}
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func (b *Beacon) armBroadcast() {
	b.timer = time.AfterFunc(time.Duration(b.cfg.PeriodMs)*time.Millisecond, b.onBroadcastTimer)
}

func (b *Beacon) onBroadcastTimer() {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	if b.sending.CompareAndSwap(false, true) {
		b.send()
		b.sending.Store(false)
	}

	b.mu.Lock()
	if !b.closed {
		b.armBroadcast()
	}
	b.mu.Unlock()
}

func (b *Beacon) send() {
	packet := make([]byte, packetSize)
	copy(packet[0:32], b.cfgChecksum[:])
	copy(packet[32:64], b.nodeID[:])
	binary.BigEndian.PutUint16(packet[64:66], b.listenPort)

	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: int(b.cfg.Port)}
	if _, err := b.conn.WriteToUDP(packet, dst); err != nil {
		b.log.WithError(err).Debug("beacon broadcast failed")
	}
}

func (b *Beacon) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, 512)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		b.onPacket(buf[:n], from)
	}
}

func (b *Beacon) onPacket(data []byte, from *net.UDPAddr) {
	if len(data) != packetSize {
		return
	}
	var cfgChecksum [32]byte
	copy(cfgChecksum[:], data[0:32])
	if cfgChecksum != b.cfgChecksum {
		return
	}
	var id chainid.PeerID
	copy(id[:], data[32:64])
	if id == b.nodeID {
		return
	}
	port := binary.BigEndian.Uint16(data[64:66])

	addr := net.JoinHostPort(from.IP.String(), fmt.Sprintf("%d", port))
	b.sink.OnPeer(id, addr, true)
}

// Shutdown stops the announcement timer and closes the socket, ending the
// receive loop.
func (b *Beacon) Shutdown() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.conn.Close()
	b.wg.Wait()
}
