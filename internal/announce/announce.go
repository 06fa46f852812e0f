// Package announce periodically broadcasts the Master's address over UDP so
// a SUT can bootstrap without any prior configuration beyond the well-known
// port. This is an irreducibly raw UDP-socket operation; there is no
// third-party library in the corpus that would simplify a single WriteTo
// loop, so it is built directly on net/net.UDPConn (see DESIGN.md).
package announce

import (
	"context"
	"encoding/json"
	"net"
	"syscall"
	"time"

	"github.com/r3e-benchfabric/master/internal/logging"
)

// Payload is the datagram advertised to bootstrapping SUTs.
type Payload struct {
	Type      string `json:"type"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	IP        string `json:"ip"`
	WSPort    int    `json:"ws_port"`
	APIPort   int    `json:"api_port"`
	Timestamp int64  `json:"timestamp"`
}

const announceType = "MASTER_ANNOUNCE"

// Announcer periodically broadcasts Payload on a UDP port.
type Announcer struct {
	conn     *net.UDPConn
	addr     *net.UDPAddr
	ip       string
	wsPort   int
	apiPort  int
	interval time.Duration
	version  string
	logger   *logging.Logger
}

// Config configures an Announcer.
type Config struct {
	BroadcastAddr string // e.g. "255.255.255.255:37020"
	IP            string
	WSPort        int
	APIPort       int
	Interval      time.Duration
	Version       string
}

// New resolves the broadcast address and opens a UDP socket. The socket is
// write-only (broadcast); SUTs independently bind the same port to listen.
func New(cfg Config, logger *logging.Logger) (*Announcer, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.BroadcastAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	if err := setBroadcast(conn); err != nil {
		conn.Close()
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Announcer{
		conn:     conn,
		addr:     addr,
		ip:       cfg.IP,
		wsPort:   cfg.WSPort,
		apiPort:  cfg.APIPort,
		interval: interval,
		version:  cfg.Version,
		logger:   logger,
	}, nil
}

// Run broadcasts on a ticker until ctx is cancelled. A single failed
// broadcast is logged and non-fatal; the loop continues on the next tick.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.broadcastOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.broadcastOnce(ctx)
		}
	}
}

func (a *Announcer) broadcastOnce(ctx context.Context) {
	payload := Payload{
		Type:      announceType,
		Service:   "benchfabric-master",
		Version:   a.version,
		IP:        a.ip,
		WSPort:    a.wsPort,
		APIPort:   a.apiPort,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Error(ctx, "marshal announce payload", err, nil)
		}
		return
	}
	if _, err := a.conn.WriteToUDP(data, a.addr); err != nil {
		if a.logger != nil {
			a.logger.Error(ctx, "udp announce broadcast failed", err, nil)
		}
	}
}

// Close releases the underlying socket.
func (a *Announcer) Close() error {
	return a.conn.Close()
}

// setBroadcast enables SO_BROADCAST on conn, mirroring the reference
// UDPAnnouncer's socket setup; without it, sending to a broadcast address
// (e.g. 255.255.255.255) fails with EACCES on Linux.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
