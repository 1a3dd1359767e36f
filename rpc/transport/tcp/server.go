package tcp

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/ValentinKolb/bKV/rpc/transport"
	"github.com/ValentinKolb/bKV/rpc/transport/base"
	"github.com/cockroachdb/errors"
)

// keepAliveProbes is the number of unanswered probes before the kernel drops a connection
const keepAliveProbes = 3

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// socketOption is one setting applied to every accepted connection
type socketOption struct {
	name  string
	apply func(conn *net.TCPConn) error
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	// keep alive is configured per connection, the runtime default of 15s is turned off
	lc := net.ListenConfig{KeepAlive: -1}
	listener, err := lc.Listen(context.Background(), "tcp", config.Transport.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on tcp %s", config.Transport.Endpoint)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	for _, opt := range socketOptions(config.Transport) {
		if err := opt.apply(tcpConn); err != nil {
			return errors.Wrapf(err, "failed to set %s on %s", opt.name, conn.RemoteAddr())
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// socketOptions returns the settings of conf that apply to TCP connections.
// No delay is always set, the others only when configured.
func socketOptions(conf common.TransportConf) []socketOption {
	opts := []socketOption{{
		name:  "no delay",
		apply: func(c *net.TCPConn) error { return c.SetNoDelay(conf.TCPNoDelay) },
	}}

	if conf.WriteBufferSize > 0 {
		opts = append(opts, socketOption{
			name:  "write buffer",
			apply: func(c *net.TCPConn) error { return c.SetWriteBuffer(conf.WriteBufferSize) },
		})
	}
	if conf.ReadBufferSize > 0 {
		opts = append(opts, socketOption{
			name:  "read buffer",
			apply: func(c *net.TCPConn) error { return c.SetReadBuffer(conf.ReadBufferSize) },
		})
	}
	if conf.TCPKeepAliveSec > 0 {
		ka := keepAlive(time.Duration(conf.TCPKeepAliveSec) * time.Second)
		opts = append(opts, socketOption{
			name:  "keep alive",
			apply: func(c *net.TCPConn) error { return c.SetKeepAliveConfig(ka) },
		})
	}
	if conf.TCPLingerSec >= 0 {
		opts = append(opts, socketOption{
			name:  "linger",
			apply: func(c *net.TCPConn) error { return c.SetLinger(conf.TCPLingerSec) },
		})
	}
	return opts
}

// keepAlive probes an idle connection after period and gives up after keepAliveProbes
// further probes, so a dead peer is detected within about twice the period (as redis does)
func keepAlive(period time.Duration) net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     period,
		Interval: max(period/keepAliveProbes, time.Second),
		Count:    keepAliveProbes,
	}
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport
func NewTCPServerTransport() transport.IServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
