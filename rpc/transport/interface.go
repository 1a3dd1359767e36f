package transport

import (
	"net"

	"github.com/ValentinKolb/bKV/rpc/common"
)

// AcceptFunc is called on the owning executor for every accepted connection
type AcceptFunc func(loop *Loop, conn *Conn)

// IServerTransport accepts connections and distributes them over a set of executors
type IServerTransport interface {
	// Listen opens the endpoint of config and serves connections until Close is called.
	// It returns after the listener is open, accepting happens in the background.
	Listen(config common.ServerConfig, accept AcceptFunc) error

	// Addr returns the address of the listener, nil before Listen
	Addr() net.Addr

	// Close stops accepting, closes every connection and stops the executors
	Close() error
}
