package base

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/ValentinKolb/bKV/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// UpgradeConnection applies socket options to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	config    common.ServerConfig
	accept    transport.AcceptFunc

	mu        sync.Mutex
	listener  net.Listener
	executors []*transport.Executor
	next      atomic.Uint64
	closing   atomic.Bool
	done      chan struct{}
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport for the given connector
func NewBaseServerTransport(connector IServerConnector) transport.IServerTransport {
	return &serverTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) Listen(config common.ServerConfig, accept transport.AcceptFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return errors.Newf("%s server is already listening on %s", t.connector.GetName(), t.listener.Addr())
	}
	if accept == nil {
		return errors.New("no accept function given")
	}

	listener, err := t.connector.Listen(config)
	if err != nil {
		return errors.Wrap(err, "failed to create listener")
	}

	executors := config.Transport.Executors
	if executors <= 0 {
		executors = 1
	}
	t.config = config
	t.accept = accept
	t.listener = listener
	t.done = make(chan struct{})
	t.executors = make([]*transport.Executor, executors)
	for i := range t.executors {
		t.executors[i] = transport.NewExecutor(i, 0)
	}

	log.Infof("Starting %s server on %s with %d executors", t.connector.GetName(), listener.Addr(), executors)
	go t.serve(listener)
	return nil
}

func (t *serverTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil || !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := t.listener.Close()
	<-t.done
	for _, e := range t.executors {
		e.Stop()
	}
	log.Infof("Stopped %s server", t.connector.GetName())
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// serve accepts connections until the listener is closed
func (t *serverTransport) serve(listener net.Listener) {
	defer close(t.done)
	for {
		nc, err := listener.Accept()
		if err != nil {
			if t.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("Accept error: %v", err)
			continue
		}
		t.handleConnection(nc)
	}
}

// handleConnection registers nc with the next executor and runs the accept function there
func (t *serverTransport) handleConnection(nc net.Conn) {
	if err := t.connector.UpgradeConnection(nc, t.config); err != nil {
		log.Warningf("Failed to upgrade connection from %s: %v", nc.RemoteAddr(), err)
	}

	exec := t.executors[t.next.Add(1)%uint64(len(t.executors))]
	conn := exec.Register(nc)
	log.Debugf("Accepted connection from %s on executor %d", nc.RemoteAddr(), exec.ID())

	if err := exec.Post(func(loop *transport.Loop) { t.accept(loop, conn) }); err != nil {
		_ = conn.Close()
	}
}
