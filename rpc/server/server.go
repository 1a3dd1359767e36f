package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/store/router"
	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/ValentinKolb/bKV/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("server")

// Server serves the regions of one node over RESP
type Server struct {
	config    common.ServerConfig
	transport transport.IServerTransport
	adapter   IServerAdapter
	timeout   time.Duration

	router   *router.Router
	regions  map[store.IStore]*region // written before the transport starts
	nodeHost *dragonboat.NodeHost
	workers  *workerPool

	metrics     *metrics.Set
	commands    *metrics.Counter
	connections atomic.Int64
	httpServer  *http.Server

	closeOnce sync.Once
}

// NewServer creates a new RESP server
//
// Usage:
//
//	s := server.NewServer(*config, tcp.NewTCPServerTransport())
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewServer(config common.ServerConfig, transport transport.IServerTransport) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &Server{
		config:    config,
		transport: transport,
		adapter:   NewIStoreServerAdapter(),
		timeout:   time.Duration(config.TimeoutSecond) * time.Second,
		router:    router.New(),
		regions:   make(map[store.IStore]*region),
		metrics:   metrics.NewSet(),
	}
	s.commands = s.metrics.NewCounter("bkv_server_commands_total")
	s.metrics.NewGauge("bkv_server_connections", func() float64 { return float64(s.connections.Load()) })
	return s
}

// Start opens the regions and starts accepting connections. It returns once the server
// is listening.
func (s *Server) Start() error {
	common.InitLoggers(s.config)
	log.Infof("Created bKV Server")
	log.Infof(s.config.String())

	if err := s.openRegions(); err != nil {
		s.closeRegions()
		return err
	}
	s.workers = newWorkerPool(s.config.Transport.Workers)

	if s.config.MetricsEndpoint != "" {
		if err := s.serveMetrics(); err != nil {
			s.workers.Stop()
			s.closeRegions()
			return err
		}
	}

	if err := s.transport.Listen(s.config, s.accept); err != nil {
		_ = s.Close()
		return err
	}
	log.Infof("bKV setup completed successfully, serving %d regions", s.router.Len())
	return nil
}

// Serve starts the server and blocks until the process is interrupted
func (s *Server) Serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Infof("Shutting down")
	return s.Close()
}

// Addr returns the address clients connect to, nil before Start
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// Close stops accepting, waits for running commands and closes every region
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
		if s.workers != nil {
			s.workers.Stop()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = errors.CombineErrors(err, s.httpServer.Shutdown(ctx))
			cancel()
		}
		s.closeRegions()
		common.Sync()
	})
	return err
}

// --------------------------------------------------------------------------
// Command Execution
// --------------------------------------------------------------------------

// execute runs one client command. It blocks and must not run on an executor.
func (s *Server) execute(ctx context.Context, cmd redis.Command) redis.Reply {
	s.commands.Inc()

	spec, bad := redis.Check(cmd)
	if bad != nil {
		return bad
	}
	if spec.Name == "KEYS" {
		return s.keys(ctx, cmd)
	}

	target, err := s.router.Route(cmd)
	switch {
	case errors.Is(err, router.ErrCrossRegion):
		return redis.ErrorReply{Err: errors.New("CROSSSLOT Keys in request don't hash to the same region")}
	case errors.Is(err, router.ErrNoRegion) && len(spec.Keys(cmd)) == 0:
		// keyless commands see the first region only
		stores := s.router.Stores()
		if len(stores) == 0 {
			return redis.ErrorReply{Err: errors.New("ERR no regions configured")}
		}
		target = stores[0]
	case err != nil:
		return redis.ErrorReply{Err: errors.New("ERR no region serves this key")}
	}
	return s.adapter.Handle(ctx, cmd, spec, s.regions[target])
}

// keys collects the matching keys of every region in region order
func (s *Server) keys(ctx context.Context, cmd redis.Command) redis.Reply {
	out := redis.MultiBulkReply{}
	for _, st := range s.router.Stores() {
		res, err := st.Read(ctx, store.CommandRead{Cmd: cmd}, store.NoOrder)
		if err != nil {
			return storeErrorReply(s.regions[st], err)
		}
		reply := commandReply(res)
		keys, ok := reply.(redis.MultiBulkReply)
		if !ok {
			return reply
		}
		out = append(out, keys...)
	}
	return out
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

func (s *Server) serveMetrics() error {
	listener, err := net.Listen("tcp", s.config.MetricsEndpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on metrics endpoint %s", s.config.MetricsEndpoint)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		s.writeMetrics(w)
	})
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Infof("Serving metrics on http://%s/metrics", listener.Addr())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return nil
}

// writeMetrics writes the server, region and process metrics in prometheus text format
func (s *Server) writeMetrics(w io.Writer) {
	s.metrics.WritePrometheus(w)
	for _, st := range s.router.Stores() {
		if mw, ok := st.(store.MetricsWriter); ok {
			mw.WriteMetrics(w)
		}
	}
	metrics.WriteProcessMetrics(w)
}
