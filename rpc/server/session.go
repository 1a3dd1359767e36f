package server

import (
	"context"
	"strings"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/ValentinKolb/bKV/rpc/transport"
	"github.com/cockroachdb/errors"
)

const defaultReadBuffer = 16 * 1024

// session is the state of one client connection. It is only touched on the executor owning
// the connection. Commands are decoded one at a time: the next one is taken from the
// buffer after the reply of the previous one was written, so replies keep request order.
type session struct {
	srv  *Server
	conn *transport.Conn
	dec  common.RequestDecoder
	buf  []byte
	out  []byte
}

// accept is the transport.AcceptFunc of the server
func (s *Server) accept(loop *transport.Loop, conn *transport.Conn) {
	size := s.config.Transport.BufferSize
	if size <= 0 {
		size = defaultReadBuffer
	}
	ss := &session{srv: s, conn: conn, buf: make([]byte, size)}

	s.connections.Add(1)
	conn.OnClose(func(*transport.Loop) {
		s.connections.Add(-1)
	})
	ss.next(loop)
}

func (ss *session) read(loop *transport.Loop) {
	if err := ss.conn.Read(loop, ss.buf, ss.onRead); err != nil {
		ss.fail(err)
	}
}

func (ss *session) onRead(loop *transport.Loop, n int) {
	ss.dec.Feed(ss.buf[:n])
	ss.next(loop)
}

// next handles the next buffered command or reads more data
func (ss *session) next(loop *transport.Loop) {
	cmd, ok, err := ss.dec.Next()
	if err != nil {
		log.Debugf("Closing connection after protocol error: %v", err)
		ss.reply(loop, redis.ErrorReply{Err: errors.Newf("ERR Protocol error: %v", err)}, true)
		return
	}
	if !ok {
		ss.read(loop)
		return
	}

	switch strings.ToUpper(cmd.Name) {
	case "PING":
		switch len(cmd.Args) {
		case 0:
			ss.reply(loop, redis.StatusReply("PONG"), false)
		case 1:
			ss.reply(loop, redis.Bulk(cmd.Args[0]), false)
		default:
			ss.reply(loop, redis.ErrorReply{Err: errors.Newf("%v for 'ping' command", redis.ErrWrongArity)}, false)
		}
	case "QUIT":
		ss.reply(loop, redis.OK, true)
	default:
		ss.dispatch(cmd)
	}
}

// dispatch runs cmd on a worker and writes the reply on the executor
func (ss *session) dispatch(cmd redis.Command) {
	ss.srv.workers.Submit(func() {
		var ctx context.Context
		var cancel context.CancelFunc
		if ss.srv.timeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), ss.srv.timeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}
		reply := ss.srv.execute(ctx, cmd)
		cancel()

		if err := ss.conn.Post(func(loop *transport.Loop) { ss.reply(loop, reply, false) }); err != nil {
			ss.fail(err)
		}
	})
}

// reply writes r and continues with the next command, or closes the connection if requested
func (ss *session) reply(loop *transport.Loop, r redis.Reply, closeAfter bool) {
	ss.out = redis.AppendReply(ss.out[:0], r)
	err := ss.conn.Write(loop, ss.out, func(loop *transport.Loop) {
		if closeAfter {
			_ = ss.conn.Close()
			return
		}
		ss.next(loop)
	})
	if err != nil {
		ss.fail(err)
	}
}

func (ss *session) fail(err error) {
	if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, transport.ErrStopped) {
		log.Warningf("Closing connection: %v", err)
	}
	_ = ss.conn.Close()
}
