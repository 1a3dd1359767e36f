package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/cockroachdb/errors"
)

// NetConn is the byte stream a Conn wraps, usually a net.Conn
type NetConn interface {
	io.ReadWriteCloser
}

// Conn is a non-blocking connection owned by one executor. Read and Write start a
// transfer and return immediately, the callback runs on the owning executor exactly once
// when the transfer is complete. If the peer closes the connection or a socket error
// occurs, the callback is dropped and the OnClose notifications run instead.
type Conn struct {
	id   uint64
	exec *Executor
	nc   NetConn

	reading atomic.Bool
	writing atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	onClose []func(loop *Loop)
}

// Read reads at least one byte into buf and calls cb with the number of bytes read.
// Only one read may be outstanding.
func (c *Conn) Read(loop *Loop, buf []byte, cb func(loop *Loop, n int)) error {
	if err := c.check(loop); err != nil {
		return err
	}
	if !c.reading.CompareAndSwap(false, true) {
		return errors.New("read already in progress")
	}
	go func() {
		n, err := c.nc.Read(buf)
		if n == 0 && err == nil {
			err = io.ErrNoProgress
		}
		c.reading.Store(false)
		if err != nil && n == 0 {
			c.fail(err)
			return
		}
		// data is delivered before a trailing error, the next read reports it
		c.post(func(loop *Loop) { cb(loop, n) })
	}()
	return nil
}

// Write writes all of buf and calls cb afterwards. Only one write may be outstanding.
func (c *Conn) Write(loop *Loop, buf []byte, cb func(loop *Loop)) error {
	if err := c.check(loop); err != nil {
		return err
	}
	if !c.writing.CompareAndSwap(false, true) {
		return errors.New("write already in progress")
	}
	go func() {
		_, err := c.nc.Write(buf)
		c.writing.Store(false)
		if err != nil {
			c.fail(err)
			return
		}
		c.post(func(loop *Loop) { cb(loop) })
	}()
	return nil
}

// OnClose registers fn to run on the executor once the connection is gone
func (c *Conn) OnClose(fn func(loop *Loop)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Close closes the connection. The OnClose notifications run on the executor. Close never
// waits for the executor, it may be called from its callbacks.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.nc.Close()
	c.exec.conns.Delete(c.id)

	c.mu.Lock()
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if len(callbacks) > 0 {
		perr := c.exec.postNonBlocking(func(loop *Loop) {
			for _, fn := range callbacks {
				fn(loop)
			}
		})
		if perr != nil {
			log.Debugf("connection %d closed after executor %d stopped", c.id, c.exec.id)
		}
	}
	return err
}

// Closed reports whether the connection was closed
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// check validates that loop may use the connection
func (c *Conn) check(loop *Loop) error {
	if !c.exec.owns(loop) {
		return ErrWrongExecutor
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// post runs fn on the executor unless the connection was closed meanwhile
func (c *Conn) post(fn func(loop *Loop)) {
	err := c.exec.Post(func(loop *Loop) {
		if !c.closed.Load() {
			fn(loop)
		}
	})
	if err != nil {
		_ = c.Close()
	}
}

// fail tears the connection down after a transfer error
func (c *Conn) fail(err error) {
	if c.closed.Load() {
		return
	}
	if IsPeerClose(err) {
		log.Debugf("connection %d closed by peer: %v", c.id, err)
	} else {
		log.Warningf("connection %d failed: %v", c.id, err)
	}
	_ = c.Close()
}

// IsPeerClose reports whether err means the other side went away
func IsPeerClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Post runs fn on the executor owning the connection
func (c *Conn) Post(fn func(loop *Loop)) error {
	return c.exec.Post(fn)
}
