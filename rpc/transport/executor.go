package transport

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("transport")

var (
	// ErrWrongExecutor is returned when a connection is used from an executor that does not own it
	ErrWrongExecutor = errors.New("connection is owned by another executor")
	// ErrStopped is returned for tasks posted to a stopped executor
	ErrStopped = errors.New("executor stopped")
	// ErrClosed is returned for operations on a closed connection
	ErrClosed = errors.New("connection closed")
)

// Loop identifies the executor a callback runs on. Only the owning executor's loop may
// start reads and writes on a connection.
type Loop struct {
	exec *Executor
}

// Executor runs tasks and connection callbacks one at a time on a single goroutine.
// Connections registered with an executor belong to it for their whole life.
type Executor struct {
	id      int
	loop    *Loop
	tasks   chan func(*Loop)
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once

	nextConn atomic.Uint64
	conns    *xsync.MapOf[uint64, *Conn]
}

// NewExecutor starts an executor with a task queue of the given size
func NewExecutor(id int, queue int) *Executor {
	if queue <= 0 {
		queue = 1024
	}
	e := &Executor{
		id:    id,
		tasks: make(chan func(*Loop), queue),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		conns: xsync.NewMapOf[uint64, *Conn](),
	}
	e.loop = &Loop{exec: e}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case task := <-e.tasks:
			e.runTask(task)
		case <-e.stop:
			return
		}
	}
}

// runTask keeps the executor alive when a callback panics
func (e *Executor) runTask(task func(*Loop)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("executor %d: task panicked: %v", e.id, r)
		}
	}()
	task(e.loop)
}

// ID returns the id given to NewExecutor
func (e *Executor) ID() int {
	return e.id
}

// Post schedules fn on the executor. It blocks while the queue is full.
func (e *Executor) Post(fn func(loop *Loop)) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	select {
	case e.tasks <- fn:
		return nil
	case <-e.stop:
		return ErrStopped
	}
}

// postNonBlocking schedules fn without waiting for queue space. When the queue is full
// fn is handed over from a separate goroutine, so tasks of the executor itself never
// block on their own queue.
func (e *Executor) postNonBlocking(fn func(loop *Loop)) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	select {
	case e.tasks <- fn:
		return nil
	default:
	}
	go func() {
		if err := e.Post(fn); err != nil {
			log.Debugf("executor %d: dropped task: %v", e.id, err)
		}
	}()
	return nil
}

// Register hands nc to the executor. The returned connection may only be used with this
// executor's loop.
func (e *Executor) Register(nc NetConn) *Conn {
	c := &Conn{
		id:   e.nextConn.Add(1),
		exec: e,
		nc:   nc,
	}
	e.conns.Store(c.id, c)
	return c
}

// Conns returns the number of open connections of the executor
func (e *Executor) Conns() int {
	return e.conns.Size()
}

// Stop closes all connections and stops the executor after the running task.
// Queued tasks are dropped.
func (e *Executor) Stop() {
	e.once.Do(func() {
		e.stopped.Store(true)
		e.conns.Range(func(_ uint64, c *Conn) bool {
			_ = c.nc.Close()
			return true
		})
		close(e.stop)
	})
	<-e.done
}

// owns reports whether loop belongs to this executor
func (e *Executor) owns(loop *Loop) bool {
	return loop != nil && loop.exec == e
}
