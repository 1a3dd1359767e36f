package transport

import (
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// run executes fn on e and waits for it
func run(t *testing.T, e *Executor, fn func(loop *Loop)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, e.Post(func(loop *Loop) {
		defer close(done)
		fn(loop)
	}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("task did not run")
	}
}

func TestExecutorOrder(t *testing.T) {
	e := NewExecutor(0, 4)
	defer e.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, e.Post(func(*Loop) { got = append(got, i) }))
	}
	run(t, e, func(*Loop) {})

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestExecutorSurvivesPanic(t *testing.T) {
	e := NewExecutor(0, 0)
	defer e.Stop()

	require.NoError(t, e.Post(func(*Loop) { panic("boom") }))
	ran := false
	run(t, e, func(*Loop) { ran = true })
	assert.True(t, ran)
}

func TestExecutorStop(t *testing.T) {
	e := NewExecutor(0, 0)
	client, server := net.Pipe()
	defer client.Close()
	e.Register(server)
	assert.Equal(t, 1, e.Conns())

	e.Stop()
	e.Stop()
	assert.ErrorIs(t, e.Post(func(*Loop) {}), ErrStopped)

	// the registered connection was closed
	_, err := client.Write([]byte("x"))
	assert.Error(t, err)
}

func TestWrongExecutor(t *testing.T) {
	a, b := NewExecutor(0, 0), NewExecutor(1, 0)
	defer a.Stop()
	defer b.Stop()

	client, server := net.Pipe()
	defer client.Close()
	conn := a.Register(server)

	run(t, b, func(loop *Loop) {
		assert.ErrorIs(t, conn.Read(loop, make([]byte, 8), func(*Loop, int) {}), ErrWrongExecutor)
		assert.ErrorIs(t, conn.Write(loop, []byte("x"), func(*Loop) {}), ErrWrongExecutor)
	})
	assert.ErrorIs(t, conn.Read(nil, make([]byte, 8), func(*Loop, int) {}), ErrWrongExecutor)
}

func TestReadWrite(t *testing.T) {
	e := NewExecutor(0, 0)
	defer e.Stop()

	client, server := net.Pipe()
	defer client.Close()
	conn := e.Register(server)

	read := make(chan string, 1)
	buf := make([]byte, 16)
	run(t, e, func(loop *Loop) {
		require.NoError(t, conn.Read(loop, buf, func(cbLoop *Loop, n int) {
			// callbacks run on the owning executor
			if cbLoop == loop {
				read <- string(buf[:n])
			}
		}))
		assert.Error(t, conn.Read(loop, buf, func(*Loop, int) {}), "second outstanding read")
	})

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	select {
	case got := <-read:
		assert.Equal(t, "ping", got)
	case <-time.After(waitFor):
		t.Fatal("read callback did not run")
	}

	written := make(chan struct{})
	run(t, e, func(loop *Loop) {
		require.NoError(t, conn.Write(loop, []byte("pong"), func(*Loop) { close(written) }))
	})
	reply := make([]byte, 4)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
	select {
	case <-written:
	case <-time.After(waitFor):
		t.Fatal("write callback did not run")
	}
}

func TestPeerCloseRunsOnClose(t *testing.T) {
	e := NewExecutor(0, 0)
	defer e.Stop()

	client, server := net.Pipe()
	conn := e.Register(server)

	var mu sync.Mutex
	readCalled := false
	closed := make(chan struct{})
	conn.OnClose(func(*Loop) { close(closed) })

	run(t, e, func(loop *Loop) {
		require.NoError(t, conn.Read(loop, make([]byte, 8), func(*Loop, int) {
			mu.Lock()
			readCalled = true
			mu.Unlock()
		}))
	})
	require.NoError(t, client.Close())

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("close notification did not run")
	}
	mu.Lock()
	assert.False(t, readCalled)
	mu.Unlock()
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, e.Conns())

	run(t, e, func(loop *Loop) {
		assert.ErrorIs(t, conn.Write(loop, []byte("x"), func(*Loop) {}), ErrClosed)
	})
	assert.NoError(t, conn.Close())
}

func TestCloseFromCallbackWithFullQueue(t *testing.T) {
	e := NewExecutor(0, 1)
	defer e.Stop()

	_, server := net.Pipe()
	conn := e.Register(server)
	closed := make(chan struct{})
	conn.OnClose(func(*Loop) { close(closed) })

	run(t, e, func(*Loop) {
		// the running task took its slot, this fills the queue again
		require.NoError(t, e.Post(func(*Loop) {}))
		require.NoError(t, conn.Close())
	})

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("close notification did not run")
	}
	assert.Equal(t, 0, e.Conns())
}

func TestIsPeerClose(t *testing.T) {
	assert.True(t, IsPeerClose(io.EOF))
	assert.True(t, IsPeerClose(errors.Wrap(syscall.ECONNRESET, "read")))
	assert.True(t, IsPeerClose(&net.OpError{Op: "write", Err: syscall.EPIPE}))
	assert.True(t, IsPeerClose(net.ErrClosed))
	assert.False(t, IsPeerClose(errors.New("disk on fire")))
}
