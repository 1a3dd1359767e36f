// Package transport provides the byte stream layer the RESP server is built on.
//
// An Executor runs tasks on a single goroutine. Connections are registered with exactly one
// executor and may only be driven from it: Conn.Read and Conn.Write take the *Loop handed to
// executor callbacks and return ErrWrongExecutor for any other loop. Both start a transfer and
// return at once, the callback runs on the owning executor exactly once after the transfer
// completed. When the peer goes away (EOF, EPIPE, ECONNRESET) or the socket fails, the pending
// callback is dropped and the OnClose notifications run instead.
//
// Usage Example:
//
//	exec := transport.NewExecutor(0, 1024)
//	conn := exec.Register(netConn)
//	_ = exec.Post(func(loop *transport.Loop) {
//		buf := make([]byte, 4096)
//		_ = conn.Read(loop, buf, func(loop *transport.Loop, n int) {
//			// handle buf[:n]
//		})
//	})
//
// The tcp and unix subpackages provide listeners, the base subpackage the accept loop they share.
package transport
