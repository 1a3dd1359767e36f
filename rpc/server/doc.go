// Package server implements the bKV node: it opens the configured regions, registers them
// with a region router and serves them to redis clients over RESP2.
//
// Each region is either a local store (lstore) or a raft replicated store (dstore), both
// behind the store.IStore interface. Connections are driven by transport executors, store
// operations run on a pool of worker goroutines so no executor ever blocks on storage.
//
// Request Flow:
//
//	executor: read bytes ──> RequestDecoder ──> PING / QUIT answered directly
//	                                   │
//	worker:                   redis.Check ──> KEYS: every region, in region order
//	                                   │
//	                          router.Route ──> IServerAdapter ──> IStore.Read / Write
//	                                   │
//	executor: write reply ──> next buffered command
//
// A connection has at most one command in flight, replies are written in request order and
// pipelined commands are taken from the buffer before more data is read.
//
// Writes to a local region carry a timestamp from a per region clock. Writes that lose the
// race for a timestamp are retried with a fresh one. Replicated regions order writes through
// raft and ignore it.
//
// Metrics of the server, of every region and of the process are served in prometheus text
// format on /metrics when a metrics endpoint is configured.
package server
