package internal

import (
	"context"
	"io"

	"github.com/ValentinKolb/bKV/lib/store"
)

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTRead      QueryType = iota // Execute a store read request.
	QueryTTimestamp                  // Retrieve the timestamp of the replica.
	QueryTCoherent                   // Check if the replica is coherent.
	QueryTGetDBInfo                  // Retrieve metadata about the store underlying the machine.
	QueryTMetrics                    // Write the metrics of the replica.
	QueryTBackfill                   // Stream a backfill from the replica.
)

func (q QueryType) String() string {
	switch q {
	case QueryTRead:
		return "Read"
	case QueryTTimestamp:
		return "Timestamp"
	case QueryTCoherent:
		return "Coherent"
	case QueryTGetDBInfo:
		return "GetDBInfo"
	case QueryTMetrics:
		return "Metrics"
	case QueryTBackfill:
		return "Backfill"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead.
// Queries never leave the node, so they carry the caller's context and sinks directly.
type Query struct {
	Type     QueryType
	Ctx      context.Context       // Read, Backfill
	Read     store.ReadRequest     // Read
	Token    store.OrderToken      // Read
	Backfill store.BackfillRequest // Backfill
	Sink     store.ChunkSink       // Backfill
	Writer   io.Writer             // Metrics
}

// Context returns the query context or a background context
func (q Query) Context() context.Context {
	if q.Ctx == nil {
		return context.Background()
	}
	return q.Ctx
}
