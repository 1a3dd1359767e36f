// Package lstore implements the local region store: a store.IStore owning one key region
// on a single node. Values live in a lib/btree tree whose out-of-node content is kept in a
// db.BlockStore created through the configured db.Factory.
//
// Key Features:
//   - Region containment: every request is checked against the owned region
//   - Timestamp ordering: writes are admitted with a compare-and-swap on the region clock,
//     stale writes are rejected
//   - Request dispatch: point, range and redis command reads, set, delete and redis
//     command writes
//   - Backfill: minimal diff streaming to and from other region stores
//   - Metrics: per region counters and histograms (VictoriaMetrics)
//
// Backfill State Machine:
//
//	coherent ──BackfilleeBegin──> receiving ──BackfilleeEnd──> coherent
//	                                  │
//	                          BackfilleeCancel
//	                                  v
//	                             incoherent ──BackfilleeBegin──> receiving
//
//	coherent ──Backfiller──> sending ──(done or interrupted)──> coherent
//
//	A receiving or incoherent store rejects reads and writes with RetCNotCoherent.
//	A sending store rejects reads and writes with RetCBackfilling, so the timestamp
//	reported in BackfillEnd matches the streamed content exactly.
//
// Minimal Diff:
//
//	The receiver reports its timestamp in the BackfillRequest. The sender streams the
//	deletions its tree recorded after that timestamp, followed by every entry written
//	after it. If the deletion log no longer reaches back far enough, or the receiver has
//	nothing (timestamp 0, or incoherent after a cancel), the sender starts with a
//	DeleteRange chunk for the whole region and streams every entry instead.
//
// Usage Example:
//
//	s, err := lstore.NewLocalStore(lstore.Config{
//		Region: store.Region{Start: []byte("a"), End: []byte("n")},
//		Blocks: maple.NewFactory(nil),
//	})
//	res, err := s.Write(ctx, store.Set{Key: []byte("k"), Value: data}, ts, store.NoOrder)
package lstore
