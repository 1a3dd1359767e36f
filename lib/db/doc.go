// Package db defines the block storage interface used by the blob layer for
// values that do not fit inline in a tree leaf.
//
// Key Components:
//
//   - BlockStore Interface: The interface every storage engine must satisfy. It hands
//     out fixed size blocks addressed by BlockID (Allocate), and supports reading,
//     overwriting and freeing them. BlockID 0 (NilBlock) never addresses a block.
//
//   - Feature Flags: The Feature type defines capability flags that engines advertise
//     through SupportsFeature, so callers can discover e.g. whether blocks survive a
//     restart (FeaturePersistence).
//
//   - Implementation Identifiers: The Implementation type names the engines
//     ("maple" for the in-memory engine, "bolt" for the bbolt file engine).
//
//   - Database Information: DatabaseInfo reports the size of the live blocks, the
//     engine and engine specific metadata.
//
// Block stores do not provide transactions. The btree package stages all block writes
// of a key-value transaction in memory and relocates every block it modifies
// (copy-on-write), so a failed commit never leaves a partially written value behind.
//
// Related Packages:
//
// The engines/maple package provides a sharded in-memory engine built on xsync maps.
// The engines/bolt package provides a persistent engine built on go.etcd.io/bbolt.
// The testing package provides RunBlockStoreTests, RunPersistenceTests and
// RunBlockStoreBenchmarks for validating engines against this contract.
package db
