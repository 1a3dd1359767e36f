// Package testing provides standardised tests and benchmarks for
// block store engines that satisfy the db.BlockStore interface.
//
// The package contains:
//   - testing: A test suite for validating conformance to the BlockStore interface contract
//   - benchmark: Performance tests for measuring throughput of common block operations
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() (db.BlockStore, error) {
//		return NewMyEngine(), nil
//	}
//
//	// Running the standard test suite
//	dbtesting.RunBlockStoreTests(t, "MyEngine", factory)
//
//	// Running the persistence tests (open must reopen the same underlying storage)
//	dbtesting.RunPersistenceTests(t, "MyEngine", open)
//
//	// Running performance benchmarks
//	dbtesting.RunBlockStoreBenchmarks(b, "MyEngine", factory)
package testing
