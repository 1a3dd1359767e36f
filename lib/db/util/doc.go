// Package util provides utility components for block store engines and the
// layers built on top of them.
//
// The package contains:
//   - statistics: Utility tools for analyzing distributions and a SizeHistogram for tracking data size distribution
//   - functions: Hash functions and seed generation
package util
