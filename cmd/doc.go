// Package cmd implements the command-line interface of bKV.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a bKV node
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See bkv -help for a list of all commands.
package cmd
