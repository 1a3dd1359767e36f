// Package rpc contains everything between a redis client and the region stores.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures, logging and the RESP request decoder.
//
//   - transport: Executors and callback driven connections with tcp and unix listeners.
//
//   - server: The bKV node. It opens the regions, routes commands to them and answers
//     clients over RESP.
package rpc
