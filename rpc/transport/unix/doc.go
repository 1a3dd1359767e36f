// Package unix implements the unix domain socket listener of the transport layer. A stale
// socket file left at the endpoint is removed before listening.
package unix
