// Package tcp implements the TCP listener of the transport layer. Accepted connections are
// tuned with the socket options of common.TransportConf (no delay, keep alive, linger and
// buffer sizes) before the base accept loop hands them to an executor.
//
// Keep alive follows redis: the first probe is sent after the configured idle period,
// then up to three probes a third of the period apart.
package tcp
