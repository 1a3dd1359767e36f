// Package base implements the accept loop shared by the tcp and unix transports.
//
// A serverTransport owns a fixed set of executors. Accepted connections are upgraded by the
// protocol specific IServerConnector, registered with the next executor in round robin order
// and handed to the AcceptFunc on that executor. Close stops the listener first and then the
// executors, which closes every connection they still own.
package base
