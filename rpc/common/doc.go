// Package common provides configuration, logging and protocol helpers shared by the
// server and the command line.
//
// Key Components:
//
//   - ServerConfig: configuration of a node, its regions, storage, transport and RAFT
//     parameters. Provides the conversion to Dragonboat configurations and a sectioned
//     String report printed at startup. ParseRegions reads the --regions flag.
//
//   - Logger: a Dragonboat logger.Factory backed by zap. Every package logger carries
//     its package name as field and filters by its own level.
//
//   - RequestDecoder: incremental decoder of RESP client requests (arrays of bulk
//     strings and inline commands). Replies are encoded with redis.AppendReply.
package common
