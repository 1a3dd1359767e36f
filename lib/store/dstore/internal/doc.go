// Package internal provides the communication protocol structures and serialization
// logic for the dstore package. It defines the wire format used to transmit operations
// between the store client and the replicated state machine.
//
// This package is intended for internal use by the dstore implementation and should
// not be imported directly by external code.
//
// The package consists of three components:
//
//   - Command System: Write operations (Set, Delete, Redis) that modify the region.
//     Commands are serialized and proposed to the RAFT cluster, and applied by the state
//     machine with the log index as write timestamp.
//
//   - Result Encoding: The response of an applied command travels back in the raft
//     result. Redis replies are RESP encoded.
//
//   - Query System: Read operations executed locally on the state machine. Queries never
//     leave the node and therefore do not require serialization.
//
// Command Format:
//
//   - 1 byte: Command type (Set, Delete, Redis)
//
//   - 1 byte: Flags (has expiration, return body)
//
//   - 1 byte: Value kind
//
//   - 8 bytes: Expiration (int64, big endian)
//
//   - 8 bytes: Order token (uint64, big endian)
//
//   - 4 bytes: Number of words (uint32, big endian)
//
//   - per word: 4 bytes length (uint32, big endian) followed by the word
//
//     Set carries the key and the payload as words, Delete the key and Redis the command
//     name followed by its arguments.
//
// Thread Safety:
//
//	The types in this package are not thread-safe and should not be shared
//	across goroutines without external synchronization. However, this is not
//	typically an issue as the RAFT protocol ensures sequential processing of
//	commands on the state machine.
package internal
