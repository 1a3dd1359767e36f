// Package serializer encodes backfill streams. A stream is a sequence of length prefixed
// Message frames: the request of the receiver, the chunks of the sender and a final end
// marker (or an error).
//
// Implementations:
//
//   - binarySerializerImpl: custom varint based format, the smallest and fastest codec
//   - msgpackSerializerImpl: MessagePack (vmihailenco/msgpack), compact and self describing
//   - jsonSerializerImpl: human readable, useful for debugging snapshots
//   - gobSerializerImpl: Go's gob format, every frame carries its own type information
//
// The replicated store uses a codec to write raft snapshots, so every replica of a shard
// must be configured with the same codec.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use.
//	Encoder and Decoder are not.
//
// Usage:
//
//	enc := serializer.NewEncoder(w, serializer.NewBinarySerializer())
//	_ = enc.Encode(serializer.Message{MsgType: serializer.MsgTChunk, Chunk: chunk})
//	_ = enc.Flush()
package serializer
