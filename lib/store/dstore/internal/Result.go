package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
)

// Write responses travel back from the state machine in sm.Result.Data:
//
//	Set:    [result:1] [hasBody:1] [kind:1] [hasExpiration:1] [expiration:8] [payload]
//	Delete: [existed:1]
//	Redis:  RESP encoded reply

const setBodyHeader = 1 + 1 + 1 + 1 + 8

// EncodeResponse serializes the response of a write command
func EncodeResponse(resp store.WriteResponse) []byte {
	switch r := resp.(type) {
	case store.SetResponse:
		if r.Body == nil {
			return []byte{byte(r.Result), 0}
		}
		out := make([]byte, setBodyHeader, setBodyHeader+len(r.Body.Payload))
		out[0] = byte(r.Result)
		out[1] = 1
		out[2] = byte(r.Body.Kind)
		if r.Body.HasExpiration {
			out[3] = 1
		}
		binary.BigEndian.PutUint64(out[4:12], uint64(r.Body.Expiration))
		return append(out, r.Body.Payload...)
	case store.DeleteResponse:
		if r.Existed {
			return []byte{1}
		}
		return []byte{0}
	case store.CommandResponse:
		return redis.AppendReply(nil, r.Reply)
	default:
		return nil
	}
}

// DecodeResponse parses the response of a write command of type t
func DecodeResponse(t CommandType, data []byte) (store.WriteResponse, error) {
	switch t {
	case CommandTSet:
		if len(data) < 2 {
			return nil, fmt.Errorf("set response too short")
		}
		resp := store.SetResponse{Result: store.SetResult(data[0])}
		if data[1] == 0 {
			return resp, nil
		}
		if len(data) < setBodyHeader {
			return nil, fmt.Errorf("set response body too short")
		}
		resp.Body = &store.Data{
			Kind:          value.Kind(data[2]),
			HasExpiration: data[3] == 1,
			Expiration:    int64(binary.BigEndian.Uint64(data[4:12])),
			Payload:       append([]byte(nil), data[setBodyHeader:]...),
		}
		return resp, nil
	case CommandTDelete:
		if len(data) != 1 {
			return nil, fmt.Errorf("delete response of %d bytes", len(data))
		}
		return store.DeleteResponse{Existed: data[0] == 1}, nil
	case CommandTRedis:
		reply, n, err := redis.ParseReply(data)
		if err != nil {
			return nil, err
		}
		if n != len(data) {
			return nil, fmt.Errorf("%d trailing bytes after reply", len(data)-n)
		}
		return store.CommandResponse{Reply: reply}, nil
	default:
		return nil, fmt.Errorf("unknown command type %s", t)
	}
}
