package server

import (
	"context"

	"github.com/ValentinKolb/bKV/lib/redis"
)

// IServerAdapter is the interface for all server adapters. It runs a command, whose arity
// was already checked, against the region owning its keys and turns every outcome into a
// reply. Store errors never leave the adapter.
type IServerAdapter interface {
	Handle(ctx context.Context, cmd redis.Command, spec *redis.Spec, target *region) (reply redis.Reply)
}
